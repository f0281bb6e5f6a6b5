package main

import (
	"log"
	"os"
	"time"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/eddrick23/pdvu"
)

var (
	pdfPath  = kingpin.Arg("pdf", "PDF file").Required().String()
	page     = kingpin.Flag("page", "zero-indexed page number").Default("0").Short('p').Int()
	zoom     = kingpin.Flag("zoom", "zoom factor").Default("1.5").Short('z').Float()
	rotation = kingpin.Flag("rotation", "quarter turns clockwise").Default("0").Short('r').Int()
	workers  = kingpin.Flag("workers", "worker pool size").Default("4").Short('w').Int()
	medium   = kingpin.Flag("medium", "shm or tempfile").Default("tempfile").Short('m').String()
	out      = kingpin.Flag("out", "output path").Default("").Short('o').String()
)

func main() {
	kingpin.Parse()

	proto, err := pdvu.OpenMuPDFParser(*pdfPath)
	if err != nil {
		log.Fatalf("pdvu-render: open %q: %s", *pdfPath, err)
	}

	cfg := pdvu.DefaultConfig()
	cfg.PoolSize = *workers

	engine, err := pdvu.NewEngine(proto, cfg)
	if err != nil {
		log.Fatalf("pdvu-render: configure engine: %s", err)
	}
	if err := engine.Run(); err != nil {
		log.Fatalf("pdvu-render: start engine: %s", err)
	}
	defer engine.Close()

	geom, ok := proto.PageSpecs(*page)
	if !ok {
		log.Fatalf("pdvu-render: page %d out of range", *page)
	}
	geom = geom.Scale(*zoom).RotateQuarterClockwise(*rotation)

	m := pdvu.MediumTempFile
	if *medium == "shm" {
		m = pdvu.MediumSharedMemory
	}

	engine.Request(*page, *zoom, geom, m)

	var res pdvu.RenderResult
	deadline := time.Now().Add(pdvu.RasterTimeout)
	for {
		if r, ok := engine.PollResult(); ok {
			res = r
			break
		}
		if time.Now().After(deadline) {
			log.Fatalf("pdvu-render: timed out waiting for page %d", *page)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if res.Error != "" {
		log.Fatalf("pdvu-render: render failed: %s", res.Error)
	}

	log.Printf("rendered page %d (%dx%d) in %dms -> %s", res.Page, res.Width, res.Height, res.RenderMs, res.Path)

	destination := *out
	if destination == "" {
		destination = *pdfPath + ".raw"
	}

	raw, err := os.ReadFile(res.Path)
	if err != nil {
		log.Fatalf("pdvu-render: read rendered buffer: %s", err)
	}
	if err := os.WriteFile(destination, raw, 0644); err != nil {
		log.Fatalf("pdvu-render: write output: %s", err)
	}
}
