package pdvu

import (
	"os"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func newTestEngine(t *testing.T, pages []PageGeometry, cfg Config) (*Engine, *fakeParser) {
	t.Helper()
	proto := newFakeParser(pages)
	e, err := NewEngine(proto, cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := e.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return e, proto
}

func pollUntil(t *testing.T, e *Engine, timeout time.Duration) RenderResult {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if res, ok := e.PollResult(); ok {
			return res
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("no result published within %s", timeout)
	return RenderResult{}
}

func TestEngine_SingleColdRender(t *testing.T) {
	Convey("Single render, cold", t, func() {
		pages := []PageGeometry{NewPageGeometry(0, 0, 100, 200)}
		cfg := DefaultConfig()
		cfg.PoolSize = 2
		e, _ := newTestEngine(t, pages, cfg)
		defer e.Close()

		id := e.Request(0, 1.0, pages[0], MediumTempFile)
		So(id, ShouldEqual, uint64(1))

		res := pollUntil(t, e, time.Second)
		So(res.ReqID, ShouldEqual, uint64(1))
		So(res.Width, ShouldEqual, 100)
		So(res.Height, ShouldEqual, 200)
		So(res.Error, ShouldBeEmpty)
		So(res.RenderMs, ShouldBeGreaterThanOrEqualTo, 0)

		info, err := os.Stat(res.Path)
		So(err, ShouldBeNil)
		So(info.Size(), ShouldEqual, int64(60000))

		So(e.Close(), ShouldBeNil)

		_, err = os.Stat(res.Path)
		So(os.IsNotExist(err), ShouldBeTrue)
	})
}

func TestEngine_DropOlderCoalescing(t *testing.T) {
	Convey("Drop-older coalescing", t, func() {
		pages := []PageGeometry{NewPageGeometry(0, 0, 100, 200)}
		gate := make(chan struct{})
		proto := newFakeParser(pages)
		proto.writeDelay = func(clip Rect) { <-gate }

		cfg := DefaultConfig()
		cfg.PoolSize = 1
		e, err := NewEngine(proto, cfg)
		So(err, ShouldBeNil)
		So(e.Run(), ShouldBeNil)
		defer e.Close()

		e.Request(0, 1.0, pages[0], MediumTempFile)
		time.Sleep(20 * time.Millisecond) // let the first request start rendering and block on the gate
		e.Request(0, 2.0, pages[0], MediumTempFile)
		e.Request(0, 3.0, pages[0], MediumTempFile)

		close(gate)

		// The coordinator may publish req_id=1 (already in flight when the
		// gate closed) before processing req_id=3; both orders satisfy the
		// monotonicity contract. Collect every publication until the stream
		// goes quiet and check the last one.
		var last RenderResult
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if res, ok := e.PollResult(); ok {
				last = res
				So(res.ReqID, ShouldNotEqual, uint64(2))
				deadline = time.Now().Add(50 * time.Millisecond)
			}
			time.Sleep(2 * time.Millisecond)
		}
		So(last.ReqID, ShouldEqual, uint64(3))
		So(last.Zoom, ShouldEqual, 3.0)
	})
}

func TestEngine_DisplayListCacheAdmission(t *testing.T) {
	Convey("Display-list cache admission", t, func() {
		pages := []PageGeometry{
			NewPageGeometry(0, 0, 100, 100),
			NewPageGeometry(0, 0, 100, 100),
		}
		var page1Calls int32
		proto := newFakeParser(pages)
		proto.dlDelay = func(page int) {
			if page == 0 {
				time.Sleep(150 * time.Millisecond)
			} else {
				atomic.AddInt32(&page1Calls, 1)
				time.Sleep(5 * time.Millisecond)
			}
		}

		cfg := DefaultConfig()
		cfg.PoolSize = 1
		e, err := NewEngine(proto, cfg)
		So(err, ShouldBeNil)
		So(e.Run(), ShouldBeNil)
		defer e.Close()

		e.Request(0, 1.0, pages[0], MediumTempFile)
		first := pollUntil(t, e, 2*time.Second)
		So(first.Error, ShouldBeEmpty)

		start := time.Now()
		e.Request(0, 2.0, pages[0].Scale(2.0), MediumTempFile)
		second := pollUntil(t, e, 2*time.Second)
		So(second.Error, ShouldBeEmpty)
		So(time.Since(start), ShouldBeLessThan, 100*time.Millisecond)

		e.Request(1, 1.0, pages[1], MediumTempFile)
		pollUntil(t, e, 2*time.Second)
		e.Request(1, 2.0, pages[1].Scale(2.0), MediumTempFile)
		pollUntil(t, e, 2*time.Second)

		So(atomic.LoadInt32(&page1Calls), ShouldEqual, int32(2))
	})
}

func TestEngine_PageCacheHit(t *testing.T) {
	Convey("Page cache hit", t, func() {
		pages := []PageGeometry{NewPageGeometry(0, 0, 100, 100)}
		proto := newFakeParser(pages)
		var totalSleep time.Duration = 150 * time.Millisecond
		proto.writeDelay = func(clip Rect) {
			time.Sleep(totalSleep)
			totalSleep = 0
		}

		cfg := DefaultConfig()
		cfg.PoolSize = 1
		e, err := NewEngine(proto, cfg)
		So(err, ShouldBeNil)
		So(e.Run(), ShouldBeNil)
		defer e.Close()

		e.Request(0, 1.0, pages[0], MediumTempFile)
		first := pollUntil(t, e, 2*time.Second)
		So(first.RenderMs, ShouldBeGreaterThanOrEqualTo, int64(150))

		e.Request(0, 1.0, pages[0], MediumTempFile)
		second := pollUntil(t, e, 2*time.Second)
		So(second.RenderMs, ShouldBeLessThan, int64(20))
		So(second.Width, ShouldEqual, first.Width)
		So(second.Height, ShouldEqual, first.Height)
	})
}

func TestEngine_ParallelBandCorrectness(t *testing.T) {
	Convey("Parallel correctness", t, func() {
		pages := []PageGeometry{NewPageGeometry(0, 0, 400, 400)}
		proto := newFakeParser(pages)

		cfg := DefaultConfig()
		cfg.PoolSize = 4
		cfg.UseCache = false
		e, err := NewEngine(proto, cfg)
		So(err, ShouldBeNil)
		So(e.Run(), ShouldBeNil)
		defer e.Close()

		e.Request(0, 1.0, pages[0], MediumTempFile)
		res := pollUntil(t, e, time.Second)
		So(res.Error, ShouldBeEmpty)

		data, err := os.ReadFile(res.Path)
		So(err, ShouldBeNil)

		bands := SplitBounds(pages[0], 4)
		for _, b := range bands {
			want := byte(int(b.Rect.Y0)) ^ byte(b.Width) ^ byte(b.Height)
			for i := b.Offset; i < b.Offset+b.Bytes; i++ {
				if data[i] != want {
					t.Fatalf("band starting at offset %d: byte %d = %d, want %d", b.Offset, i, data[i], want)
				}
			}
		}
	})
}

func TestEngine_ParserFailureMidFanOut(t *testing.T) {
	Convey("Parser failure mid-fan-out", t, func() {
		pages := []PageGeometry{NewPageGeometry(0, 0, 300, 300)}
		proto := newFakeParser(pages)
		proto.failOnCall = 2

		cfg := DefaultConfig()
		cfg.PoolSize = 3
		e, err := NewEngine(proto, cfg)
		So(err, ShouldBeNil)
		So(e.Run(), ShouldBeNil)
		defer e.Close()

		e.Request(0, 1.0, pages[0], MediumTempFile)
		res := pollUntil(t, e, time.Second)
		So(res.Error, ShouldNotBeEmpty)
		So(res.Width, ShouldBeZeroValue)
		So(res.Height, ShouldBeZeroValue)

		e.Request(0, 2.0, pages[0].Scale(2.0), MediumTempFile)
		second := pollUntil(t, e, time.Second)
		So(second.Error, ShouldBeEmpty)
	})
}
