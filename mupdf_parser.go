// Package pdvu's cgo bridge to MuPDF. The C helpers this file calls
// (new_locks, free_locks, cgo_open_document, cgo_drop_document, load_page,
// get_rotation) are declared in pdvu_mupdf.h, a C shim that is not part of
// this repository and must be found on the C include path at build time;
// the same split the teacher uses between its own Go file and faster_raster.h.
package pdvu

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"
)

// #cgo CFLAGS: -I/opt/mupdf/include
// #cgo CFLAGS: -I/opt/mupdf/include/mupdf
// #cgo CFLAGS: -I/opt/mupdf/thirdparty/openjpeg
// #cgo CFLAGS: -I/opt/mupdf/thirdparty/jbig2dec
// #cgo CFLAGS: -I/opt/mupdf/thirdparty/zlib
// #cgo CFLAGS: -I/opt/mupdf/thirdparty/jpeg
// #cgo CFLAGS: -I/opt/mupdf/thirdparty/freetype
//
// #cgo LDFLAGS: -L/opt/mupdf/build/release -lmupdf -lmupdf-third -lm -lcrypto -lpthread
// #cgo darwin LDFLAGS: -L/usr/local/opt/openssl/lib
//
// #include <pdvu_mupdf.h>
import "C"

// mupdfDisplayList wraps the C display list pointer built by GetDisplayList.
// It does not record the context the list was built under and has no Close
// method; nothing in this package drops a list once it has been returned.
type mupdfDisplayList struct {
	list *C.fz_display_list
}

// mupdfParser is the concrete, cgo-backed Parser implementation. A
// prototype owns the document, the shared locks context, and the top-level
// fz_context; every Duplicate clones only the fz_context, so workers never
// share mutable allocator state but do share the underlying document and
// its locks, exactly as MuPDF's multi-threaded contract requires.
type mupdfParser struct {
	ctx  *C.fz_context
	doc  *C.fz_document
	path string

	// locks and isPrototype are non-nil/true only on the original Parser
	// returned by OpenMuPDFParser; duplicates reference the same document
	// and locks but do not own them.
	locks       *C.fz_locks_context
	isPrototype bool

	mu        sync.RWMutex
	pageCount int
	closed    bool
}

// OpenMuPDFParser opens the PDF at path and returns the prototype Parser.
// Every worker in the pool will hold an independent Duplicate of it; path
// must stay valid for the lifetime of the returned Parser and everything
// Duplicated from it.
func OpenMuPDFParser(path string) (Parser, error) {
	span, _ := tracer.StartSpanFromContext(context.Background(), "pdvu.mupdf.open")
	defer span.Finish()

	locks := C.new_locks()
	if locks == nil {
		return nil, errors.New("pdvu: unable to allocate mupdf locks")
	}

	ctx := C.fz_new_context(nil, locks, C.FZ_STORE_DEFAULT)
	if ctx == nil {
		C.free_locks(&locks)
		return nil, errors.New("pdvu: unable to allocate mupdf context")
	}
	C.fz_register_document_handlers(ctx)

	cPath := C.CString(path)
	defer C.free(unsafe.Pointer(cPath))

	start := time.Now()
	doc := C.cgo_open_document(ctx, cPath, C.CString(".pdf"))
	elapsed := time.Since(start)
	span.SetTag("c_call_duration_ms", float64(elapsed.Nanoseconds())/1e6)

	if doc == nil {
		C.fz_drop_context(ctx)
		C.free_locks(&locks)
		return nil, fmt.Errorf("pdvu: unable to open document %q", path)
	}

	p := &mupdfParser{
		ctx:         ctx,
		doc:         doc,
		path:        path,
		locks:       locks,
		isPrototype: true,
		pageCount:   int(C.fz_count_pages(ctx, doc)),
	}
	log.Debugf("pdvu: opened %q with %d pages", path, p.pageCount)
	return p, nil
}

func (p *mupdfParser) NumPages() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pageCount
}

// PageSpecs returns the unscaled page bounds as PageGeometry, with Rotation
// set to the page's own rotation as reported by the document (width and
// height are not swapped for it); callers apply Scale/RotateQuarterClockwise
// themselves.
func (p *mupdfParser) PageSpecs(page int) (PageGeometry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if page < 0 || page >= p.pageCount {
		return PageGeometry{}, false
	}

	fzPage := C.load_page(p.ctx, p.doc, C.int(page))
	if fzPage == nil {
		return PageGeometry{}, false
	}
	defer C.fz_drop_page(p.ctx, fzPage)

	bounds := C.fz_bound_page(p.ctx, fzPage)
	geom := NewPageGeometry(float64(bounds.x0), float64(bounds.y0), float64(bounds.x1), float64(bounds.y1))
	geom.Rotation = int(C.get_rotation(p.ctx, fzPage))
	return geom, true
}

// GetDisplayList builds a display list for page by running its content
// stream into a list device. The returned DisplayList is shared-immutable:
// every worker that later calls WriteSection with it reads through its own
// cloned context, never mutating shared state.
func (p *mupdfParser) GetDisplayList(page int) (DisplayList, error) {
	span, _ := tracer.StartSpanFromContext(context.Background(), "pdvu.mupdf.get_display_list", tracer.Tag("page", page))
	defer span.Finish()

	p.mu.RLock()
	defer p.mu.RUnlock()

	if page < 0 || page >= p.pageCount {
		return nil, ErrBadPage
	}

	fzPage := C.load_page(p.ctx, p.doc, C.int(page))
	if fzPage == nil {
		return nil, ErrBadPage
	}
	defer C.fz_drop_page(p.ctx, fzPage)

	bounds := C.fz_bound_page(p.ctx, fzPage)
	list := C.fz_new_display_list(p.ctx, bounds)
	device := C.fz_new_list_device(p.ctx, list)

	var cookie C.fz_cookie
	C.fz_run_page(p.ctx, fzPage, device, C.fz_identity, &cookie)
	C.fz_close_device(p.ctx, device)
	C.fz_drop_device(p.ctx, device)

	if cookie.errors > 0 {
		C.fz_drop_display_list(p.ctx, list)
		log.Warnf("pdvu: %d errors building display list for page %d", int(cookie.errors), page)
		return nil, ErrNoDisplayList
	}

	return &mupdfDisplayList{list: list}, nil
}

// WriteSection draws the clipped region of geom into buf using dl, via a
// draw device scoped to this Parser's own fz_context. Each call is expected
// to run on a Duplicate, one per worker, so concurrent calls never share a
// context.
func (p *mupdfParser) WriteSection(w, h int, zoom float64, geom PageGeometry, dl DisplayList, buf []byte, clip Rect) error {
	mdl, ok := dl.(*mupdfDisplayList)
	if !ok || mdl == nil || mdl.list == nil {
		return ErrNoDisplayList
	}
	if len(buf) != 3*w*h {
		return fmt.Errorf("pdvu: buffer is %d bytes, want %d for %dx%d section", len(buf), 3*w*h, w, h)
	}
	if w == 0 || h == 0 {
		return nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	// The pixmap covers exactly the band's device-space rectangle, so the
	// first byte of buf is the band's top-left pixel.
	matrix := C.fz_scale(C.float(zoom), C.float(zoom))
	x0 := int(math.Round(clip.X0))
	y0 := int(math.Round(clip.Y0))
	bbox := C.fz_irect{
		x0: C.int(x0), y0: C.int(y0),
		x1: C.int(x0 + w), y1: C.int(y0 + h),
	}

	pixmap := C.fz_new_pixmap_with_bbox_and_data(
		p.ctx, C.fz_device_rgb(p.ctx), bbox, nil, 0, (*C.uchar)(unsafe.Pointer(&buf[0])),
	)
	defer C.fz_drop_pixmap(p.ctx, pixmap)

	device := C.fz_new_draw_device(p.ctx, matrix, pixmap)

	clipRect := C.fz_rect{
		x0: C.float(clip.X0), y0: C.float(clip.Y0),
		x1: C.float(clip.X1), y1: C.float(clip.Y1),
	}

	var cookie C.fz_cookie
	C.fz_run_display_list(p.ctx, mdl.list, device, C.fz_identity, clipRect, &cookie)
	C.fz_close_device(p.ctx, device)
	C.fz_drop_device(p.ctx, device)

	if cookie.errors > 0 {
		return fmt.Errorf("%w: %d errors drawing section", ErrWriteSection, int(cookie.errors))
	}
	return nil
}

// Duplicate clones this Parser's fz_context. The clone shares the
// underlying document and locks context with its prototype (and with every
// other duplicate), which is exactly what MuPDF's locking contract is for:
// concurrent use of a single document from multiple cloned contexts.
func (p *mupdfParser) Duplicate() (Parser, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	clone := C.fz_clone_context(p.ctx)
	if clone == nil {
		return nil, errors.New("pdvu: failed to clone mupdf context")
	}

	return &mupdfParser{
		ctx:         clone,
		doc:         p.doc,
		path:        p.path,
		pageCount:   p.pageCount,
		isPrototype: false,
	}, nil
}

// Close drops this Parser's own context. Only the prototype additionally
// drops the shared document and frees the locks context; duplicates leave
// both alone since the prototype (or another still-open duplicate) may
// still be using them.
func (p *mupdfParser) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.isPrototype {
		C.cgo_drop_document(p.ctx, p.doc)
	}
	if p.ctx != nil {
		C.fz_drop_context(p.ctx)
		p.ctx = nil
	}
	if p.isPrototype && p.locks != nil {
		C.free_locks(&p.locks)
	}
	return nil
}
