package pdvu

import (
	"errors"
	"sync"
	"sync/atomic"
)

func atomicInc(n *int32) int32 {
	return atomic.AddInt32(n, 1)
}

// fakeParser is an in-memory Parser test double. It never touches MuPDF;
// geometry and display lists are supplied by the test, and WriteSection
// fills each band with a deterministic byte pattern (or a caller-supplied
// hook) so tests can assert on exact pixel contents.
type fakeParser struct {
	mu sync.Mutex

	pages []PageGeometry

	// dlDelay, if set, is slept before returning from GetDisplayList.
	dlDelay func(page int)

	// dlErr, if non-nil, is returned from GetDisplayList unconditionally.
	dlErr error

	// writeDelay, if set, is invoked before writing a section.
	writeDelay func(clip Rect)

	// failOnCall, if > 0, makes the Nth call (1-indexed) to WriteSection
	// across all duplicates fail.
	failOnCall int
	callCount  *int32

	closed bool
}

func newFakeParser(pages []PageGeometry) *fakeParser {
	var n int32
	return &fakeParser{pages: pages, callCount: &n}
}

func (p *fakeParser) NumPages() int { return len(p.pages) }

func (p *fakeParser) PageSpecs(page int) (PageGeometry, bool) {
	if page < 0 || page >= len(p.pages) {
		return PageGeometry{}, false
	}
	return p.pages[page], true
}

func (p *fakeParser) GetDisplayList(page int) (DisplayList, error) {
	if p.dlDelay != nil {
		p.dlDelay(page)
	}
	if p.dlErr != nil {
		return nil, p.dlErr
	}
	if page < 0 || page >= len(p.pages) {
		return nil, ErrBadPage
	}
	return page, nil
}

func (p *fakeParser) WriteSection(w, h int, zoom float64, geom PageGeometry, dl DisplayList, buf []byte, clip Rect) error {
	if p.writeDelay != nil {
		p.writeDelay(clip)
	}

	if p.failOnCall > 0 {
		n := atomicInc(p.callCount)
		if int(n) == p.failOnCall {
			return errors.New("fake parser: forced write failure")
		}
	}

	fill := byte(int(clip.Y0)) ^ byte(w) ^ byte(h)
	for i := range buf {
		buf[i] = fill
	}
	return nil
}

func (p *fakeParser) Duplicate() (Parser, error) {
	return &fakeParser{
		pages:      p.pages,
		dlDelay:    p.dlDelay,
		dlErr:      p.dlErr,
		writeDelay: p.writeDelay,
		failOnCall: p.failOnCall,
		callCount:  p.callCount,
	}, nil
}

func (p *fakeParser) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
