package pdvu

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"
)

// RenderRequest is one request deposited in the coordinator's mailbox.
type RenderRequest struct {
	Page     int
	Zoom     float64
	Rotation int
	Geometry PageGeometry
	ReqID    uint64
	Medium   Medium
}

// RenderResult is the outcome of processing one RenderRequest. Exactly one
// RenderResult is published per dispatched request; it sits in the result
// slot until PollResult consumes it or a later publication replaces it.
type RenderResult struct {
	ReqID    uint64
	Page     int
	Zoom     float64
	Width    int
	Height   int
	RenderMs int64
	Error    string
	Path     string
	Medium   Medium
}

// PageKey identifies a page cache entry. Zoom is compared with a relative
// epsilon rather than bit-exact equality, since zoom values arrive as the
// product of repeated float arithmetic (scroll-wheel zoom deltas) and two
// logically-identical zooms may differ in their low bits.
type PageKey struct {
	Page     int
	Zoom     float64
	Rotation int
}

func pageKeyEqual(a, b PageKey) bool {
	if a.Page != b.Page || a.Rotation != b.Rotation {
		return false
	}
	return floatEqual(a.Zoom, b.Zoom)
}

// floatEqual compares two floats using the relative epsilon 1e-9*max(|a|,|b|)
// mandated for PageKey.Zoom comparison.
func floatEqual(a, b float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	abs := func(v float64) float64 {
		if v < 0 {
			return -v
		}
		return v
	}
	maxAB := abs(a)
	if abs(b) > maxAB {
		maxAB = abs(b)
	}
	return diff <= 1e-9*maxAB
}

func intEqual(a, b int) bool { return a == b }

// pageCacheEntry mirrors spec.md's PageCacheEntry. For shared-memory
// renders the pixel bytes are copied into pixelBytes, since the shared
// memory object itself is hand-off to the terminal consumer and cannot be
// relied on to outlive this cache entry. For temp-file renders, buf is a
// shared reference to the mapped temp file instead; pixelBytes is unused.
type pageCacheEntry struct {
	medium     Medium
	pixelBytes []byte
	buf        *sharedBuffer
	width      int
	height     int
	rotation   int
}

// releaseEntry is invoked by the page cache's onEvict hook when an entry is
// dropped (capacity eviction or key overwrite); it releases the entry's
// strong reference to a shared temp-file buffer, if any.
func releaseEntry(e pageCacheEntry) {
	if e.buf != nil {
		e.buf.release()
	}
}

// coordinator is the single supervisor owning both LRU caches, the
// currently-published pixel buffer, the request id counter, and the result
// slot. It is driven by its own goroutine (run); every other goroutine
// touches it only through the mailbox and the result slot.
type coordinator struct {
	cfg   Config
	pool  *workerPool
	proto Parser

	mailboxMu sync.Mutex
	mailbox   *RenderRequest
	wake      chan struct{}

	resultMu sync.Mutex
	result   *RenderResult

	dlCache   *lruCache[int, DisplayList]
	pageCache *lruCache[PageKey, pageCacheEntry]

	current *sharedBuffer

	reqSeq uint64

	quit chan struct{}
	done chan struct{}
}

func newCoordinator(cfg Config, proto Parser, pool *workerPool) *coordinator {
	c := &coordinator{
		cfg:   cfg,
		pool:  pool,
		proto: proto,
		wake:  make(chan struct{}, 1),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	if cfg.UseCache {
		c.dlCache = newLRUCache[int, DisplayList](cfg.DisplayListCacheCapacity, intEqual)
		c.pageCache = newLRUCache[PageKey, pageCacheEntry](cfg.PageCacheCapacity, pageKeyEqual).withOnEvict(releaseEntry)
	}
	return c
}

// submit deposits req in the mailbox under lock, assigning the next req id,
// and wakes the coordinator. Overwrites any request still sitting unread in
// the mailbox: drop-older semantics.
func (c *coordinator) submit(page int, zoom float64, geom PageGeometry, medium Medium) uint64 {
	c.mailboxMu.Lock()
	c.reqSeq++
	id := c.reqSeq
	c.mailbox = &RenderRequest{
		Page:     page,
		Zoom:     zoom,
		Rotation: geom.Rotation,
		Geometry: geom,
		ReqID:    id,
		Medium:   medium,
	}
	c.mailboxMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return id
}

// pollResult returns the most recent published result exactly once, or
// (RenderResult{}, false) if none is pending.
func (c *coordinator) pollResult() (RenderResult, bool) {
	c.resultMu.Lock()
	defer c.resultMu.Unlock()
	if c.result == nil {
		return RenderResult{}, false
	}
	res := *c.result
	c.result = nil
	return res, true
}

// run is the coordinator's supervisor loop. It blocks on the wake channel
// until a request arrives or shutdown is requested, draining any in-flight
// render before exiting.
func (c *coordinator) run() {
	defer close(c.done)

	for {
		select {
		case <-c.quit:
			return
		case <-c.wake:
		}

		for {
			req := c.takeMailbox()
			if req == nil {
				break
			}
			c.process(*req)
		}
	}
}

func (c *coordinator) takeMailbox() *RenderRequest {
	c.mailboxMu.Lock()
	defer c.mailboxMu.Unlock()
	req := c.mailbox
	c.mailbox = nil
	return req
}

// stop signals the coordinator to drain and exit, then waits for it.
func (c *coordinator) stop() {
	close(c.quit)
	select {
	case c.wake <- struct{}{}:
	default:
	}
	<-c.done
}

// process runs the full miss-path pipeline from spec.md §4.4 for a single
// request, publishing exactly one result.
func (c *coordinator) process(req RenderRequest) {
	span, spanCtx := tracer.StartSpanFromContext(context.Background(), "pdvu.coordinator.process",
		tracer.Tag("page", req.Page), tracer.Tag("zoom", req.Zoom), tracer.Tag("req_id", req.ReqID))
	defer span.Finish()

	arrived := time.Now()
	key := PageKey{Page: req.Page, Zoom: req.Zoom, Rotation: req.Rotation}

	// 1. Page cache lookup.
	if c.cfg.UseCache {
		if entry, ok := c.pageCache.get(key); ok {
			c.publishFromCache(req, entry, arrived)
			span.SetTag("cache_hit", "page")
			return
		}
	}

	// 2. Display-list acquisition.
	dl, dlElapsed, err := c.acquireDisplayList(req.Page)
	if err != nil {
		log.Warnf("pdvu: display list build failed for page %d: %v", req.Page, err)
		c.publishError(req, err)
		span.SetTag("error", err.Error())
		return
	}

	// 3. Buffer allocation.
	buf, err := newPixelBuffer(req.Medium, req.Geometry.ByteSize)
	if err != nil {
		log.Warnf("pdvu: pixel buffer allocation failed for page %d: %v", req.Page, err)
		c.publishError(req, err)
		span.SetTag("error", err.Error())
		return
	}

	// 4. Strip split.
	bands := SplitBounds(req.Geometry, c.pool.size)

	// 5/6. Fan-out, fan-in.
	renderStart := time.Now()
	renderErr := c.renderBands(spanCtx, bands, req, dl, buf)
	renderElapsed := time.Since(renderStart)

	if renderErr != nil {
		log.Warnf("pdvu: render failed for page %d req %d: %v", req.Page, req.ReqID, renderErr)
		buf.Close()
		c.publishError(req, renderErr)
		span.SetTag("error", renderErr.Error())
		return
	}

	shared := newSharedBuffer(buf)

	// 7. Page cache admission.
	if c.cfg.UseCache && renderElapsed >= c.cfg.PageCacheAdmissionThreshold {
		c.admitPage(key, req, buf, shared)
	}

	// 8. Display-list admission.
	if c.cfg.UseCache && dlElapsed >= c.cfg.DisplayListAdmissionThreshold {
		c.dlCache.put(req.Page, dl)
	}

	// 9. Publish result.
	c.publish(req, shared, req.Geometry.Width, req.Geometry.Height, time.Since(arrived), "")
	span.SetTag("cache_hit", "none")
	span.SetTag("render_ms", renderElapsed.Milliseconds())
}

// acquireDisplayList consults the display-list cache, falling back to the
// prototype Parser's GetDisplayList on a miss. The prototype is used only
// for display-list acquisition, never for WriteSection, since display
// lists are shared-immutable and safe to build outside the pool.
func (c *coordinator) acquireDisplayList(page int) (DisplayList, time.Duration, error) {
	if c.cfg.UseCache {
		if dl, ok := c.dlCache.get(page); ok {
			return dl, 0, nil
		}
	}
	start := time.Now()
	dl, err := c.proto.GetDisplayList(page)
	elapsed := time.Since(start)
	if err != nil {
		return nil, elapsed, ErrNoDisplayList
	}
	return dl, elapsed, nil
}

// renderBands submits one task per band to the pool and joins their
// completion handles in submission order. The first band failure
// encountered during fan-in is returned; bands that already wrote into the
// buffer are discarded along with it by the caller.
func (c *coordinator) renderBands(ctx context.Context, bands []HorizontalBand, req RenderRequest, dl DisplayList, buf PixelBuffer) error {
	span, _ := tracer.StartSpanFromContext(ctx, "pdvu.coordinator.render_bands", tracer.Tag("bands", len(bands)))
	defer span.Finish()

	data := buf.Data()
	handles := make([]*taskHandle, len(bands))
	for i, band := range bands {
		band := band
		handles[i] = c.pool.submit(func(p Parser) error {
			section := data[band.Offset : band.Offset+band.Bytes]
			return p.WriteSection(band.Width, band.Height, req.Zoom, req.Geometry, dl, section, band.Rect)
		})
	}

	var firstErr error
	for _, h := range handles {
		if err := h.wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// admitPage inserts a PageCacheEntry for the freshly rendered buffer. For
// shared-memory media the raw bytes are copied out, since the shared
// memory object's lifetime belongs to the terminal consumer; for temp-file
// media a second strong reference to the shared buffer is retained.
func (c *coordinator) admitPage(key PageKey, req RenderRequest, buf PixelBuffer, shared *sharedBuffer) {
	entry := pageCacheEntry{
		medium:   req.Medium,
		width:    req.Geometry.Width,
		height:   req.Geometry.Height,
		rotation: req.Rotation,
	}
	switch req.Medium {
	case MediumSharedMemory:
		entry.pixelBytes = make([]byte, buf.Size())
		buf.CopyOut(entry.pixelBytes)
	case MediumTempFile:
		entry.buf = shared.retain()
	}
	c.pageCache.put(key, entry)
}

// publishFromCache serves a page cache hit: for shared-memory requests a
// fresh buffer is materialized from the copied bytes; for temp-file
// requests the cached handle is reused directly.
func (c *coordinator) publishFromCache(req RenderRequest, entry pageCacheEntry, arrived time.Time) {
	switch req.Medium {
	case MediumSharedMemory:
		buf, err := newPixelBuffer(MediumSharedMemory, len(entry.pixelBytes))
		if err != nil {
			c.publishError(req, err)
			return
		}
		copy(buf.Data(), entry.pixelBytes)
		c.publish(req, newSharedBuffer(buf), entry.width, entry.height, time.Since(arrived), "")
	case MediumTempFile:
		c.publish(req, entry.buf.retain(), entry.width, entry.height, time.Since(arrived), "")
	}
}

// publish replaces the currently published buffer and stores the result
// record under the result-slot lock. The previously published buffer's
// strong reference is released; if the page cache holds another reference
// to the same underlying resource, the resource stays alive.
func (c *coordinator) publish(req RenderRequest, buf *sharedBuffer, width, height int, elapsed time.Duration, errMsg string) {
	c.resultMu.Lock()
	prev := c.current
	c.current = buf
	c.result = &RenderResult{
		ReqID:    req.ReqID,
		Page:     req.Page,
		Zoom:     req.Zoom,
		Width:    width,
		Height:   height,
		RenderMs: elapsed.Milliseconds(),
		Error:    errMsg,
		Path:     buf.buf.Name(),
		Medium:   req.Medium,
	}
	c.resultMu.Unlock()

	if prev != nil {
		prev.release()
	}
}

// publishError publishes a zero-dimension error result without touching
// the currently published buffer.
func (c *coordinator) publishError(req RenderRequest, err error) {
	c.resultMu.Lock()
	c.result = &RenderResult{
		ReqID:  req.ReqID,
		Page:   req.Page,
		Zoom:   req.Zoom,
		Error:  fmt.Sprintf("%v", err),
		Medium: req.Medium,
	}
	c.resultMu.Unlock()
}
