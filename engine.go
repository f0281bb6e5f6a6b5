package pdvu

import (
	"errors"
	"time"
)

// RasterTimeout is how long a caller polling for a result should wait
// before giving up; the engine itself has no such timeout (spec.md §5
// mandates none), this is purely a convenience constant for callers like
// cmd/pdvu-render that want one.
const RasterTimeout = 10 * time.Second

// Engine is the public surface of the render pipeline core: request a page,
// poll for a result, close when done. It owns the coordinator goroutine and
// the worker pool for the lifetime of the document.
//
// Lifecycle mirrors the teacher's Rasterizer: construction starts the worker
// pool's goroutines but not the coordinator, which only Run starts; Close
// tears down the coordinator, then the pool, so no
// worker task can ever outlive the Parser it was handed.
type Engine struct {
	cfg   Config
	proto Parser
	pool  *workerPool
	coord *coordinator

	hasRun bool
	closed bool
}

// NewEngine constructs an Engine from a prototype Parser and a Config. The
// prototype is duplicated once per worker at construction time; the
// prototype itself is retained by the coordinator for display-list
// acquisition only and is never handed to a worker.
func NewEngine(proto Parser, cfg Config) (*Engine, error) {
	if cfg.PoolSize < 1 {
		return nil, ErrInvalidPoolSize
	}

	pool, err := newWorkerPool(proto, cfg.PoolSize)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:   cfg,
		proto: proto,
		pool:  pool,
	}
	e.coord = newCoordinator(cfg, proto, pool)
	return e, nil
}

// Run starts the coordinator goroutine. Must be called once before Request
// or PollResult are useful; calling it twice is an error, matching the
// teacher's hasRun guard on Rasterizer.Run.
func (e *Engine) Run() error {
	if e.hasRun {
		return errors.New("pdvu: engine has already been run and cannot be recycled")
	}
	e.hasRun = true
	go e.coord.run()
	return nil
}

// Request submits a non-blocking render request. It overwrites any request
// still sitting unread in the mailbox (drop-older semantics) and returns the
// assigned request id.
func (e *Engine) Request(page int, zoom float64, geom PageGeometry, medium Medium) uint64 {
	return e.coord.submit(page, zoom, geom, medium)
}

// PollResult returns the most recently published result exactly once, or
// (RenderResult{}, false) if none is pending.
func (e *Engine) PollResult() (RenderResult, bool) {
	return e.coord.pollResult()
}

// Close drains any in-flight render, stops the coordinator, then closes the
// pool (and with it every worker's duplicated Parser), and finally closes
// the prototype Parser. Safe to call once; a second call is a no-op.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true

	if e.hasRun {
		e.coord.stop()
	}
	e.pool.close()

	if e.coord.current != nil {
		e.coord.current.release()
	}

	return e.proto.Close()
}
