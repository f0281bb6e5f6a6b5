package pdvu

import (
	"fmt"
	"os"
	"sync/atomic"
)

// Medium selects the out-of-process carrier used to hand rendered pixels
// off to the terminal.
type Medium string

const (
	MediumSharedMemory Medium = "shm"
	MediumTempFile     Medium = "tempfile"
)

// pixelBufferSeq is the process-wide monotonically-incrementing id used to
// keep external buffer names unique for the engine's lifetime.
var pixelBufferSeq int64

func nextBufferName() string {
	id := atomic.AddInt64(&pixelBufferSeq, 1)
	return fmt.Sprintf("pdvu_%d_%d", os.Getpid(), id)
}

// PixelBuffer is a sized, writable RGB byte region with a stable external
// name, backed by either shared memory or a memory-mapped temp file. It may
// be held by multiple strong references at once (the engine's "currently
// published" slot, a page cache entry, in-flight worker closures); the
// underlying OS resource is released when Close is called for the last
// time a caller is responsible for releasing it — callers that share a
// PixelBuffer must coordinate their own reference counting, as this type
// does not do so itself (see coordinator.go, which is the only place that
// shares buffers).
type PixelBuffer interface {
	// Data returns the writable byte region backing the buffer. Valid for
	// the buffer's lifetime, i.e. until Close.
	Data() []byte

	// Name returns the buffer's stable external identifier: a shared
	// memory object name, or a temp file path.
	Name() string

	// Size returns the byte length of the buffer.
	Size() int

	// Medium reports which carrier backs this buffer.
	Medium() Medium

	// CopyOut copies min(len(dst), Size()) bytes from the buffer into dst
	// and returns the number of bytes copied.
	CopyOut(dst []byte) int

	// Close releases the underlying OS resource (unmaps and unlinks).
	// Safe to call more than once.
	Close() error
}
