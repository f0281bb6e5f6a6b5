package pdvu

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// tempFileBuffer is a PixelBuffer backed by a memory-mapped temp file,
// created under the OS temp directory with the pdvu_XXXXXX template and
// mapped read-write.
type tempFileBuffer struct {
	path string
	data []byte
	size int
}

// newTempFileBuffer creates a new temp-file-backed PixelBuffer of the
// given size. On any partial-failure path the temp file is removed before
// the failure is returned.
func newTempFileBuffer(size int) (*tempFileBuffer, error) {
	f, err := os.CreateTemp("", "pdvu_*")
	if err != nil {
		return nil, fmt.Errorf("pdvu: create temp file: %w", err)
	}
	path := f.Name()

	if size > 0 {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("pdvu: size temp file %q: %w", path, err)
		}
	}

	var data []byte
	if size > 0 {
		data, err = unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("pdvu: map temp file %q: %w", path, err)
		}
	}
	f.Close()

	return &tempFileBuffer{
		path: path,
		data: data,
		size: size,
	}, nil
}

func (b *tempFileBuffer) Data() []byte   { return b.data }
func (b *tempFileBuffer) Name() string   { return b.path }
func (b *tempFileBuffer) Size() int      { return b.size }
func (b *tempFileBuffer) Medium() Medium { return MediumTempFile }
func (b *tempFileBuffer) CopyOut(dst []byte) int {
	return copy(dst, b.data)
}

func (b *tempFileBuffer) Close() error {
	var unmapErr error
	if b.data != nil {
		unmapErr = unix.Munmap(b.data)
		b.data = nil
	}
	removeErr := os.Remove(b.path)
	if unmapErr != nil {
		return fmt.Errorf("pdvu: unmap temp file %q: %w", b.path, unmapErr)
	}
	if removeErr != nil && !os.IsNotExist(removeErr) {
		return fmt.Errorf("pdvu: remove temp file %q: %w", b.path, removeErr)
	}
	return nil
}

// newPixelBuffer dispatches to the requested medium's constructor.
func newPixelBuffer(medium Medium, size int) (PixelBuffer, error) {
	switch medium {
	case MediumSharedMemory:
		return newSharedMemoryBuffer(size)
	case MediumTempFile:
		return newTempFileBuffer(size)
	default:
		return nil, fmt.Errorf("pdvu: unknown medium %q", medium)
	}
}
