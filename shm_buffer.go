package pdvu

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// shmDir is the directory POSIX shared-memory objects are created under.
// It is a var (not a const) so tests can point it at a scratch directory
// on platforms without a /dev/shm tmpfs.
var shmDir = defaultShmDir()

func defaultShmDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	// No POSIX shm tmpfs available (e.g. non-Linux dev machines); degrade
	// to a plain backing file in the OS temp dir. The external name
	// contract (/pdvu_<pid>_<seq>) is unaffected.
	return os.TempDir()
}

// shmBuffer is a PixelBuffer backed by a POSIX shared-memory object: a file
// created under /dev/shm, sized with Ftruncate, and mapped MAP_SHARED so
// writes are visible to any other process that maps the same object.
type shmBuffer struct {
	name string
	path string
	data []byte
	size int
}

// newSharedMemoryBuffer creates a new shared-memory-backed PixelBuffer of
// the given size. On any partial-failure path the backing object is
// unlinked before the failure is returned.
func newSharedMemoryBuffer(size int) (*shmBuffer, error) {
	name := nextBufferName()
	path := filepath.Join(shmDir, name)

	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("pdvu: create shared memory %q: %w", name, err)
	}

	if size > 0 {
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			unix.Close(fd)
			unix.Unlink(path)
			return nil, fmt.Errorf("pdvu: size shared memory %q: %w", name, err)
		}
	}

	var data []byte
	if size > 0 {
		data, err = unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			unix.Close(fd)
			unix.Unlink(path)
			return nil, fmt.Errorf("pdvu: map shared memory %q: %w", name, err)
		}
	}
	unix.Close(fd)

	return &shmBuffer{
		name: "/" + name,
		path: path,
		data: data,
		size: size,
	}, nil
}

func (b *shmBuffer) Data() []byte   { return b.data }
func (b *shmBuffer) Name() string   { return b.name }
func (b *shmBuffer) Size() int      { return b.size }
func (b *shmBuffer) Medium() Medium { return MediumSharedMemory }
func (b *shmBuffer) CopyOut(dst []byte) int {
	return copy(dst, b.data)
}

func (b *shmBuffer) Close() error {
	var unmapErr error
	if b.data != nil {
		unmapErr = unix.Munmap(b.data)
		b.data = nil
	}
	unlinkErr := unix.Unlink(b.path)
	if unmapErr != nil {
		return fmt.Errorf("pdvu: unmap shared memory %q: %w", b.name, unmapErr)
	}
	if unlinkErr != nil && !os.IsNotExist(unlinkErr) {
		return fmt.Errorf("pdvu: unlink shared memory %q: %w", b.name, unlinkErr)
	}
	return nil
}
