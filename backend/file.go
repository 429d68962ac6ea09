package backend

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// File provides a disk-image-backed store. Reads and writes go through
// pread/pwrite so concurrent transfers never fight over a file offset;
// Flush is fdatasync.
type File struct {
	f    *os.File
	size int64

	counters transferCounters
}

// OpenFile opens (or grows) a disk image of the given size. A zero size
// keeps the file's current size.
func OpenFile(path string, size int64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	if size == 0 {
		size = st.Size()
	} else if st.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, err
		}
	}

	if size == 0 {
		f.Close()
		return nil, fmt.Errorf("image %s is empty and no size given", path)
	}

	return &File{f: f, size: size}, nil
}

// ReadAt implements the Store interface.
func (fb *File) ReadAt(p []byte, off int64) (int, error) {
	if off >= fb.size {
		return 0, nil
	}
	if off+int64(len(p)) > fb.size {
		p = p[:fb.size-off]
	}
	n, err := unix.Pread(int(fb.f.Fd()), p, off)
	if err == nil {
		fb.counters.recordRead(n)
	}
	return n, err
}

// WriteAt implements the Store interface.
func (fb *File) WriteAt(p []byte, off int64) (int, error) {
	if off >= fb.size {
		return 0, fmt.Errorf("write beyond end of image")
	}
	if off+int64(len(p)) > fb.size {
		p = p[:fb.size-off]
	}
	n, err := unix.Pwrite(int(fb.f.Fd()), p, off)
	if err == nil {
		fb.counters.recordWrite(n)
	}
	return n, err
}

// Size implements the Store interface.
func (fb *File) Size() int64 {
	return fb.size
}

// Flush implements the Store interface.
func (fb *File) Flush() error {
	return unix.Fdatasync(int(fb.f.Fd()))
}

// Close implements the Store interface.
func (fb *File) Close() error {
	return fb.f.Close()
}

// Fd exposes the underlying descriptor for engines that submit I/O
// directly (io_uring).
func (fb *File) Fd() uintptr {
	return fb.f.Fd()
}

// Counters reports the store's lifetime transfer totals.
func (fb *File) Counters() (reads, writes, readBytes, writeBytes uint64) {
	return fb.counters.snapshot()
}
