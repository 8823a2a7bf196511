package rydb

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mmapFile owns one open file descriptor and its current memory mapping.
// It tracks two sizes: the mmap range (the address space reservation)
// and the underlying file size (what fstat reports); it does not track a
// separate initialized-data size. Growing past the mapped window remaps;
// shrinking never remaps (shrinkToSize only truncates), so the mapping
// only changes size on the next grow.
//
// fds are never exposed directly; every access goes through the
// offset-based accessor bytesAt so callers never hold a raw pointer across
// a remap, which would dangle the moment growth moves the mapping.
type mmapFile struct {
	f    *os.File
	path string

	mapping  []byte // current mmap range; len == mappedSize
	fileSize int64  // last known fstat size
	window   int64  // mmap growth granularity
}

// openMmapFile opens (creating if needed) path, maps at least minSize
// bytes, and returns the handle. window is the growth granularity; zero
// means defaultMmapWindow.
func openMmapFile(path string, minSize int64, window int64, create bool) (*mmapFile, error) {
	if window <= 0 {
		window = defaultMmapWindow
	}

	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, wrapErr(FileNotFound, fmt.Sprintf("open %s", path), err)
		}
		return nil, wrapErr(FileAccess, fmt.Sprintf("open %s", path), err)
	}

	mf := &mmapFile{f: f, path: path, window: window}
	if err := mf.refreshFileSize(); err != nil {
		f.Close()
		return nil, err
	}

	if mf.fileSize < minSize {
		if err := mf.truncateTo(minSize); err != nil {
			f.Close()
			return nil, err
		}
	}

	if err := mf.remap(); err != nil {
		f.Close()
		return nil, err
	}

	return mf, nil
}

func (mf *mmapFile) refreshFileSize() error {
	var st unix.Stat_t
	if err := unix.Fstat(int(mf.f.Fd()), &st); err != nil {
		return wrapErr(FileAccess, fmt.Sprintf("fstat %s", mf.path), err)
	}
	mf.fileSize = st.Size
	return nil
}

func (mf *mmapFile) identity() (dev, ino uint64, err error) {
	var st unix.Stat_t
	if ferr := unix.Fstat(int(mf.f.Fd()), &st); ferr != nil {
		return 0, 0, wrapErr(FileAccess, fmt.Sprintf("fstat %s", mf.path), ferr)
	}
	return uint64(st.Dev), uint64(st.Ino), nil
}

func (mf *mmapFile) truncateTo(size int64) error {
	if err := mf.f.Truncate(size); err != nil {
		return wrapErr(FileSize, fmt.Sprintf("truncate %s to %d", mf.path, size), err)
	}
	mf.fileSize = size
	return nil
}

// mappedSize rounds n up to a multiple of the mmap window.
func (mf *mmapFile) mappedSize(n int64) int64 {
	if mf.window <= 0 {
		return n
	}
	return (n + mf.window - 1) / mf.window * mf.window
}

func (mf *mmapFile) remap() error {
	if mf.mapping != nil {
		if err := unix.Munmap(mf.mapping); err != nil {
			return wrapErr(FileAccess, fmt.Sprintf("munmap %s", mf.path), err)
		}
		mf.mapping = nil
	}

	size := mf.mappedSize(mf.fileSize)
	if size == 0 {
		size = mf.window
	}
	if mf.fileSize < size {
		if err := mf.truncateTo(size); err != nil {
			return err
		}
	}

	data, err := unix.Mmap(int(mf.f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return wrapErr(FileAccess, fmt.Sprintf("mmap %s", mf.path), err)
	}
	mf.mapping = data
	return nil
}

// ensureSize grows the file and, if needed, the mapping so that at least
// size bytes are addressable. It is a no-op if the mapping already
// covers size.
func (mf *mmapFile) ensureSize(size int64) error {
	if int64(len(mf.mapping)) >= size {
		if mf.fileSize < size {
			return mf.truncateTo(size)
		}
		return nil
	}
	if mf.fileSize < size {
		if err := mf.truncateTo(size); err != nil {
			return err
		}
	}
	return mf.remap()
}

// shrinkToSize truncates the file down to size. Nothing in the package
// calls it; row removal only moves data_next_rownum and never shrinks
// the data file. The mapping is left at its current window; only the
// file's logical size moves.
func (mf *mmapFile) shrinkToSize(size int64) error {
	if size > mf.fileSize {
		return wrapErr(FileSize, "shrinkToSize: size exceeds current file size", ErrFileSize)
	}
	return mf.truncateTo(size)
}

// bytesAt returns a slice view of [off, off+n) into the current mapping.
// The slice aliases the mapping and is invalidated by the next remap; it
// must not be retained across an ensureSize call that might grow it.
func (mf *mmapFile) bytesAt(off, n int64) []byte {
	return mf.mapping[off : off+n]
}

func (mf *mmapFile) sync() error {
	if err := unix.Msync(mf.mapping, unix.MS_SYNC); err != nil {
		return wrapErr(FileAccess, fmt.Sprintf("msync %s", mf.path), err)
	}
	return nil
}

func (mf *mmapFile) close() error {
	var errs []error
	if mf.mapping != nil {
		if err := unix.Munmap(mf.mapping); err != nil {
			errs = append(errs, err)
		}
		mf.mapping = nil
	}
	if err := mf.f.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return wrapErr(FileAccess, fmt.Sprintf("close %s", mf.path), errs[0])
	}
	return nil
}
