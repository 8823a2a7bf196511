package rydb

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// fileIdentity is the (dev, ino) pair that distinguishes the same file
// reached through two different paths (e.g. a relative and an absolute
// open of the same database) from two genuinely different files.
type fileIdentity struct {
	dev uint64
	ino uint64
}

// registryEntry tracks how many handles in this process currently have
// the identified file open, so a second Open of the same file from the
// same process can be rejected as ErrDatabaseOpen before ever touching
// flock (which would otherwise succeed, since flock is per-fd and a
// process can hold the same lock twice).
type registryEntry struct {
	mu    sync.Mutex
	count int
}

var (
	registryMu sync.Mutex
	registry   = map[fileIdentity]*registryEntry{}
)

func acquireProcessSlot(id fileIdentity) (*registryEntry, error) {
	registryMu.Lock()
	entry, ok := registry[id]
	if !ok {
		entry = &registryEntry{}
		registry[id] = entry
	}
	registryMu.Unlock()

	entry.mu.Lock()
	if entry.count > 0 {
		entry.mu.Unlock()
		return nil, wrapErr(DatabaseOpen, "database already open in this process", ErrDatabaseOpen)
	}
	entry.count++
	entry.mu.Unlock()
	return entry, nil
}

func releaseProcessSlot(id fileIdentity) {
	registryMu.Lock()
	entry, ok := registry[id]
	registryMu.Unlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	entry.count--
	entry.mu.Unlock()
}

// dbLock is the cross-process exclusion mechanism: a sidecar
// rydb.{name}.lock file, created with O_CREAT|O_EXCL semantics relaxed
// to O_CREAT (the file persisting across closes is fine; what matters is
// the flock held on it), held exclusive for the process lifetime of the
// open database to enforce the single-writer, single-opener model.
type dbLock struct {
	f        *os.File
	identity fileIdentity
	slot     *registryEntry
}

// acquireLock opens (creating if absent) the lock file at path, takes a
// non-blocking exclusive flock on it, and registers the underlying
// file's identity in the in-process registry. Returns ErrBusy if another
// process holds the flock, or ErrDatabaseOpen if this process already
// has the same file open.
func acquireLock(path string) (*dbLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, wrapErr(FileAccess, fmt.Sprintf("open lock file %s", path), err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		f.Close()
		return nil, wrapErr(FileAccess, fmt.Sprintf("fstat lock file %s", path), err)
	}
	id := fileIdentity{dev: uint64(st.Dev), ino: uint64(st.Ino)}

	slot, err := acquireProcessSlot(id)
	if err != nil {
		f.Close()
		return nil, err
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		releaseProcessSlot(id)
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, wrapErr(LockFailed, fmt.Sprintf("lock file %s held by another process", path), ErrBusy)
		}
		return nil, wrapErr(LockFailed, fmt.Sprintf("flock %s", path), err)
	}

	return &dbLock{f: f, identity: id, slot: slot}, nil
}

func (l *dbLock) release() error {
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	closeErr := l.f.Close()
	releaseProcessSlot(l.identity)

	if err != nil {
		return wrapErr(LockFailed, "unlock", err)
	}
	if closeErr != nil {
		return wrapErr(FileAccess, "close lock file", closeErr)
	}
	return nil
}
