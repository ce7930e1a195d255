// Package filelock implements the process-wide file registry described in
// spec §5 and §9 ("Shared file state across Database handles"): a table
// keyed by canonical path whose values are reference-counted File records,
// each owning the mutex that excludes concurrent writers across every
// Database handle open on that path, in this process and (via an advisory
// OS lock on a sidecar file) in others.
package filelock

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

var (
	registryMu sync.Mutex
	registry   = map[string]*File{}

	anyCompacting int32
)

// Acquire returns the shared File record for path, creating it if this is
// the first handle opened on that path in this process. Every Acquire must
// be matched with a Release.
func Acquire(path string) *File {
	canon := filepath.Clean(path)

	registryMu.Lock()
	defer registryMu.Unlock()

	f, ok := registry[canon]
	if !ok {
		f = &File{path: canon}
		registry[canon] = f
	}

	f.refs++

	return f
}

// Release drops this handle's reference on f. When the last handle on a
// path is released the File record (and its OS lock, if one was opened) is
// disposed.
func Release(f *File) {
	registryMu.Lock()
	defer registryMu.Unlock()

	f.refs--
	if f.refs <= 0 {
		delete(registry, f.path)
		f.closeOSLock()
	}
}

// IsOpen reports whether path currently has a registered File record, i.e.
// some Database handle in this process has it open.
func IsOpen(path string) bool {
	canon := filepath.Clean(path)

	registryMu.Lock()
	defer registryMu.Unlock()

	_, ok := registry[canon]

	return ok
}

// IsAnyCompacting reports whether compaction is in progress on any File
// record in this process, matching CBForest's Database::isAnyCompacting().
func IsAnyCompacting() bool {
	return atomic.LoadInt32(&anyCompacting) > 0
}

// File is the shared, reference-counted state for one canonical path. Its
// mutex is the single point of serialization for writers across every
// Database handle on that path.
type File struct {
	path string

	mu sync.Mutex // serializes writers in-process; held for the life of a physical transaction

	osLockMu sync.Mutex // guards lazy init/teardown of osLock
	osLock   *osFileLock

	refs int32

	compacting int32
}

// Path returns the canonical path this record is keyed by.
func (f *File) Path() string { return f.path }

// Lock acquires exclusive write access to the file: the in-process mutex,
// then (best effort) the cross-process advisory lock on a sidecar file.
// It blocks until both are available.
func (f *File) Lock() error {
	f.mu.Lock()

	if err := f.acquireOSLock(); err != nil {
		f.mu.Unlock()

		return err
	}

	return nil
}

// Unlock releases what Lock acquired.
func (f *File) Unlock() {
	f.releaseOSLock()
	f.mu.Unlock()
}

// WithFileLock runs fn while holding the file lock, without creating a
// transaction. Used for compaction start/stop, rekey, and deleteKeyStore,
// matching CBForest's Database::withFileLock.
func (f *File) WithFileLock(fn func()) error {
	if err := f.Lock(); err != nil {
		return err
	}
	defer f.Unlock()

	fn()

	return nil
}

// BeganCompacting marks this File (and the process-wide "any" flag) as
// compacting.
func (f *File) BeganCompacting() {
	atomic.StoreInt32(&f.compacting, 1)
	atomic.AddInt32(&anyCompacting, 1)
}

// FinishedCompacting clears the compacting flag set by BeganCompacting.
func (f *File) FinishedCompacting() {
	atomic.StoreInt32(&f.compacting, 0)
	atomic.AddInt32(&anyCompacting, -1)
}

// IsCompacting reports whether this specific File is mid-compaction.
func (f *File) IsCompacting() bool {
	return atomic.LoadInt32(&f.compacting) > 0
}

func (f *File) acquireOSLock() error {
	f.osLockMu.Lock()
	defer f.osLockMu.Unlock()

	if f.osLock == nil {
		if _, err := os.Stat(f.path); err != nil {
			// Best effort: paths that aren't real files on disk (in-memory
			// test stores) can't be OS-locked; in-process exclusion via
			// f.mu is still correct for a single process.
			return nil
		}

		lock, err := newOSFileLock(f.path)
		if err != nil {
			return nil
		}

		f.osLock = lock
	}

	return f.osLock.lock()
}

func (f *File) releaseOSLock() {
	f.osLockMu.Lock()
	defer f.osLockMu.Unlock()

	if f.osLock != nil {
		f.osLock.unlock()
	}
}

func (f *File) closeOSLock() {
	f.osLockMu.Lock()
	defer f.osLockMu.Unlock()

	if f.osLock != nil {
		f.osLock.close()
		f.osLock = nil
	}
}
