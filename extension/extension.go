// Package extension holds the process-wide globals spec §5 and §9 call for:
// the vector-search backend extension path (read once at first database
// open, from the LiteCoreExtensionPath environment variable or an explicit
// override), the "expecting exceptions" test-suite counter, and the
// once-only process temp directory. All are package-level state: the
// extension path is resolved once and cached, and no configuration struct
// carrying it is passed to storage.Open.
package extension

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/embervault/corelite/dberr"
)

const envVar = "LiteCoreExtensionPath"

var (
	pathOnce sync.Once
	path     string
)

// Path returns the vector-search extension directory, resolving it from
// the LiteCoreExtensionPath environment variable the first time it is
// called and caching the result for the lifetime of the process — setting
// it later (e.g. a changed env var) is explicitly undefined per spec §5.
func Path() string {
	pathOnce.Do(func() {
		path = os.Getenv(envVar)
	})

	return path
}

// SetPathForTesting overrides the cached extension path without going
// through the environment, for tests that need a deterministic value. It
// must be called before the first call to Path in the process.
func SetPathForTesting(p string) {
	pathOnce.Do(func() {
		path = p
	})
}

var expectingExceptions int32

// ExpectExceptions increments the process-wide "expecting exceptions"
// counter, suppressing warn-on-error logging (spec §7) for the duration a
// caller expects failures as part of a test.
func ExpectExceptions() {
	atomic.AddInt32(&expectingExceptions, 1)
}

// StopExpectingExceptions decrements the counter.
func StopExpectingExceptions() {
	atomic.AddInt32(&expectingExceptions, -1)
}

// IsExpectingExceptions reports whether the counter is currently positive.
func IsExpectingExceptions() bool {
	return atomic.LoadInt32(&expectingExceptions) > 0
}

var (
	tempDirMu  sync.Mutex
	tempDirSet bool
	tempDir    string
)

// SetTempDirectory sets the process-wide temporary directory that
// TempDirectory reports; no package in this module reads it. It may be called
// exactly once per process; a second call fails with Unsupported per
// spec §5.
func SetTempDirectory(dir string) error {
	tempDirMu.Lock()
	defer tempDirMu.Unlock()

	if tempDirSet {
		return dberr.New(dberr.Unsupported, "temp directory was already set to %q", tempDir)
	}

	tempDir = dir
	tempDirSet = true

	return nil
}

// TempDirectory returns the process temp directory, falling back to
// os.TempDir() if SetTempDirectory was never called.
func TempDirectory() string {
	tempDirMu.Lock()
	defer tempDirMu.Unlock()

	if tempDirSet {
		return tempDir
	}

	return os.TempDir()
}
