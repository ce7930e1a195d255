package filelock_test

import (
	"path/filepath"
	"testing"

	"github.com/embervault/corelite/storage/filelock"
	"github.com/stretchr/testify/require"
)

func TestAcquireIsRefCountedPerCanonicalPath(t *testing.T) {
	dir := t.TempDir()
	a := filelock.Acquire(filepath.Join(dir, "db"))
	b := filelock.Acquire(filepath.Join(dir, "db"))

	require.Same(t, a, b)
	require.True(t, filelock.IsOpen(filepath.Join(dir, "db")))

	filelock.Release(a)
	require.True(t, filelock.IsOpen(filepath.Join(dir, "db")), "one ref remains")

	filelock.Release(b)
	require.False(t, filelock.IsOpen(filepath.Join(dir, "db")))
}

func TestLockUnlockRoundTrip(t *testing.T) {
	dir := t.TempDir()
	f := filelock.Acquire(filepath.Join(dir, "db"))
	defer filelock.Release(f)

	require.NoError(t, f.Lock())
	f.Unlock()
}

func TestWithFileLockRunsUnderLock(t *testing.T) {
	dir := t.TempDir()
	f := filelock.Acquire(filepath.Join(dir, "db"))
	defer filelock.Release(f)

	var ran bool
	require.NoError(t, f.WithFileLock(func() { ran = true }))
	require.True(t, ran)
}

func TestCompactingFlagsTrackBeginAndFinish(t *testing.T) {
	dir := t.TempDir()
	f := filelock.Acquire(filepath.Join(dir, "db"))
	defer filelock.Release(f)

	require.False(t, f.IsCompacting())
	require.False(t, filelock.IsAnyCompacting())

	f.BeganCompacting()
	require.True(t, f.IsCompacting())
	require.True(t, filelock.IsAnyCompacting())

	f.FinishedCompacting()
	require.False(t, f.IsCompacting())
	require.False(t, filelock.IsAnyCompacting())
}
