package fs

import (
	"os"
	"sync"
	"sync/atomic"
)

// FailPoint names a call site [Fault] can be told to fail at.
type FailPoint string

// Fail points covering the durability-sensitive operations amdb performs.
// Tests arm one of these with [Fault.FailAfter] to
// simulate a crash at that exact point in a write path.
const (
	FailOpen            FailPoint = "open"
	FailCreate          FailPoint = "create"
	FailWrite           FailPoint = "write"
	FailSync            FailPoint = "sync"
	FailRename          FailPoint = "rename"
	FailWriteFileAtomic FailPoint = "write_file_atomic"
)

// Fault wraps an [FS] and injects failures at configured fail points.
//
// It is built for amdb's own crash-recovery tests (P5, P6, S3, S4): rather
// than forking a process and sending SIGKILL, a test arms a fail point so
// the N-th matching call returns an error instead of succeeding, then
// asserts the component recovers cleanly (or, for a simulated "torn
// write", that the component detects and discards the partial result).
type Fault struct {
	inner FS

	mu    sync.Mutex
	calls map[FailPoint]*int64 // remaining call count before armed points before they fail
	armed map[FailPoint]bool
}

// NewFault wraps inner with fault injection. inner is typically [Real]
// backed by a temp directory, or another [Fault] for nested scenarios.
func NewFault(inner FS) *Fault {
	return &Fault{
		inner: inner,
		calls: make(map[FailPoint]*int64),
		armed: make(map[FailPoint]bool),
	}
}

// FailAfter arms point to fail on the n-th occurrence from now (n=1 means
// the very next call at that point fails). Calls before the n-th succeed
// normally, forwarded to the wrapped [FS].
func (f *Fault) FailAfter(point FailPoint, n int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	remaining := n
	f.calls[point] = &remaining
	f.armed[point] = true
}

// Disarm clears any armed failure for point.
func (f *Fault) Disarm(point FailPoint) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.calls, point)
	delete(f.armed, point)
}

// trip reports whether point should fail on this call, decrementing its
// counter. Safe for concurrent use.
func (f *Fault) trip(point FailPoint) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.armed[point] {
		return false
	}

	counter := f.calls[point]
	remaining := atomic.AddInt64(counter, -1)

	if remaining == 0 {
		delete(f.armed, point)

		return true
	}

	return remaining < 0
}

// errFault is returned by injected failures. It wraps [InjectedError] so
// [IsInjected] recognizes it while still presenting a normal error string.
func errFault(op string, path string) error {
	return inject(&os.PathError{Op: op, Path: path, Err: errFaultUnderlying})
}

var errFaultUnderlying = faultError("injected fault")

type faultError string

func (e faultError) Error() string { return string(e) }

func (f *Fault) Open(path string) (File, error) {
	if f.trip(FailOpen) {
		return nil, errFault("open", path)
	}

	return f.inner.Open(path)
}

func (f *Fault) Create(path string) (File, error) {
	if f.trip(FailCreate) {
		return nil, errFault("create", path)
	}

	file, err := f.inner.Create(path)
	if err != nil {
		return nil, err
	}

	return &faultFile{File: file, owner: f}, nil
}

func (f *Fault) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if f.trip(FailOpen) {
		return nil, errFault("openfile", path)
	}

	file, err := f.inner.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}

	return &faultFile{File: file, owner: f}, nil
}

func (f *Fault) ReadFile(path string) ([]byte, error) {
	return f.inner.ReadFile(path)
}

func (f *Fault) WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if f.trip(FailWriteFileAtomic) {
		return errFault("write_file_atomic", path)
	}

	return f.inner.WriteFileAtomic(path, data, perm)
}

func (f *Fault) ReadDir(path string) ([]os.DirEntry, error) { return f.inner.ReadDir(path) }

func (f *Fault) MkdirAll(path string, perm os.FileMode) error { return f.inner.MkdirAll(path, perm) }

func (f *Fault) Stat(path string) (os.FileInfo, error) { return f.inner.Stat(path) }

func (f *Fault) Exists(path string) (bool, error) { return f.inner.Exists(path) }

func (f *Fault) Remove(path string) error { return f.inner.Remove(path) }

func (f *Fault) RemoveAll(path string) error { return f.inner.RemoveAll(path) }

func (f *Fault) Rename(oldpath, newpath string) error {
	if f.trip(FailRename) {
		return errFault("rename", newpath)
	}

	return f.inner.Rename(oldpath, newpath)
}

func (f *Fault) Lock(path string) (Locker, error) { return f.inner.Lock(path) }

// faultFile wraps an open [File] so Write and Sync can be made to fail,
// modelling a torn write or a fsync that never lands before the crash.
type faultFile struct {
	File
	owner *Fault
}

func (ff *faultFile) Write(p []byte) (int, error) {
	if ff.owner.trip(FailWrite) {
		// Simulate a torn write: half the bytes land, then the write fails.
		half := len(p) / 2
		n, _ := ff.File.Write(p[:half])

		return n, errFault("write", "")
	}

	return ff.File.Write(p)
}

func (ff *faultFile) Sync() error {
	if ff.owner.trip(FailSync) {
		return errFault("sync", "")
	}

	return ff.File.Sync()
}

// Compile-time interface checks.
var _ FS = (*Fault)(nil)
var _ File = (*faultFile)(nil)

// TempRealFS creates a fresh temp directory under base (or the default
// temp dir if base is empty) for a throwaway on-disk database directory in
// tests.
func TempRealFS(base, pattern string) (string, error) {
	return os.MkdirTemp(base, pattern)
}
