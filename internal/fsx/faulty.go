package fsx

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// Fault describes when an injected file starts failing.
type Fault struct {
	// FailAfterBytes fails writes once this many bytes were written to the
	// file. -1 disables.
	FailAfterBytes int64
	FailOnSync     bool
	FailOnClose    bool
	Err            error
}

// FaultyFS wraps a FileSystem and injects faults per file-name substring.
type FaultyFS struct {
	inner FileSystem

	mu     sync.Mutex
	faults map[string]Fault
}

// NewFaultyFS wraps inner (Default when nil).
func NewFaultyFS(inner FileSystem) *FaultyFS {
	if inner == nil {
		inner = Default
	}
	return &FaultyFS{inner: inner, faults: make(map[string]Fault)}
}

// SetFault arms a fault for every file whose name contains match.
func (f *FaultyFS) SetFault(match string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[match] = fault
}

func (f *FaultyFS) fault(name string) (Fault, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for match, fault := range f.faults {
		if strings.Contains(name, match) {
			return fault, true
		}
	}
	return Fault{}, false
}

func (f *FaultyFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	file, err := f.inner.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	if fault, ok := f.fault(name); ok {
		return &faultyFile{File: file, fault: fault}, nil
	}
	return file, nil
}

func (f *FaultyFS) Remove(name string) error             { return f.inner.Remove(name) }
func (f *FaultyFS) Rename(oldpath, newpath string) error { return f.inner.Rename(oldpath, newpath) }
func (f *FaultyFS) Stat(name string) (os.FileInfo, error) {
	return f.inner.Stat(name)
}
func (f *FaultyFS) MkdirAll(path string, perm os.FileMode) error {
	return f.inner.MkdirAll(path, perm)
}
func (f *FaultyFS) ReadDir(name string) ([]os.DirEntry, error) { return f.inner.ReadDir(name) }

type faultyFile struct {
	File
	fault   Fault
	written int64
}

func (f *faultyFile) errOr(def string) error {
	if f.fault.Err != nil {
		return f.fault.Err
	}
	return fmt.Errorf("fsx: injected %s failure", def)
}

func (f *faultyFile) Write(p []byte) (int, error) {
	if f.fault.FailAfterBytes >= 0 && f.written+int64(len(p)) > f.fault.FailAfterBytes {
		return 0, f.errOr("write")
	}
	n, err := f.File.Write(p)
	f.written += int64(n)
	return n, err
}

func (f *faultyFile) Sync() error {
	if f.fault.FailOnSync {
		return f.errOr("sync")
	}
	return f.File.Sync()
}

func (f *faultyFile) Close() error {
	if f.fault.FailOnClose {
		f.File.Close()
		return f.errOr("close")
	}
	return f.File.Close()
}
