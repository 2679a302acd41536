package fs

import (
	"errors"
	"os"
	"strings"
	"sync"
)

// ErrInjected is returned by injected faults that carry no error of their own.
var ErrInjected = errors.New("injected fault")

// Fault describes how files whose name contains a rule pattern misbehave.
type Fault struct {
	// FailAfterBytes fails any write that would take the file past this many
	// bytes. Negative disables the limit.
	FailAfterBytes int64
	FailOnSync     bool
	FailOnClose    bool
	// FailRenames fails this many renames whose source matches, then lets
	// renames through again.
	FailRenames int
	FailRemove  bool
	Err         error
}

func (f Fault) err() error {
	if f.Err != nil {
		return f.Err
	}
	return ErrInjected
}

// FaultyFS wraps a FileSystem and injects failures per file name pattern.
type FaultyFS struct {
	FS    FileSystem
	mu    sync.Mutex
	rules map[string]*Fault

	renames int
}

func NewFaultyFS(fsys FileSystem) *FaultyFS {
	if fsys == nil {
		fsys = Default
	}
	return &FaultyFS{
		FS:    fsys,
		rules: make(map[string]*Fault),
	}
}

// AddRule injects fault into every file whose name contains pattern. When
// several patterns match, the longest wins.
func (f *FaultyFS) AddRule(pattern string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[pattern] = &fault
}

// RenameAttempts counts every rename issued, failed or not.
func (f *FaultyFS) RenameAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renames
}

func (f *FaultyFS) ruleFor(name string) *Fault {
	var best *Fault
	bestLen := -1
	for pattern, rule := range f.rules {
		if strings.Contains(name, pattern) && len(pattern) > bestLen {
			best = rule
			bestLen = len(pattern)
		}
	}
	return best
}

func (f *FaultyFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	file, err := f.FS.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	rule := f.ruleFor(name)
	f.mu.Unlock()
	if rule == nil {
		return file, nil
	}
	return &faultyFile{File: file, fault: *rule}, nil
}

func (f *FaultyFS) Remove(name string) error {
	f.mu.Lock()
	rule := f.ruleFor(name)
	f.mu.Unlock()
	if rule != nil && rule.FailRemove {
		return rule.err()
	}
	return f.FS.Remove(name)
}

func (f *FaultyFS) Rename(oldpath, newpath string) error {
	f.mu.Lock()
	f.renames++
	rule := f.ruleFor(oldpath)
	if rule != nil && rule.FailRenames > 0 {
		rule.FailRenames--
		f.mu.Unlock()
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: rule.err()}
	}
	f.mu.Unlock()
	return f.FS.Rename(oldpath, newpath)
}

func (f *FaultyFS) Stat(name string) (os.FileInfo, error) {
	return f.FS.Stat(name)
}

func (f *FaultyFS) MkdirAll(path string, perm os.FileMode) error {
	return f.FS.MkdirAll(path, perm)
}

type faultyFile struct {
	File
	fault   Fault
	written int64
}

func (ff *faultyFile) allow(end int64) error {
	if ff.fault.FailAfterBytes >= 0 && end > ff.fault.FailAfterBytes {
		return ff.fault.err()
	}
	return nil
}

func (ff *faultyFile) Write(p []byte) (int, error) {
	if err := ff.allow(ff.written + int64(len(p))); err != nil {
		return 0, err
	}
	n, err := ff.File.Write(p)
	ff.written += int64(n)
	return n, err
}

func (ff *faultyFile) WriteAt(p []byte, off int64) (int, error) {
	if err := ff.allow(off + int64(len(p))); err != nil {
		return 0, err
	}
	return ff.File.WriteAt(p, off)
}

func (ff *faultyFile) Sync() error {
	if ff.fault.FailOnSync {
		return ff.fault.err()
	}
	return ff.File.Sync()
}

func (ff *faultyFile) Close() error {
	if ff.fault.FailOnClose {
		_ = ff.File.Close()
		return ff.fault.err()
	}
	return ff.File.Close()
}
