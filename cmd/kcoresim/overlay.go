package main

import (
	"bytes"
	"io/fs"
	"path"
	"sort"
	"time"
)

// syntheticOverlay merges a real directory tree with an in-memory map of
// synthetic files keyed by their path relative to the overlay root,
// answering Open/ReadDir for both from the same root.
type syntheticOverlay struct {
	real      fs.ReadDirFS
	synthetic map[string][]byte
}

func newSyntheticOverlay(real fs.ReadDirFS, synthetic map[string][]byte) *syntheticOverlay {
	return &syntheticOverlay{real: real, synthetic: synthetic}
}

func (o *syntheticOverlay) Open(name string) (fs.File, error) {
	if data, ok := o.synthetic[name]; ok {
		return newMemFile(path.Base(name), data), nil
	}
	if o.real != nil {
		return o.real.Open(name)
	}
	return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
}

func (o *syntheticOverlay) ReadDir(name string) ([]fs.DirEntry, error) {
	var entries []fs.DirEntry
	if o.real != nil {
		real, err := o.real.ReadDir(name)
		if err == nil {
			entries = append(entries, real...)
		}
	}
	seen := map[string]bool{}
	for _, e := range entries {
		seen[e.Name()] = true
	}
	prefix := name
	if prefix != "." {
		prefix += "/"
	} else {
		prefix = ""
	}
	children := map[string]bool{}
	for p := range o.synthetic {
		if !hasDirPrefix(p, prefix) {
			continue
		}
		rest := p[len(prefix):]
		if i := indexByte(rest, '/'); i >= 0 {
			children[rest[:i]] = true
		} else {
			children[rest] = true
		}
	}
	for child := range children {
		if seen[child] {
			continue
		}
		entries = append(entries, memDirEntry{name: child, isDir: isSyntheticDir(o.synthetic, prefix+child)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries, nil
}

func hasDirPrefix(p, prefix string) bool {
	return len(p) > len(prefix) && p[:len(prefix)] == prefix
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func isSyntheticDir(synthetic map[string][]byte, childPath string) bool {
	_, isFile := synthetic[childPath]
	return !isFile
}

// memDirEntry is a synthetic fs.DirEntry backed by nothing more than a
// name and whether it stands for an intermediate directory.
type memDirEntry struct {
	name  string
	isDir bool
}

func (e memDirEntry) Name() string { return e.name }
func (e memDirEntry) IsDir() bool  { return e.isDir }

func (e memDirEntry) Type() fs.FileMode {
	if e.isDir {
		return fs.ModeDir
	}
	return 0
}

func (e memDirEntry) Info() (fs.FileInfo, error) {
	return memFileInfo{name: e.name, isDir: e.isDir}, nil
}

// memFile serves a synthetic in-memory file through the fs.File contract.
type memFile struct {
	name string
	r    *bytes.Reader
}

func newMemFile(name string, data []byte) *memFile {
	return &memFile{name: name, r: bytes.NewReader(data)}
}

func (f *memFile) Stat() (fs.FileInfo, error) {
	return memFileInfo{name: f.name, size: f.r.Size()}, nil
}

func (f *memFile) Read(p []byte) (int, error) { return f.r.Read(p) }
func (f *memFile) Close() error               { return nil }

type memFileInfo struct {
	name  string
	size  int64
	isDir bool
}

func (fi memFileInfo) Name() string { return fi.name }
func (fi memFileInfo) Size() int64  { return fi.size }
func (fi memFileInfo) Mode() fs.FileMode {
	if fi.isDir {
		return fs.ModeDir | 0o555
	}
	return 0o444
}
func (fi memFileInfo) ModTime() time.Time { return time.Time{} }
func (fi memFileInfo) IsDir() bool        { return fi.isDir }
func (fi memFileInfo) Sys() any           { return nil }
