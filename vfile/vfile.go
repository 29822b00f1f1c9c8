// Package vfile implements the virtual file factory: wrapping a
// transformed byte buffer and a stolen modification time as a read-only
// file handle the downstream loader consumes like any ordinary file.
package vfile

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"time"
)

// errWriteNotSupported is returned by Write; virtual files are read-only.
var errWriteNotSupported = errors.New("vfile: write not supported on a virtualized file")

// File is a read-only handle over an in-memory buffer, taking ownership
// of the buffer for the handle's lifetime.
type File struct {
	name    string
	modTime time.Time
	size    int64
	r       *bytes.Reader
	closed  bool
}

// New wraps buf as a virtual file at path, reporting modTime (the zero
// Time if unavailable). New takes ownership of buf.
func New(path string, buf []byte, modTime time.Time) *File {
	return &File{
		name:    path,
		modTime: modTime,
		size:    int64(len(buf)),
		r:       bytes.NewReader(buf),
	}
}

// Read mirrors ordinary file read semantics.
func (f *File) Read(p []byte) (int, error) {
	if f.closed {
		return 0, fs.ErrClosed
	}
	return f.r.Read(p)
}

// ReadAt mirrors io.ReaderAt.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, fs.ErrClosed
	}
	return f.r.ReadAt(p, off)
}

// Seek mirrors ordinary file seek semantics.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	if f.closed {
		return 0, fs.ErrClosed
	}
	return f.r.Seek(offset, whence)
}

// Write always fails: virtual files are read-only.
func (f *File) Write(p []byte) (int, error) {
	return 0, errWriteNotSupported
}

// Close marks the handle closed; subsequent operations fail.
func (f *File) Close() error {
	f.closed = true
	return nil
}

// Stat returns a minimal fs.FileInfo reflecting the stolen modification
// time and the buffer's size.
func (f *File) Stat() (fs.FileInfo, error) {
	return fileInfo{name: f.name, size: f.size, modTime: f.modTime}, nil
}

var _ io.ReadSeeker = (*File)(nil)
var _ io.ReaderAt = (*File)(nil)

type fileInfo struct {
	name    string
	size    int64
	modTime time.Time
}

func (fi fileInfo) Name() string       { return fi.name }
func (fi fileInfo) Size() int64        { return fi.size }
func (fi fileInfo) Mode() fs.FileMode  { return 0o444 }
func (fi fileInfo) ModTime() time.Time { return fi.modTime }
func (fi fileInfo) IsDir() bool        { return false }
func (fi fileInfo) Sys() any           { return nil }

// StolenModTime returns the real file's modification time if info is
// non-nil, or the zero Time otherwise, matching the invariant that a
// virtualized file's mtime equals the real file's mtime at interception
// or zero if unavailable.
func StolenModTime(info fs.FileInfo) time.Time {
	if info == nil {
		return time.Time{}
	}
	return info.ModTime()
}
