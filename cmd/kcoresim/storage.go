package main

import (
	"io/fs"
	"os"
	"path/filepath"
)

// osStorage reads firmware-volume-relative paths off a real directory on
// disk, standing in for the EFI volume reader the production loader would
// use.
type osStorage struct {
	root string
}

func newOSStorage(root string) *osStorage {
	return &osStorage{root: root}
}

func (s *osStorage) native(path string) string {
	return filepath.Join(s.root, filepath.FromSlash(path))
}

func (s *osStorage) ReadFile(path string) ([]byte, fs.FileInfo, error) {
	native := s.native(path)
	data, err := os.ReadFile(native)
	if err != nil {
		return nil, nil, err
	}
	info, err := os.Stat(native)
	if err != nil {
		return data, nil, nil
	}
	return data, info, nil
}

func (s *osStorage) Stat(path string) (fs.FileInfo, error) {
	return os.Stat(s.native(path))
}

func (s *osStorage) ReadDir(path string) ([]fs.DirEntry, error) {
	return os.ReadDir(s.native(path))
}

// Open satisfies fs.ReadDirFS so osStorage can also stand in directly as
// the cacheless pipeline's real-directory handle.
func (s *osStorage) Open(path string) (fs.File, error) {
	return os.Open(s.native(path))
}

var _ fs.ReadDirFS = (*osStorage)(nil)
