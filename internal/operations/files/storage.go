// Package files is the staging area the update agent downloads into. All
// access goes through Storage so tests can run on an in-memory filesystem.
package files

import (
	"fmt"
	"os"

	"github.com/spf13/afero"
)

// File is an open handle in Storage.
type File = afero.File

// Storage is the set of filesystem operations the update flow needs.
type Storage interface {
	// Create opens name for writing, truncating existing content.
	Create(name string) (File, error)
	// Append opens name for writing at its end, creating it if missing.
	Append(name string) (File, error)
	Open(name string) (File, error)
	Stat(name string) (os.FileInfo, error)
	ReadDir(name string) ([]os.FileInfo, error)
	Remove(name string) error
}

// FS implements Storage on an afero filesystem.
type FS struct {
	fs afero.Fs
}

var _ Storage = (*FS)(nil)

func New(fs afero.Fs) *FS {
	return &FS{fs: fs}
}

// NewOS roots Storage at dir on the host filesystem, so "/update.bin"
// resolves to dir/update.bin.
func NewOS(dir string) (*FS, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage root %s: %w", dir, err)
	}
	return New(afero.NewBasePathFs(afero.NewOsFs(), dir)), nil
}

// NewMemory returns Storage backed by memory.
func NewMemory() *FS {
	return New(afero.NewMemMapFs())
}

func (s *FS) Create(name string) (File, error) {
	return s.fs.OpenFile(name, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
}

func (s *FS) Append(name string) (File, error) {
	return s.fs.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
}

func (s *FS) Open(name string) (File, error) {
	return s.fs.Open(name)
}

func (s *FS) Stat(name string) (os.FileInfo, error) {
	return s.fs.Stat(name)
}

func (s *FS) ReadDir(name string) ([]os.FileInfo, error) {
	return afero.ReadDir(s.fs, name)
}

func (s *FS) Remove(name string) error {
	return s.fs.Remove(name)
}
