package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// File stores the snapshot in a local file. Saves go to a temporary
// file in the same directory followed by a rename, so readers never
// observe a partially written snapshot.
type File struct {
	path string
}

// NewFile returns a new File store. The parent directory is created if
// it does not exist.
func NewFile(path string) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("snapshot file path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	return &File{path: path}, nil
}

// Load reads the snapshot file.
func (f *File) Load(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, ErrNotExist
	}
	return data, err
}

// Save writes the snapshot atomically via rename.
func (f *File) Save(ctx context.Context, data []byte) error {
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}
