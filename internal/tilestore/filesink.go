package tilestore

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// FileSink writes tiles into the tiles/<datasource_id>/<z>/<x>/<y>.<ext>
// tree. The last writer wins for a given path, which is safe because
// every producer of a coordinate renders byte-identical output.
type FileSink struct {
	root string // tiles/<datasource_id>
	ext  string
}

// NewFileSink creates a sink rooted at dir writing tiles with the given
// extension (without the dot).
func NewFileSink(dir, ext string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating tile directory %s: %w", dir, err)
	}
	return &FileSink{root: dir, ext: ext}, nil
}

// TilePath returns the on-disk path of a tile address.
func (s *FileSink) TilePath(z, x, y int) string {
	return filepath.Join(s.root, strconv.Itoa(z), strconv.Itoa(x), strconv.Itoa(y)+"."+s.ext)
}

// Put writes one tile, creating parent directories as needed.
func (s *FileSink) Put(z, x, y int, data []byte) error {
	path := s.TilePath(z, x, y)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("flushing %s: %w", path, err)
	}
	return f.Close()
}

// Get reads a tile back, or (nil, nil) when absent.
func (s *FileSink) Get(z, x, y int) ([]byte, error) {
	data, err := os.ReadFile(s.TilePath(z, x, y))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// Close is a no-op for the file tree.
func (s *FileSink) Close() error { return nil }
