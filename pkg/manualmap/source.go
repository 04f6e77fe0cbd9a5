package manualmap

import (
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// Source holds the raw bytes of a PE file, either a read-only mapped view of
// the file on disk or a buffer already in memory.
type Source struct {
	Name string

	data   []byte
	mapped mmap.MMap
	file   *os.File
}

// NewSource wraps data that is already in memory.
func NewSource(name string, data []byte) *Source {
	return &Source{Name: name, data: data}
}

// OpenFile maps the file at path read-only. The path must name an existing
// regular file.
func OpenFile(path string) (*Source, error) {
	if err := checkRegularFile(path); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mapping %s: %v", ErrInvalidInput, path, err)
	}

	return &Source{Name: path, data: m, mapped: m, file: f}, nil
}

func checkRegularFile(path string) error {
	if path == "" {
		return fmt.Errorf("%w: no file path given", ErrInvalidInput)
	}

	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrInvalidInput, path)
	}
	// mmap refuses zero-length mappings, and an empty file is not a PE image anyway
	if fi.Size() == 0 {
		return fmt.Errorf("%w: %s is empty", ErrParse, path)
	}
	return nil
}

// Bytes returns the file contents. The slice is only valid until Close.
func (s *Source) Bytes() []byte {
	return s.data
}

func (s *Source) Close() error {
	var err error
	if s.mapped != nil {
		err = s.mapped.Unmap()
		s.mapped = nil
	}
	if s.file != nil {
		if cerr := s.file.Close(); err == nil {
			err = cerr
		}
		s.file = nil
	}
	s.data = nil
	return err
}
