package pbf

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/edsrzf/mmap-go"
)

// Source is an opened input file, either read through the OS or mapped
// read-only into memory. It implements io.ReadSeekCloser.
type Source struct {
	file *os.File
	data mmap.MMap
	mem  *bytes.Reader
	buf  *bufio.Reader
	size int64
}

// Open opens path for chunk reading. With useMmap the file is mapped
// read-only, so reads are served from the page cache without copies
// through the read syscall.
func Open(path string, useMmap bool) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat input: %w", err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("input %s is a directory", path)
	}

	src := &Source{file: f, size: info.Size()}

	// An empty file cannot be mapped
	if !useMmap || src.size == 0 {
		src.buf = bufio.NewReaderSize(f, 1<<20)
		return src, nil
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to mmap input: %w", err)
	}
	src.data = data
	src.mem = bytes.NewReader(data)
	return src, nil
}

// Size returns the file size in bytes
func (s *Source) Size() int64 {
	return s.size
}

// Mapped reports whether the source is memory mapped
func (s *Source) Mapped() bool {
	return s.data != nil
}

func (s *Source) Read(p []byte) (int, error) {
	if s.mem != nil {
		return s.mem.Read(p)
	}
	return s.buf.Read(p)
}

func (s *Source) Seek(offset int64, whence int) (int64, error) {
	if s.mem != nil {
		return s.mem.Seek(offset, whence)
	}
	if whence == io.SeekCurrent {
		// account for bytes buffered but not yet consumed
		offset -= int64(s.buf.Buffered())
	}
	pos, err := s.file.Seek(offset, whence)
	if err != nil {
		return 0, err
	}
	s.buf.Reset(s.file)
	return pos, nil
}

// Close unmaps the file if needed and closes it
func (s *Source) Close() error {
	var unmapErr error
	if s.data != nil {
		unmapErr = s.data.Unmap()
		s.data = nil
		s.mem = nil
	}
	if err := s.file.Close(); err != nil {
		return err
	}
	return unmapErr
}
