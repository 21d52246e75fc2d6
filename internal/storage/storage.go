package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/framp/furia/internal/metadata"
)

// Storage presents the torrent's file layout as one flat byte range.
// Reads and writes may span file boundaries.
type Storage struct {
	files []file
}

type file struct {
	handle afero.File
	path   string
	length int64
}

// New opens (creating if necessary) every file of the layout on fs.
func New(fs afero.Fs, files []metadata.FileInfo) (*Storage, error) {
	opened := make([]file, 0, len(files))

	for _, f := range files {
		dir := filepath.Dir(f.Path)
		if err := fs.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create dirs for %s: %w", f.Path, err)
		}

		handle, err := fs.OpenFile(f.Path, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return nil, err
		}

		opened = append(opened, file{
			handle: handle,
			path:   f.Path,
			length: f.Length,
		})
	}

	return &Storage{files: opened}, nil
}

func (s *Storage) ReadAt(buf []byte, start int64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	var offset int64
	var n int
	remaining := int64(len(buf))
	end := start + int64(len(buf))

	for _, f := range s.files {
		nextOffset := offset + f.length
		if start >= nextOffset {
			offset += f.length
			continue
		}

		actualStart := start - offset
		if actualStart < 0 {
			actualStart = 0
		}

		actualEnd := f.length
		if end <= nextOffset {
			actualEnd = end - offset
		}

		amount := actualEnd - actualStart
		if amount <= 0 {
			offset += f.length
			continue
		}

		m, err := f.handle.ReadAt(buf[n:n+int(amount)], actualStart)
		n += m
		if err != nil {
			return n, err
		}

		remaining -= int64(m)
		if remaining == 0 {
			return n, nil
		}

		offset += f.length
	}

	return n, io.EOF
}

func (s *Storage) WriteAt(data []byte, start int64) (int, error) {
	var offset, cursor int64
	var n int

	for _, f := range s.files {
		nextOffset := offset + f.length
		if start >= nextOffset {
			offset += f.length
			continue
		}

		actualStart := start - offset
		if actualStart < 0 {
			actualStart = 0
		}

		var chunk []byte
		if actualStart+int64(len(data[cursor:])) > f.length {
			amount := f.length - actualStart
			chunk = data[cursor : cursor+amount]
		} else {
			chunk = data[cursor:]
		}

		m, err := f.handle.WriteAt(chunk, actualStart)
		if err != nil {
			return n, err
		}

		n += m
		cursor += int64(len(chunk))
		if cursor == int64(len(data)) {
			break
		}

		offset += f.length
	}

	return n, nil
}

func (s *Storage) Close() error {
	var err error
	for _, f := range s.files {
		if e := f.handle.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}
