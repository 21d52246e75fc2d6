package storage

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framp/furia/internal/metadata"
)

func newTestStorage(t *testing.T, fs afero.Fs, files []metadata.FileInfo) *Storage {
	t.Helper()

	s, err := New(fs, files)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewCreatesFiles(t *testing.T) {
	fs := afero.NewMemMapFs()

	files := []metadata.FileInfo{
		{Path: "out/file_1.txt", Length: 100},
		{Path: "out/sub/file_2.txt", Length: 50},
	}

	newTestStorage(t, fs, files)

	for _, f := range files {
		exists, err := afero.Exists(fs, f.Path)
		require.NoError(t, err)
		assert.True(t, exists, f.Path)
	}
}

func TestReadAtSpansFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "read_1.txt", []byte("abcde"), 0644))
	require.NoError(t, afero.WriteFile(fs, "read_2.txt", []byte("fghij"), 0644))

	files := []metadata.FileInfo{
		{Path: "read_1.txt", Length: 5},
		{Path: "read_2.txt", Length: 5},
	}

	s := newTestStorage(t, fs, files)

	tests := map[string]struct {
		start    int64
		len      int
		expected string
	}{
		"read from first file":           {0, 5, "abcde"},
		"read from second file":          {5, 5, "fghij"},
		"partially read from both files": {3, 5, "defgh"},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			buf := make([]byte, tt.len)
			n, err := s.ReadAt(buf, tt.start)
			require.NoError(t, err)
			assert.Equal(t, tt.len, n)
			assert.Equal(t, []byte(tt.expected), buf)
		})
	}
}

func TestWriteAtSpansFiles(t *testing.T) {
	fs := afero.NewMemMapFs()

	files := []metadata.FileInfo{
		{Path: "write_1.txt", Length: 5},
		{Path: "write_2.txt", Length: 5},
		{Path: "write_3.txt", Length: 5},
	}

	s := newTestStorage(t, fs, files)

	n, err := s.WriteAt([]byte("cdefghijklmn"), 2)
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	// read back through the flat view
	buf := make([]byte, 12)
	_, err = s.ReadAt(buf, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("cdefghijklmn"), buf)
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()

	files := []metadata.FileInfo{
		{Path: "a.bin", Length: 7},
		{Path: "b.bin", Length: 11},
	}

	s := newTestStorage(t, fs, files)

	payload := []byte("0123456789abcdef42")
	n, err := s.WriteAt(payload, 0)
	require.NoError(t, err)
	require.Equal(t, 18, n)

	got := make([]byte, 18)
	n, err = s.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, 18, n)
	assert.Equal(t, payload, got)
}
