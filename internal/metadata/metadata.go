package metadata

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jackpal/bencode-go"
)

var (
	ErrMissingAnnounce   = errors.New("torrent has no announce URL")
	ErrInvalidPieceCount = errors.New("piece count does not match total length")
)

type Metadata struct {
	Announce *url.URL
	Info     Info
}

type Info struct {
	Name        string
	Pieces      [][20]byte
	PieceLength int
	Files       []FileInfo
	InfoHash    [20]byte
}

type FileInfo struct {
	Path   string
	Length int64
}

type torrentFile struct {
	Announce string          `bencode:"announce"`
	Info     torrentFileInfo `bencode:"info"`
}

type torrentFileInfo struct {
	Name        string                `bencode:"name"`
	Pieces      string                `bencode:"pieces"`
	PieceLength int                   `bencode:"piece length"`
	Length      int64                 `bencode:"length"`
	Files       []torrentFileInfoFile `bencode:"files"`
}

type torrentFileInfoFile struct {
	Path   []string `bencode:"path"`
	Length int64    `bencode:"length"`
}

// Parse reads and validates a bencoded .torrent file.
func Parse(path string) (*Metadata, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	tf := torrentFile{}
	if err = bencode.Unmarshal(file, &tf); err != nil {
		return nil, fmt.Errorf("failed to decode torrent file: %w", err)
	}

	if tf.Announce == "" {
		return nil, ErrMissingAnnounce
	}

	announceURL, err := url.Parse(tf.Announce)
	if err != nil {
		return nil, err
	}

	var files []FileInfo

	if len(tf.Info.Files) > 0 {
		for _, file := range tf.Info.Files {
			path := filepath.Join(tf.Info.Name, strings.Join(file.Path, "/"))
			files = append(files, FileInfo{
				Path:   path,
				Length: file.Length,
			})
		}
	} else {
		files = append(files, FileInfo{
			Path:   tf.Info.Name,
			Length: tf.Info.Length,
		})
	}

	chunks := slices.Collect(slices.Chunk([]byte(tf.Info.Pieces), 20))
	pieces := make([][20]byte, 0, len(chunks))

	for _, chunk := range chunks {
		var arr [20]byte
		copy(arr[:], chunk)
		pieces = append(pieces, arr)
	}

	dict := map[string]interface{}{
		"name":         tf.Info.Name,
		"pieces":       tf.Info.Pieces,
		"piece length": tf.Info.PieceLength,
	}

	// Single-file torrents carry "length", multi-file torrents "files".
	if len(tf.Info.Files) == 0 {
		dict["length"] = tf.Info.Length
	} else {
		dict["files"] = tf.Info.Files
	}

	var buf bytes.Buffer
	if err = bencode.Marshal(&buf, dict); err != nil {
		return nil, err
	}

	hash := sha1.Sum(buf.Bytes())

	m := &Metadata{
		Announce: announceURL,
		Info: Info{
			Name:        tf.Info.Name,
			Pieces:      pieces,
			PieceLength: tf.Info.PieceLength,
			Files:       files,
			InfoHash:    hash,
		},
	}

	if err := m.Info.Validate(); err != nil {
		return nil, err
	}

	return m, nil
}

// Validate checks the structural invariant of the info dictionary:
// ceil(total length / piece length) must equal the piece hash count.
func (t *Info) Validate() error {
	if t.PieceLength <= 0 {
		return fmt.Errorf("%w: piece length %d", ErrInvalidPieceCount, t.PieceLength)
	}

	total := t.TotalLength()
	want := (total + int64(t.PieceLength) - 1) / int64(t.PieceLength)
	if want != int64(len(t.Pieces)) {
		return fmt.Errorf("%w: %d hashes for %d bytes in %d-byte pieces", ErrInvalidPieceCount, len(t.Pieces), total, t.PieceLength)
	}

	return nil
}

func (t *Info) TotalLength() int64 {
	var total int64
	for _, file := range t.Files {
		total += file.Length
	}

	return total
}

func (t *Info) NumPieces() int {
	return len(t.Pieces)
}
