package handshake

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

const ProtocolIdentifier = "BitTorrent protocol"

var (
	ErrMalformedHandshake = errors.New("malformed handshake")
	ErrProtocolMismatch   = errors.New("protocol identifier mismatch")
	ErrInfoHashMismatch   = errors.New("info hash mismatch")
)

// Handshake is the fixed 68-byte exchange sent once per connection,
// before any framed message.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

func (h *Handshake) Serialize() []byte {
	buf := make([]byte, len(ProtocolIdentifier)+49)
	buf[0] = byte(len(ProtocolIdentifier))
	curr := 1
	curr += copy(buf[curr:], []byte(ProtocolIdentifier))
	curr += copy(buf[curr:], make([]byte, 8)) // reserved flag bytes
	curr += copy(buf[curr:], h.InfoHash[:])
	copy(buf[curr:], h.PeerID[:])
	return buf
}

func (h *Handshake) Write(writer io.Writer) error {
	_, err := writer.Write(h.Serialize())
	return err
}

func Read(reader io.Reader) (*Handshake, error) {
	length := make([]byte, 1)
	if _, err := io.ReadFull(reader, length); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHandshake, err)
	}

	if int(length[0]) != len(ProtocolIdentifier) {
		return nil, fmt.Errorf("%w: protocol length byte is %d", ErrMalformedHandshake, length[0])
	}

	identifier := make([]byte, len(ProtocolIdentifier))
	if _, err := io.ReadFull(reader, identifier); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHandshake, err)
	}

	if string(identifier) != ProtocolIdentifier {
		return nil, fmt.Errorf("%w: %q", ErrProtocolMismatch, identifier)
	}

	if _, err := io.CopyN(io.Discard, reader, 8); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHandshake, err)
	}

	var infoHash, peerID [20]byte

	if _, err := io.ReadFull(reader, infoHash[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHandshake, err)
	}

	if _, err := io.ReadFull(reader, peerID[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHandshake, err)
	}

	return &Handshake{
		InfoHash: infoHash,
		PeerID:   peerID,
	}, nil
}

// ReadAndVerify reads a handshake and rejects it when the advertised
// info hash does not match the torrent we are exchanging.
func ReadAndVerify(reader io.Reader, infoHash [20]byte) (*Handshake, error) {
	h, err := Read(reader)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(infoHash[:], h.InfoHash[:]) {
		return nil, ErrInfoHashMismatch
	}

	return h, nil
}
