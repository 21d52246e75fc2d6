package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

type MessageID uint8

const (
	MessageChoke         MessageID = 0
	MessageUnchoke       MessageID = 1
	MessageInterested    MessageID = 2
	MessageNotInterested MessageID = 3
	MessageHave          MessageID = 4
	MessageBitfield      MessageID = 5
	MessageRequest       MessageID = 6
	MessagePiece         MessageID = 7
	MessageCancel        MessageID = 8
	MessagePort          MessageID = 9
)

// maxFrameLength caps the declared frame length so a hostile peer cannot
// make us allocate arbitrary buffers. Large enough for a 16 KiB block
// frame and for the bitfield of any realistic torrent.
const maxFrameLength = 1 << 20

var (
	ErrTruncatedFrame        = errors.New("connection closed mid-frame")
	ErrUnknownMessageID      = errors.New("unknown message id")
	ErrPayloadLengthMismatch = errors.New("payload length mismatch")
)

// Message is one frame of the peer wire protocol. A nil *Message stands
// for a keep-alive, which has no id byte and no payload.
type Message struct {
	ID      MessageID
	Payload []byte
}

type RequestPayload struct {
	Index  uint32
	Begin  uint32
	Length uint32
}

type PiecePayload struct {
	Index uint32
	Begin uint32
	Data  []byte
}

// Serialize encodes the message with its 4-byte big-endian length prefix.
func (m *Message) Serialize() []byte {
	if m == nil {
		return make([]byte, 4) // keep-alive
	}

	length := uint32(len(m.Payload) + 1) // +1 for the id byte
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// Read decodes the next frame from the stream, consuming short reads
// incrementally. It returns (nil, nil) for a keep-alive and io.EOF when
// the connection closes cleanly between frames.
func Read(reader io.Reader) (*Message, error) {
	prefix := make([]byte, 4)
	if _, err := io.ReadFull(reader, prefix); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: reading length prefix: %w", ErrTruncatedFrame, err)
	}

	length := binary.BigEndian.Uint32(prefix)
	if length == 0 {
		return nil, nil // keep-alive
	}

	if length > maxFrameLength {
		return nil, fmt.Errorf("%w: declared length %d exceeds limit", ErrPayloadLengthMismatch, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(reader, body); err != nil {
		return nil, fmt.Errorf("%w: reading body: %w", ErrTruncatedFrame, err)
	}

	m := &Message{
		ID:      MessageID(body[0]),
		Payload: body[1:],
	}

	if err := m.validateLength(); err != nil {
		return nil, err
	}

	return m, nil
}

// validateLength rejects fixed-payload messages whose declared length
// disagrees with the protocol.
func (m *Message) validateLength() error {
	var want int
	switch m.ID {
	case MessageChoke, MessageUnchoke, MessageInterested, MessageNotInterested:
		want = 0
	case MessageHave:
		want = 4
	case MessageRequest, MessageCancel:
		want = 12
	case MessagePort:
		want = 2
	case MessageBitfield:
		return nil // variable
	case MessagePiece:
		if len(m.Payload) < 8 {
			return fmt.Errorf("%w: piece payload of %d bytes", ErrPayloadLengthMismatch, len(m.Payload))
		}
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrUnknownMessageID, m.ID)
	}

	if len(m.Payload) != want {
		return fmt.Errorf("%w: id %d carries %d bytes, want %d", ErrPayloadLengthMismatch, m.ID, len(m.Payload), want)
	}

	return nil
}

func NewHave(index int) *Message {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(index))

	return &Message{ID: MessageHave, Payload: buf}
}

func NewBitfield(bf []byte) *Message {
	return &Message{ID: MessageBitfield, Payload: bf}
}

func NewRequest(index, begin, length int) *Message {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], uint32(index))
	binary.BigEndian.PutUint32(buf[4:8], uint32(begin))
	binary.BigEndian.PutUint32(buf[8:12], uint32(length))

	return &Message{ID: MessageRequest, Payload: buf}
}

func NewPiece(index, begin int, data []byte) *Message {
	buf := make([]byte, 8+len(data))
	binary.BigEndian.PutUint32(buf[0:4], uint32(index))
	binary.BigEndian.PutUint32(buf[4:8], uint32(begin))
	copy(buf[8:], data)

	return &Message{ID: MessagePiece, Payload: buf}
}

func NewCancel(index, begin, length int) *Message {
	m := NewRequest(index, begin, length)
	m.ID = MessageCancel
	return m
}

func NewPort(port uint16) *Message {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, port)

	return &Message{ID: MessagePort, Payload: buf}
}

func (m *Message) ParseHave() (int, error) {
	if m.ID != MessageHave || len(m.Payload) != 4 {
		return 0, fmt.Errorf("%w: not a valid have message", ErrPayloadLengthMismatch)
	}

	return int(binary.BigEndian.Uint32(m.Payload)), nil
}

func (m *Message) ParseRequest() (*RequestPayload, error) {
	if len(m.Payload) != 12 {
		return nil, fmt.Errorf("%w: request payload of %d bytes", ErrPayloadLengthMismatch, len(m.Payload))
	}

	return &RequestPayload{
		Index:  binary.BigEndian.Uint32(m.Payload[0:4]),
		Begin:  binary.BigEndian.Uint32(m.Payload[4:8]),
		Length: binary.BigEndian.Uint32(m.Payload[8:12]),
	}, nil
}

func (m *Message) ParsePiece() (*PiecePayload, error) {
	if len(m.Payload) < 8 {
		return nil, fmt.Errorf("%w: piece payload of %d bytes", ErrPayloadLengthMismatch, len(m.Payload))
	}

	return &PiecePayload{
		Index: binary.BigEndian.Uint32(m.Payload[0:4]),
		Begin: binary.BigEndian.Uint32(m.Payload[4:8]),
		Data:  m.Payload[8:],
	}, nil
}

func (m *Message) ParsePort() (uint16, error) {
	if len(m.Payload) != 2 {
		return 0, fmt.Errorf("%w: port payload of %d bytes", ErrPayloadLengthMismatch, len(m.Payload))
	}

	return binary.BigEndian.Uint16(m.Payload), nil
}
