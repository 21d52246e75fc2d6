package peer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framp/furia/internal/bitfield"
	"github.com/framp/furia/internal/handshake"
	"github.com/framp/furia/internal/message"
)

// fakeSeeder is a scripted remote peer owning the complete content. It
// answers the handshake, advertises a full bitfield, unchokes and then
// serves every request it receives.
type fakeSeeder struct {
	ln          net.Listener
	infoHash    [20]byte
	content     []byte
	pieceLength int

	// corruptFirst flips a byte in the first reply once, to exercise
	// hash-failure recovery.
	corruptFirst bool
}

func newFakeSeeder(t *testing.T, content []byte, pieceLength int) *fakeSeeder {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	return &fakeSeeder{
		ln:          ln,
		infoHash:    testInfoHash,
		content:     content,
		pieceLength: pieceLength,
	}
}

func (f *fakeSeeder) addr() string {
	return f.ln.Addr().String()
}

func (f *fakeSeeder) serve() {
	conn, err := f.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	if _, err := handshake.ReadAndVerify(conn, f.infoHash); err != nil {
		return
	}

	reply := handshake.Handshake{InfoHash: f.infoHash, PeerID: [20]byte{0x66, 0x55, 0x44}}
	if err := reply.Write(conn); err != nil {
		return
	}

	// the downloader's own bitfield arrives right after the handshake
	if _, err := message.Read(conn); err != nil {
		return
	}

	numPieces := (len(f.content) + f.pieceLength - 1) / f.pieceLength
	bf := bitfield.New(numPieces)
	for i := 0; i < numPieces; i++ {
		bf.SetPiece(i)
	}

	if _, err := conn.Write(message.NewBitfield(bf).Serialize()); err != nil {
		return
	}
	unchoke := message.Message{ID: message.MessageUnchoke}
	if _, err := conn.Write(unchoke.Serialize()); err != nil {
		return
	}

	corrupted := false
	for {
		msg, err := message.Read(conn)
		if err != nil {
			return
		}
		if msg == nil || msg.ID != message.MessageRequest {
			continue
		}

		req, err := msg.ParseRequest()
		if err != nil {
			return
		}

		begin := int(req.Index)*f.pieceLength + int(req.Begin)
		data := append([]byte(nil), f.content[begin:begin+int(req.Length)]...)

		if f.corruptFirst && !corrupted {
			corrupted = true
			data[0] ^= 0xFF
		}

		if _, err := conn.Write(message.NewPiece(int(req.Index), int(req.Begin), data).Serialize()); err != nil {
			return
		}
	}
}

func TestRunDownloadsFromSinglePeer(t *testing.T) {
	content := testContent(32)
	d := testDownload(t, content, 16)

	seeder := newFakeSeeder(t, content, 16)
	go seeder.serve()

	m := NewManager(d, testInfoHash, testPeerID)
	m.AddPeer(Peer{Addr: seeder.addr()})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, m.Run(ctx))
	require.True(t, d.IsComplete())

	first, err := d.ReadBlock(0, 0, 16)
	require.NoError(t, err)
	second, err := d.ReadBlock(1, 0, 16)
	require.NoError(t, err)
	assert.Equal(t, content, append(first, second...))
}

func TestRunRecoversFromCorruptPiece(t *testing.T) {
	content := testContent(32)
	d := testDownload(t, content, 16)

	seeder := newFakeSeeder(t, content, 16)
	seeder.corruptFirst = true
	go seeder.serve()

	m := NewManager(d, testInfoHash, testPeerID)
	m.AddPeer(Peer{Addr: seeder.addr()})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, m.Run(ctx))
	assert.True(t, d.IsComplete())
}

func TestRunEmptyPool(t *testing.T) {
	d := testDownload(t, testContent(32), 16)
	m := NewManager(d, testInfoHash, testPeerID)

	err := m.Run(context.Background())
	assert.ErrorIs(t, err, ErrNoUsablePeers)
}

func TestRunUnreachablePeer(t *testing.T) {
	d := testDownload(t, testContent(32), 16)

	// grab an address nobody is listening on anymore
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	m := NewManager(d, testInfoHash, testPeerID)
	m.AddPeer(Peer{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = m.Run(ctx)
	assert.ErrorIs(t, err, ErrNoUsablePeers)
}

func TestRunAlreadyComplete(t *testing.T) {
	content := testContent(16)
	d := testDownload(t, content, 16)

	_, err := d.ReceiveBlock(0, 0, content)
	require.NoError(t, err)
	require.True(t, d.IsComplete())

	m := NewManager(d, testInfoHash, testPeerID)
	assert.NoError(t, m.Run(context.Background()))
}
