package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set"

	"github.com/framp/furia/internal/bitfield"
	"github.com/framp/furia/internal/download"
	"github.com/framp/furia/internal/handshake"
	"github.com/framp/furia/internal/message"
)

var (
	ErrUnsolicitedPiece = errors.New("received piece that was never requested")
	ErrIdleTimeout      = errors.New("peer idle timeout")
)

type ConnectionConfig struct {
	DialTimeout       time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	KeepAliveInterval time.Duration
	// PipelineDepth bounds the number of outstanding block requests per
	// session. Several requests in flight are needed to hide network
	// latency.
	PipelineDepth int
}

func NewDefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		DialTimeout:       5 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		KeepAliveInterval: 90 * time.Second,
		PipelineDepth:     5,
	}
}

// Connection is one peer session: it owns a single socket, runs the
// handshake and maintains the per-peer protocol state machine. All
// message handling happens on the reader goroutine; a separate writer
// goroutine drains the outgoing queue and emits keep-alives.
type Connection struct {
	conn   net.Conn
	peer   Peer
	logger *slog.Logger
	config ConnectionConfig

	download *download.Download

	amChoking      atomic.Bool
	amInterested   atomic.Bool
	peerChoking    atomic.Bool
	peerInterested atomic.Bool

	// peerBitfield is read and mutated only by the reader goroutine.
	peerBitfield     bitfield.Bitfield
	bitfieldReceived bool

	// inflight holds download.Block values awaiting a piece reply.
	inflight mapset.Set

	outgoing chan *message.Message

	// onPieceComplete lets the manager broadcast have messages; may be nil.
	onPieceComplete func(index int)

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(p Peer, d *download.Download, config ConnectionConfig, onPieceComplete func(int)) *Connection {
	c := &Connection{
		peer:   p,
		logger: slog.With("peer", p.Addr),
		config: config,

		download: d,

		peerBitfield: bitfield.New(d.NumPieces()),
		inflight:     mapset.NewSet(),

		outgoing: make(chan *message.Message, 100),

		onPieceComplete: onPieceComplete,

		done: make(chan struct{}),
	}

	c.amChoking.Store(true)
	c.peerChoking.Store(true)
	return c
}

// dial establishes the TCP connection, exchanges handshakes and
// advertises the local bitfield.
func (c *Connection) dial(ctx context.Context, infoHash, peerID [20]byte) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	defer cancel()

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(dialCtx, "tcp", c.peer.Addr)
	if err != nil {
		return err
	}

	if err := c.exchangeHandshake(conn, infoHash, peerID); err != nil {
		conn.Close()
		return err
	}

	c.conn = conn
	c.logger.Info("peer connected")

	if err := c.sendBitfield(); err != nil {
		c.logger.Error("error sending bitfield", "error", err)
	}

	return nil
}

func (c *Connection) exchangeHandshake(conn net.Conn, infoHash, peerID [20]byte) error {
	deadline := time.Now().Add(c.config.HandshakeTimeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}
	defer conn.SetDeadline(time.Time{})

	h := handshake.Handshake{InfoHash: infoHash, PeerID: peerID}
	if err := h.Write(conn); err != nil {
		return fmt.Errorf("failed to send handshake: %w", err)
	}

	if _, err := handshake.ReadAndVerify(conn, infoHash); err != nil {
		return fmt.Errorf("failed to receive handshake: %w", err)
	}

	return nil
}

// run drives the session until the peer disconnects, the context is
// canceled or a protocol violation occurs. A graceful remote close and
// cancellation both return nil; the socket is closed on every exit path.
func (c *Connection) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	defer cancel()

	go func() {
		<-ctx.Done()
		c.closeGracefully()
	}()

	go c.writerLoop(ctx)

	err := c.readLoop()
	c.closeGracefully()

	if ctx.Err() != nil || errors.Is(err, io.EOF) {
		return nil
	}

	return err
}

func (c *Connection) readLoop() error {
	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.config.IdleTimeout)); err != nil {
			return err
		}

		msg, err := message.Read(c.conn)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return ErrIdleTimeout
			}
			return err
		}

		if err := c.handleMessage(msg); err != nil {
			return err
		}
	}
}

func (c *Connection) writerLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.outgoing:
			// Requests queued before a choke arrived must not hit the wire.
			if msg != nil && msg.ID == message.MessageRequest && c.peerChoking.Load() {
				continue
			}

			if err := c.writeMessage(msg); err != nil {
				c.logger.Error("failed to write message", "error", err)
				c.closeGracefully()
				return
			}
		case <-ticker.C:
			if err := c.writeMessage(nil); err != nil {
				c.logger.Error("failed to write keep-alive", "error", err)
				c.closeGracefully()
				return
			}
		}
	}
}

func (c *Connection) handleMessage(m *message.Message) error {
	if m == nil {
		c.logger.Debug("keep alive")
		return nil
	}

	switch m.ID {
	case message.MessageChoke:
		c.handleChoke()
	case message.MessageUnchoke:
		c.handleUnchoke()
	case message.MessageInterested:
		c.handleInterested()
	case message.MessageNotInterested:
		c.handleNotInterested()
	case message.MessageHave:
		index, err := m.ParseHave()
		if err != nil {
			return err
		}
		c.handleHave(index)
	case message.MessageBitfield:
		return c.handleBitfield(bitfield.Bitfield(m.Payload))
	case message.MessageRequest:
		req, err := m.ParseRequest()
		if err != nil {
			return err
		}
		return c.handleRequest(req)
	case message.MessagePiece:
		p, err := m.ParsePiece()
		if err != nil {
			return err
		}
		return c.handlePiece(p)
	case message.MessageCancel:
		c.logger.Debug("peer canceled a request")
	case message.MessagePort:
		port, err := m.ParsePort()
		if err != nil {
			return err
		}
		c.logger.Debug("peer announced DHT port", "port", port)
	}

	return nil
}

func (c *Connection) handleChoke() {
	c.logger.Debug("peer choked us")
	c.peerChoking.Store(true)

	// Dropped requests are immediately reassignable: the ledger keeps no
	// record of who asked, so clearing our in-flight set is all it takes.
	c.inflight.Clear()
	c.dropQueuedRequests()
}

// dropQueuedRequests discards requests still sitting in the outgoing
// queue. Left there, they would hit the wire after the next unchoke
// alongside the re-issued copies, and the duplicate piece replies would
// read as a protocol violation. Other queued traffic is kept.
func (c *Connection) dropQueuedRequests() {
	for i, n := 0, len(c.outgoing); i < n; i++ {
		select {
		case msg := <-c.outgoing:
			if msg == nil || msg.ID != message.MessageRequest {
				select {
				case c.outgoing <- msg:
				default:
				}
			}
		default:
			return
		}
	}
}

func (c *Connection) handleUnchoke() {
	c.logger.Debug("peer unchoked us")
	c.peerChoking.Store(false)
	c.fillPipeline()
}

func (c *Connection) handleInterested() {
	c.logger.Debug("peer is interested in us")
	c.peerInterested.Store(true)

	// Reciprocate so the peer can actually ask for data.
	if c.amChoking.Load() {
		c.amChoking.Store(false)
		c.send(&message.Message{ID: message.MessageUnchoke})
	}
}

func (c *Connection) handleNotInterested() {
	c.logger.Debug("peer is not interested")
	c.peerInterested.Store(false)
}

func (c *Connection) handleHave(index int) {
	c.peerBitfield.SetPiece(index)
	c.updateInterest()
	c.fillPipeline()
}

func (c *Connection) handleBitfield(bf bitfield.Bitfield) error {
	c.logger.Debug("received bitfield")

	if c.bitfieldReceived {
		return errors.New("received duplicate bitfield")
	}

	if want := len(bitfield.New(c.download.NumPieces())); len(bf) != want {
		return fmt.Errorf("bitfield is %d bytes, want %d for %d pieces", len(bf), want, c.download.NumPieces())
	}

	c.bitfieldReceived = true
	c.peerBitfield = bf
	c.updateInterest()
	c.fillPipeline()

	return nil
}

// updateInterest declares interest as soon as the remote owns at least
// one piece we lack.
func (c *Connection) updateInterest() {
	if c.amInterested.Load() {
		return
	}

	local := c.download.Bitfield()
	for i := 0; i < c.download.NumPieces(); i++ {
		if c.peerBitfield.HasPiece(i) && !local.HasPiece(i) {
			c.amInterested.Store(true)
			c.send(&message.Message{ID: message.MessageInterested})
			return
		}
	}
}

// fillPipeline asks the ledger for blocks until the pipeline is full or
// nothing assignable remains. When the remote has nothing useful and all
// requests have drained, interest is withdrawn.
func (c *Connection) fillPipeline() {
	if c.peerChoking.Load() || !c.amInterested.Load() {
		return
	}

	for c.inflight.Cardinality() < c.config.PipelineDepth {
		blk, ok := c.download.NextBlock(c.peerBitfield, c.inflight)
		if !ok {
			if c.inflight.Cardinality() == 0 {
				c.amInterested.Store(false)
				c.send(&message.Message{ID: message.MessageNotInterested})
			}
			return
		}

		c.inflight.Add(blk)
		c.send(message.NewRequest(blk.Index, blk.Offset, blk.Length))
	}
}

func (c *Connection) handlePiece(p *message.PiecePayload) error {
	blk := download.Block{Index: int(p.Index), Offset: int(p.Begin), Length: len(p.Data)}

	if !c.inflight.Contains(blk) {
		return fmt.Errorf("%w: piece %d offset %d", ErrUnsolicitedPiece, p.Index, p.Begin)
	}
	c.inflight.Remove(blk)

	result, err := c.download.ReceiveBlock(blk.Index, blk.Offset, p.Data)
	if err != nil {
		return err
	}

	switch result {
	case download.ReceiveComplete:
		c.logger.Info("piece complete", "index", blk.Index)
		c.send(message.NewHave(blk.Index))
		if c.onPieceComplete != nil {
			c.onPieceComplete(blk.Index)
		}
	case download.ReceiveHashFail:
		c.logger.Warn("piece failed verification, will re-request", "index", blk.Index)
	}

	c.fillPipeline()
	return nil
}

func (c *Connection) handleRequest(req *message.RequestPayload) error {
	if c.amChoking.Load() {
		// The peer should not have asked, but minor noise is tolerated.
		c.logger.Debug("ignoring request from choked peer")
		return nil
	}

	if req.Length == 0 || req.Length > download.BlockSize {
		return fmt.Errorf("invalid requested block length: %d", req.Length)
	}

	data, err := c.download.ReadBlock(int(req.Index), int(req.Begin), int(req.Length))
	if err != nil {
		c.logger.Warn("cannot serve request", "index", req.Index, "error", err)
		return nil
	}

	c.send(message.NewPiece(int(req.Index), int(req.Begin), data))
	c.download.AddUploaded(int64(len(data)))
	return nil
}

// SendHave advertises a freshly verified piece on this session. It never
// blocks: a have dropped because the outgoing queue is full only delays
// the advertisement, it does not affect correctness.
func (c *Connection) SendHave(index int) {
	select {
	case c.outgoing <- message.NewHave(index):
	case <-c.done:
	default:
	}
}

func (c *Connection) sendBitfield() error {
	bf := c.download.Bitfield()
	return c.writeMessage(message.NewBitfield(bf))
}

func (c *Connection) send(msg *message.Message) {
	select {
	case c.outgoing <- msg:
	case <-c.done:
	}
}

func (c *Connection) writeMessage(msg *message.Message) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	defer c.conn.SetWriteDeadline(time.Time{})

	_, err := c.conn.Write(msg.Serialize())
	return err
}

func (c *Connection) closeGracefully() {
	c.closeOnce.Do(func() {
		c.logger.Debug("closing connection")
		if c.conn != nil {
			c.conn.Close()
		}
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
	})
}
