package peer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/framp/furia/internal/download"
)

// ErrNoUsablePeers reports that every session closed (or no peer was
// reachable at all) before the download completed.
var ErrNoUsablePeers = errors.New("no usable peers remain")

type ManagerConfig struct {
	MaxPeers     int
	PollInterval time.Duration
}

func NewDefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxPeers:     50,
		PollInterval: 5 * time.Second,
	}
}

// Manager owns the download ledger and the pool of peer sessions. It
// dials queued addresses, spawns one session per reachable peer and
// watches the ledger for completion.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Connection

	infoHash [20]byte
	peerID   [20]byte

	download *download.Download
	pool     *Pool

	config     ManagerConfig
	connConfig ConnectionConfig

	logger *slog.Logger

	// completions wakes the run loop whenever any session verifies a piece.
	completions chan struct{}
}

func NewManager(d *download.Download, infoHash, peerID [20]byte) *Manager {
	return &Manager{
		sessions: make(map[string]*Connection),

		infoHash: infoHash,
		peerID:   peerID,

		download: d,
		pool:     NewPool(64),

		config:     NewDefaultManagerConfig(),
		connConfig: NewDefaultConnectionConfig(),

		logger: slog.Default(),

		completions: make(chan struct{}, 1),
	}
}

// AddPeer enqueues an address for connection without blocking.
func (m *Manager) AddPeer(p Peer) {
	m.pool.Push(p)
}

func (m *Manager) AddPeers(ps []Peer) {
	m.pool.PushMany(ps)
}

// Run connects to queued peers and blocks until either the ledger is
// complete (nil), every session is gone with work still missing
// (ErrNoUsablePeers) or the context is canceled. On return all sessions
// have been told to close.
func (m *Manager) Run(ctx context.Context) error {
	if m.download.IsComplete() {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	exits := make(chan string)
	active := m.spawnSessions(ctx, 0, exits)
	if active == 0 {
		return ErrNoUsablePeers
	}

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-m.completions:
			if m.download.IsComplete() {
				m.logger.Info("download complete, closing sessions")
				return nil
			}

		case addr := <-exits:
			m.logger.Debug("session ended", "peer", addr)
			active--
			active = m.spawnSessions(ctx, active, exits)
			if active == 0 {
				if m.download.IsComplete() {
					return nil
				}
				return ErrNoUsablePeers
			}

		case <-ticker.C:
			active = m.spawnSessions(ctx, active, exits)
		}
	}
}

// spawnSessions tops the active session count up from the pool and
// returns the new count. Each address gets a single connection attempt;
// failures are logged and the address dropped.
func (m *Manager) spawnSessions(ctx context.Context, active int, exits chan<- string) int {
	for active < m.config.MaxPeers {
		p, ok := m.pool.Pop()
		if !ok {
			break
		}

		active++
		go m.runSession(ctx, p, exits)
	}

	return active
}

func (m *Manager) runSession(ctx context.Context, p Peer, exits chan<- string) {
	defer func() {
		select {
		case exits <- p.Addr:
		case <-ctx.Done():
		}
	}()

	c := newConnection(p, m.download, m.connConfig, func(index int) {
		m.broadcastHave(index, p.Addr)
		m.notifyCompletion()
	})

	if err := c.dial(ctx, m.infoHash, m.peerID); err != nil {
		m.logger.Error("failed to connect to peer", "peer", p.Addr, "error", err)
		return
	}

	m.addSession(c)
	defer m.removeSession(c)

	if err := c.run(ctx); err != nil {
		m.logger.Error("session closed with error", "peer", p.Addr, "error", err)
	}
}

// broadcastHave advertises a freshly verified piece on every other live
// session; the completing session already sent its own have.
func (m *Manager) broadcastHave(index int, exceptAddr string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for addr, c := range m.sessions {
		if addr == exceptAddr {
			continue
		}
		c.SendHave(index)
	}
}

func (m *Manager) notifyCompletion() {
	select {
	case m.completions <- struct{}{}:
	default:
	}
}

func (m *Manager) addSession(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[c.peer.Addr] = c
}

func (m *Manager) removeSession(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, c.peer.Addr)
}
