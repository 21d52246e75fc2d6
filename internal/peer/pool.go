package peer

import (
	"sync"
)

// Pool queues peer addresses waiting for a connection attempt,
// deduplicating by address so a peer announced twice is dialed once.
type Pool struct {
	mu   sync.Mutex
	q    []Peer
	seen map[string]struct{}
}

func NewPool(capacity int) *Pool {
	return &Pool{q: make([]Peer, 0, capacity), seen: make(map[string]struct{})}
}

func (p *Pool) Push(pr Peer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.push(pr)
}

func (p *Pool) PushMany(list []Peer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pr := range list {
		p.push(pr)
	}
}

func (p *Pool) push(pr Peer) {
	if _, ok := p.seen[pr.Addr]; ok {
		return
	}
	p.seen[pr.Addr] = struct{}{}
	p.q = append(p.q, pr)
}

func (p *Pool) Pop() (Peer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.q) == 0 {
		return Peer{}, false
	}
	pr := p.q[0]
	p.q = p.q[1:]
	return pr, true
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.q)
}
