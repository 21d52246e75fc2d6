package tracker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/jackpal/bencode-go"

	"github.com/framp/furia/internal/download"
	"github.com/framp/furia/internal/metadata"
	"github.com/framp/furia/internal/peer"
)

type Event string

const (
	EventStarted   Event = "started"
	EventCompleted Event = "completed"
	EventStopped   Event = "stopped"
	EventUpdated   Event = ""
)

type rawResponse struct {
	FailureReason string `bencode:"failure reason"`
	Interval      int    `bencode:"interval"`
	Peers         string `bencode:"peers"`
}

// Tracker announces our presence over HTTP and decodes the compact peer
// list the tracker answers with.
type Tracker struct {
	metadata *metadata.Metadata
	peerID   [20]byte
	port     int
	client   *http.Client
}

func NewTracker(m *metadata.Metadata, peerID [20]byte, listenPort int) *Tracker {
	tr := &Tracker{metadata: m, peerID: peerID, port: listenPort}

	dialer := net.Dialer{}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = func(ctx context.Context, _, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp4", addr)
	}

	tr.client = &http.Client{Timeout: 15 * time.Second, Transport: transport}

	return tr
}

// Announce reports transfer progress and returns the peer list plus the
// interval (seconds) the tracker wants between announcements.
func (t *Tracker) Announce(ctx context.Context, e Event, stats download.Stats) ([]peer.Peer, int, error) {
	params := url.Values{
		"info_hash":  []string{string(t.metadata.Info.InfoHash[:])},
		"peer_id":    []string{string(t.peerID[:])},
		"port":       []string{strconv.Itoa(t.port)},
		"downloaded": []string{strconv.FormatInt(stats.Downloaded, 10)},
		"uploaded":   []string{strconv.FormatInt(stats.Uploaded, 10)},
		"left":       []string{strconv.FormatInt(stats.Left, 10)},
		"compact":    []string{"1"},
	}

	if e != EventUpdated {
		params.Add("event", string(e))
	}

	announceURL := *t.metadata.Announce
	announceURL.RawQuery = params.Encode()

	r, err := http.NewRequestWithContext(ctx, http.MethodGet, announceURL.String(), nil)
	if err != nil {
		return nil, 0, err
	}

	resp, err := t.client.Do(r)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("tracker HTTP %d", resp.StatusCode)
	}

	trackerResp := rawResponse{}
	if err := bencode.Unmarshal(resp.Body, &trackerResp); err != nil {
		return nil, 0, err
	}

	if trackerResp.FailureReason != "" {
		return nil, 0, fmt.Errorf("tracker failure: %s", trackerResp.FailureReason)
	}

	chunks := slices.Collect(slices.Chunk([]byte(trackerResp.Peers), 6))
	discovered := make([]peer.Peer, 0, len(chunks))

	for _, chunk := range chunks {
		p, err := peer.Unmarshal(chunk)
		if err != nil {
			continue
		}
		discovered = append(discovered, p)
	}

	return discovered, trackerResp.Interval, nil
}
