package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framp/furia/internal/download"
	"github.com/framp/furia/internal/metadata"
	"github.com/framp/furia/internal/peer"
)

type fakeTrackerResp struct {
	FailureReason string `bencode:"failure reason"`
	Interval      int    `bencode:"interval"`
	Peers         string `bencode:"peers"`
}

func newTestTracker(t *testing.T, handler http.HandlerFunc) *Tracker {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	serverURL, err := url.Parse(server.URL)
	require.NoError(t, err)

	m := &metadata.Metadata{
		Announce: serverURL,
		Info: metadata.Info{
			InfoHash: [20]byte{1, 2, 3, 4},
		},
	}

	return NewTracker(m, [20]byte{9, 8, 7}, 6881)
}

func TestAnnounce(t *testing.T) {
	fakeResp := fakeTrackerResp{
		Interval: 1800,
		Peers: string([]byte{
			127, 0, 0, 1, 0x1A, 0xE1, // 127.0.0.1:6881
			192, 168, 0, 10, 0x1B, 0x39, // 192.168.0.10:6969
		}),
	}

	tr := newTestTracker(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.NotEmpty(t, q.Get("info_hash"))
		assert.NotEmpty(t, q.Get("peer_id"))
		assert.Equal(t, "started", q.Get("event"))
		assert.Equal(t, "1", q.Get("compact"))
		assert.Equal(t, "100", q.Get("downloaded"))
		assert.Equal(t, "900", q.Get("left"))

		require.NoError(t, bencode.Marshal(w, fakeResp))
	})

	stats := download.Stats{Downloaded: 100, Left: 900, Size: 1000}
	peers, interval, err := tr.Announce(context.Background(), EventStarted, stats)

	require.NoError(t, err)
	assert.Equal(t, 1800, interval)
	assert.Equal(t, []peer.Peer{
		{Addr: "127.0.0.1:6881"},
		{Addr: "192.168.0.10:6969"},
	}, peers)
}

func TestAnnounceOmitsEmptyEvent(t *testing.T) {
	tr := newTestTracker(t, func(w http.ResponseWriter, r *http.Request) {
		_, present := r.URL.Query()["event"]
		assert.False(t, present)

		require.NoError(t, bencode.Marshal(w, fakeTrackerResp{Interval: 60}))
	})

	_, interval, err := tr.Announce(context.Background(), EventUpdated, download.Stats{})
	require.NoError(t, err)
	assert.Equal(t, 60, interval)
}

func TestAnnounceFailureReason(t *testing.T) {
	tr := newTestTracker(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, bencode.Marshal(w, fakeTrackerResp{FailureReason: "unregistered torrent"}))
	})

	_, _, err := tr.Announce(context.Background(), EventStarted, download.Stats{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unregistered torrent")
}

func TestAnnounceHTTPError(t *testing.T) {
	tr := newTestTracker(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, _, err := tr.Announce(context.Background(), EventStarted, download.Stats{})
	assert.Error(t, err)
}
