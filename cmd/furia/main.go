package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/afero"

	"github.com/framp/furia/internal/download"
	"github.com/framp/furia/internal/metadata"
	"github.com/framp/furia/internal/peer"
	"github.com/framp/furia/internal/storage"
	"github.com/framp/furia/internal/tracker"
)

const listenPort = 6881

func main() {
	if len(os.Args) < 2 {
		fmt.Printf("Usage: %s <torrent file>\n", os.Args[0])
		return
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := run(os.Args[1]); err != nil {
		slog.Error("download failed", "error", err)
		os.Exit(1)
	}
}

func run(path string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := metadata.Parse(path)
	if err != nil {
		return fmt.Errorf("failed to parse torrent file %s: %w", path, err)
	}

	d, err := download.New(m)
	if err != nil {
		return err
	}

	st, err := storage.New(afero.NewOsFs(), m.Info.Files)
	if err != nil {
		return err
	}
	defer st.Close()

	if restored := d.Restore(st); restored > 0 {
		slog.Info("restored pieces from disk", "pieces", restored)
	}

	peerID := peer.NewPeerID()
	tr := tracker.NewTracker(m, peerID, listenPort)

	peers, _, err := tr.Announce(ctx, tracker.EventStarted, d.Stats())
	if err != nil {
		return fmt.Errorf("tracker announce failed: %w", err)
	}

	slog.Info("tracker returned peers", "count", len(peers), "name", m.Info.Name)

	manager := peer.NewManager(d, m.Info.InfoHash, peerID)
	manager.AddPeers(peers)

	bar := progressbar.DefaultBytes(d.TotalLength(), "downloading")
	bar.Set64(d.BytesCompleted())
	barDone := make(chan struct{})
	go trackProgress(d, bar, barDone)

	err = manager.Run(ctx)
	close(barDone)
	if err != nil {
		return err
	}

	bar.Finish()

	if err := d.Flush(st); err != nil {
		return err
	}

	if _, _, err := tr.Announce(ctx, tracker.EventCompleted, d.Stats()); err != nil {
		slog.Warn("failed to announce completion", "error", err)
	}

	slog.Info("download complete", "name", m.Info.Name, "bytes", d.TotalLength())
	return nil
}

func trackProgress(d *download.Download, bar *progressbar.ProgressBar, done <-chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			bar.Set64(d.BytesCompleted())
		}
	}
}
