// Package swarm downloads files from, and uploads bundles to, other peers.
package swarm

import (
	"context"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/omnicloud/peerswarm/internal/store"
	"github.com/omnicloud/peerswarm/internal/torrent"
	"github.com/omnicloud/peerswarm/internal/tracker"
	"github.com/omnicloud/peerswarm/internal/trackerclient"
)

// TrackerAPI is the part of the tracker the swarm client needs.
type TrackerAPI interface {
	Announce(ctx context.Context, infoHash string, req trackerclient.AnnounceRequest) ([]tracker.PeerRecord, error)
	Scrape(ctx context.Context) ([]tracker.TrackerFile, error)
	Update(ctx context.Context, req tracker.UpdateRequest) error
}

// Options configures a Client.
type Options struct {
	PeerID      string
	IP          string // advertised address, empty lets the tracker observe it
	Port        int    // our peer server port
	DialTimeout time.Duration
	IOTimeout   time.Duration
	Dialer      Dialer // nil dials directly
	DownloadDir string // default <data_dir>/downloads

	// UpdateRetries bounds tracker update attempts after an upload; 0 retries until acknowledged.
	UpdateRetries int
	NewBackOff    func() backoff.BackOff

	Encoder   *torrent.Encoder
	SeedLocal bool // Share keeps every chunk in the local store
}

// Client is one peer's view of the swarm.
type Client struct {
	opts    Options
	store   *store.Store
	tracker TrackerAPI
	dialer  Dialer
}

// New creates a client over the local store st.
func New(st *store.Store, tr TrackerAPI, opts Options) *Client {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.IOTimeout <= 0 {
		opts.IOTimeout = 30 * time.Second
	}
	if opts.DownloadDir == "" {
		opts.DownloadDir = filepath.Join(st.DataDir(), "downloads")
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = defaultBackOff
	}
	if opts.Encoder == nil {
		opts.Encoder = torrent.NewEncoder(0, "", "")
	}
	d := opts.Dialer
	if d == nil {
		d, _ = NewDialer("", opts.DialTimeout)
	}
	return &Client{opts: opts, store: st, tracker: tr, dialer: d}
}

func defaultBackOff() backoff.BackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     500 * time.Millisecond,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         30 * time.Second,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
}

func (c *Client) announceRequest(event string, left int64) trackerclient.AnnounceRequest {
	return trackerclient.AnnounceRequest{
		PeerID: c.opts.PeerID,
		IP:     c.opts.IP,
		Port:   c.opts.Port,
		Left:   left,
		Event:  event,
	}
}

// candidates drops ourselves, stopped peers and duplicates, keeping tracker order.
func (c *Client) candidates(peers []tracker.PeerRecord) []tracker.PeerRecord {
	seen := make(map[string]bool)
	out := make([]tracker.PeerRecord, 0, len(peers))
	for _, p := range peers {
		if p.PeerID == c.opts.PeerID || p.Stopped() || p.Port <= 0 || seen[p.Addr()] {
			continue
		}
		seen[p.Addr()] = true
		out = append(out, p)
	}
	return out
}
