// Package tracker maps torrents to the peers that hold them.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/omnicloud/peerswarm/internal/torrent"
)

// ErrInvalidAnnounce is returned for announces missing a required field.
var ErrInvalidAnnounce = errors.New("invalid announce")

// Store persists tracker files keyed by info_hash. Get returns nil, nil for
// an unknown info_hash.
type Store interface {
	Get(ctx context.Context, infoHash string) (*TrackerFile, error)
	Put(ctx context.Context, f *TrackerFile) error
	All(ctx context.Context) ([]TrackerFile, error)
}

// Registry implements announce, scrape and update on top of a Store.
//
// A read-modify-write against the store is not atomic across concurrent
// announces for the same info_hash; the last write wins.
type Registry struct {
	store Store
	now   func() time.Time

	mu     sync.RWMutex
	active map[string]ActiveUser // key: peer_id
	hooks  []func(Event)
}

// NewRegistry creates a registry over st.
func NewRegistry(st Store) *Registry {
	return &Registry{
		store:  st,
		now:    time.Now,
		active: make(map[string]ActiveUser),
	}
}

// OnEvent registers fn to be called after each announce and update.
func (r *Registry) OnEvent(fn func(Event)) {
	r.mu.Lock()
	r.hooks = append(r.hooks, fn)
	r.mu.Unlock()
}

func (r *Registry) publish(ev Event) {
	r.mu.RLock()
	hooks := r.hooks
	r.mu.RUnlock()
	for _, fn := range hooks {
		fn(ev)
	}
}

func validEvent(e string) bool {
	switch e {
	case EventNone, EventStarted, EventCompleted, EventStopped:
		return true
	}
	return false
}

// Announce inserts or updates p in the peer set of infoHash, creating the
// torrent on first announce, and returns the resulting peer list.
func (r *Registry) Announce(ctx context.Context, infoHash string, p PeerRecord, opts AnnounceOptions) ([]PeerRecord, error) {
	switch {
	case infoHash == "":
		return nil, fmt.Errorf("%w: missing info_hash", ErrInvalidAnnounce)
	case p.PeerID == "":
		return nil, fmt.Errorf("%w: missing peer_id", ErrInvalidAnnounce)
	case p.Port <= 0 || p.Port > 65535:
		return nil, fmt.Errorf("%w: invalid port %d", ErrInvalidAnnounce, p.Port)
	case !validEvent(p.Event):
		return nil, fmt.Errorf("%w: unknown event %q", ErrInvalidAnnounce, p.Event)
	}

	f, err := r.store.Get(ctx, infoHash)
	if err != nil {
		return nil, fmt.Errorf("failed to load tracker file: %w", err)
	}
	if f == nil {
		f = &TrackerFile{InfoHash: infoHash}
	}

	// Parts only arrive through update; an announce keeps them
	if prev, ok := f.Peer(p.PeerID); ok && p.Parts == nil {
		p.Parts = prev.Parts
	}
	p.LastSeen = r.now()
	f.upsert(p)

	if err := r.store.Put(ctx, f); err != nil {
		return nil, fmt.Errorf("failed to save tracker file: %w", err)
	}

	r.mu.Lock()
	r.active[p.PeerID] = ActiveUser{PeerID: p.PeerID, IP: p.IP, Update: p.LastSeen}
	r.mu.Unlock()

	log.Printf("[tracker] Announce OK: hash=%s peer=%s ip=%s:%d event=%q -> %d peers",
		torrent.ShortHash(infoHash), p.PeerID, p.IP, p.Port, p.Event, len(f.Peers))
	r.publish(Event{Type: "announce", InfoHash: infoHash, PeerID: p.PeerID, Event: p.Event, Peers: len(f.Peers), Time: p.LastSeen})

	return shapePeers(f.Peers, p.PeerID, opts), nil
}

// shapePeers applies numwant and no_peer_id. The requester stays first when truncating.
func shapePeers(peers []PeerRecord, self string, opts AnnounceOptions) []PeerRecord {
	out := make([]PeerRecord, 0, len(peers))
	if opts.NumWant > 0 && opts.NumWant < len(peers) {
		for _, p := range peers {
			if p.PeerID == self {
				out = append(out, p)
			}
		}
		for _, p := range peers {
			if len(out) >= opts.NumWant {
				break
			}
			if p.PeerID != self {
				out = append(out, p)
			}
		}
	} else {
		out = append(out, peers...)
	}
	if opts.NoPeerID {
		for i := range out {
			out[i].PeerID = ""
		}
	}
	return out
}

// Scrape returns every known torrent with its peers, ordered by info_hash.
func (r *Registry) Scrape(ctx context.Context) ([]TrackerFile, error) {
	files, err := r.store.All(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].InfoHash < files[j].InfoHash })
	return files, nil
}

// ScrapeOne returns the peers of one torrent. Unknown torrents have an empty list.
func (r *Registry) ScrapeOne(ctx context.Context, infoHash string) (TrackerFile, error) {
	f, err := r.store.Get(ctx, infoHash)
	if err != nil {
		return TrackerFile{}, err
	}
	if f == nil {
		return TrackerFile{InfoHash: infoHash, Peers: []PeerRecord{}}, nil
	}
	return *f, nil
}

// Update records that a peer received the given parts, adding the peer to
// the torrent if it is not there yet.
func (r *Registry) Update(ctx context.Context, req UpdateRequest) error {
	if req.InfoHash == "" || req.PeerID == "" {
		return fmt.Errorf("%w: update needs info_hash and peer_id", ErrInvalidAnnounce)
	}
	f, err := r.store.Get(ctx, req.InfoHash)
	if err != nil {
		return fmt.Errorf("failed to load tracker file: %w", err)
	}
	if f == nil {
		f = &TrackerFile{InfoHash: req.InfoHash}
	}

	p, ok := f.Peer(req.PeerID)
	if !ok {
		p = PeerRecord{PeerID: req.PeerID}
	}
	if req.IP != "" {
		p.IP = req.IP
	}
	if req.Port > 0 {
		p.Port = req.Port
	}
	p.Parts = mergeParts(p.Parts, req.Parts)
	p.LastSeen = r.now()
	f.upsert(p)

	if err := r.store.Put(ctx, f); err != nil {
		return fmt.Errorf("failed to save tracker file: %w", err)
	}
	log.Printf("[tracker] Update OK: hash=%s peer=%s now holds %d parts",
		torrent.ShortHash(req.InfoHash), req.PeerID, len(p.Parts))
	r.publish(Event{Type: "update", InfoHash: req.InfoHash, PeerID: req.PeerID, Peers: len(f.Peers), Time: p.LastSeen})
	return nil
}

func mergeParts(have, add []string) []string {
	seen := make(map[string]bool, len(have)+len(add))
	out := make([]string, 0, len(have)+len(add))
	for _, list := range [][]string{have, add} {
		for _, id := range list {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// ActiveUsers returns the latest announce per peer, most recent first.
func (r *Registry) ActiveUsers() []ActiveUser {
	r.mu.RLock()
	out := make([]ActiveUser, 0, len(r.active))
	for _, u := range r.active {
		out = append(out, u)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Update.After(out[j].Update) })
	return out
}
