package swarm

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/omnicloud/peerswarm/internal/torrent"
	"github.com/omnicloud/peerswarm/internal/tracker"
)

// ShareResult describes a file pushed into the swarm.
type ShareResult struct {
	Descriptor *torrent.Descriptor
	Uploads    []UploadResult
}

// LivePeers returns every peer the tracker lists under any torrent, minus
// ourselves and peers that announced stopped, most recently seen first.
func (c *Client) LivePeers(ctx context.Context) ([]tracker.PeerRecord, error) {
	files, err := c.tracker.Scrape(ctx)
	if err != nil {
		return nil, trackerError("scrape", err)
	}
	latest := make(map[string]tracker.PeerRecord)
	for _, f := range files {
		for _, p := range f.Peers {
			if prev, ok := latest[p.PeerID]; ok && prev.LastSeen.After(p.LastSeen) {
				continue
			}
			latest[p.PeerID] = p
		}
	}
	var all []tracker.PeerRecord
	for _, p := range latest {
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].LastSeen.After(all[j].LastSeen) })
	return c.candidates(all), nil
}

// EncodeLocal stores the descriptor and every chunk of res locally so this
// node can serve the whole file.
func (c *Client) EncodeLocal(res *torrent.Result) error {
	desc := res.Descriptor
	if err := c.store.SaveDescriptor(desc); err != nil {
		return newError(KindIO, "seed", "", err)
	}
	for i, chunk := range res.Chunks {
		if err := c.store.PutPart(desc.InfoHash, desc.PartIDs[i], chunk); err != nil {
			return newError(KindIO, "seed", "", err)
		}
	}
	return nil
}

// Share encodes the file at path for len(targets) peers tolerating m
// failures and uploads one bundle to each target.
func (c *Client) Share(ctx context.Context, path string, targets []tracker.PeerRecord, m int) (*ShareResult, error) {
	n := len(targets)
	if n == 0 {
		return nil, newError(KindAvailability, "share", "", ErrNotEnoughPeers)
	}
	res, err := c.opts.Encoder.Encode(ctx, path, n, m)
	if err != nil {
		return nil, newError(KindOf(err), "encode", "", err)
	}
	desc := res.Descriptor

	if c.opts.SeedLocal {
		if err := c.EncodeLocal(res); err != nil {
			return nil, err
		}
		if _, err := c.tracker.Announce(ctx, desc.InfoHash, c.announceRequest(tracker.EventStarted, 0)); err != nil {
			log.Printf("[swarm] WARNING: seeding announce for %s failed: %v", torrent.ShortHash(desc.InfoHash), err)
		}
	}

	uploads, err := c.Upload(ctx, desc.InfoHash, targets, res.Bundles)
	if err != nil {
		return &ShareResult{Descriptor: desc, Uploads: uploads}, err
	}
	for _, u := range uploads {
		if u.Err != nil {
			log.Printf("[swarm] Bundle %d (%d parts) did not reach %s", u.Bundle.PeerIndex, len(u.Bundle.PartIDs), u.Peer.Addr())
		}
	}
	return &ShareResult{Descriptor: desc, Uploads: uploads}, nil
}

// ShareWithLivePeers picks n live peers from the tracker and shares path with them.
func (c *Client) ShareWithLivePeers(ctx context.Context, path string, n, m int) (*ShareResult, error) {
	peers, err := c.LivePeers(ctx)
	if err != nil {
		return nil, err
	}
	if len(peers) < n {
		return nil, newError(KindAvailability, "share", "",
			fmt.Errorf("%w: need %d, tracker lists %d", ErrNotEnoughPeers, n, len(peers)))
	}
	return c.Share(ctx, path, peers[:n], m)
}
