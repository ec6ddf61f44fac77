package swarm

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"

	"github.com/omnicloud/peerswarm/internal/torrent"
	"github.com/omnicloud/peerswarm/internal/tracker"
)

// UploadResult is the outcome for one target peer.
type UploadResult struct {
	Peer     tracker.PeerRecord
	Bundle   *torrent.Bundle
	Err      error // nil when the peer unpacked the bundle
	Recorded bool  // the tracker acknowledged the update
}

// Upload sends bundles[i] to targets[i] concurrently, then records each
// successful upload with the tracker. Peers that refuse or fail are logged
// and skipped; an error is returned only when no peer took its bundle.
func (c *Client) Upload(ctx context.Context, infoHash string, targets []tracker.PeerRecord, bundles []*torrent.Bundle) ([]UploadResult, error) {
	if len(targets) != len(bundles) || len(targets) == 0 {
		return nil, newError(KindParameter, "upload", "",
			fmt.Errorf("%w: %d targets for %d bundles", torrent.ErrInvalidParameter, len(targets), len(bundles)))
	}

	results := make([]UploadResult, len(targets))
	var g errgroup.Group
	g.SetLimit(len(targets))
	for i := range targets {
		i := i
		results[i] = UploadResult{Peer: targets[i], Bundle: bundles[i]}
		g.Go(func() error {
			r := &results[i]
			if r.Err = c.sendBundle(ctx, r.Peer, r.Bundle); r.Err != nil {
				log.Printf("[swarm] Upload to %s failed, skipping: %v", r.Peer.Addr(), r.Err)
				return nil
			}
			if err := c.recordUpload(ctx, infoHash, r.Peer, r.Bundle); err != nil {
				log.Printf("[swarm] WARNING: tracker never recorded %s on %s: %v", torrent.ShortHash(infoHash), r.Peer.PeerID, err)
				return nil
			}
			r.Recorded = true
			return nil
		})
	}
	g.Wait()

	delivered := 0
	for _, r := range results {
		if r.Err == nil {
			delivered++
		}
	}
	log.Printf("[swarm] Uploaded %s to %d of %d peers", torrent.ShortHash(infoHash), delivered, len(targets))
	if delivered == 0 {
		return results, newError(KindAvailability, "upload", "", ErrRefused)
	}
	return results, nil
}

func (c *Client) sendBundle(ctx context.Context, p tracker.PeerRecord, b *torrent.Bundle) error {
	s, err := c.open(ctx, p.Addr())
	if err != nil {
		return err
	}
	defer s.Close()
	return s.upload(filepath.Base(b.Path), b.Path)
}

// recordUpload reports the bundle's parts until the tracker acknowledges.
func (c *Client) recordUpload(ctx context.Context, infoHash string, p tracker.PeerRecord, b *torrent.Bundle) error {
	req := tracker.UpdateRequest{
		InfoHash: infoHash,
		PeerID:   p.PeerID,
		IP:       p.IP,
		Port:     p.Port,
		Parts:    b.PartIDs,
	}

	var bo backoff.BackOff = c.opts.NewBackOff()
	if c.opts.UpdateRetries > 0 {
		bo = backoff.WithMaxRetries(bo, uint64(c.opts.UpdateRetries))
	}
	bo = backoff.WithContext(bo, ctx)

	return backoff.RetryNotify(func() error {
		err := c.tracker.Update(ctx, req)
		if err != nil && !IsTransport(trackerError("update", err)) {
			return backoff.Permanent(err)
		}
		return err
	}, bo, func(err error, wait time.Duration) {
		log.Printf("[swarm] Tracker update for %s failed, retrying in %v: %v", p.PeerID, wait, err)
	})
}
