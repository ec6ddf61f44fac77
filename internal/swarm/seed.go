package swarm

import (
	"context"
	"log"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/omnicloud/peerswarm/internal/torrent"
)

const announceRetries = 3

// AnnounceHeld announces event for every torrent in the local store so the
// tracker lists this node as a holder. It returns how many announces the
// tracker accepted and the last error seen.
func (c *Client) AnnounceHeld(ctx context.Context, event string) (int, error) {
	var (
		ok      int
		lastErr error
	)
	for _, desc := range c.store.Descriptors() {
		left := bytesLeft(desc, len(c.store.VerifiedParts(desc)))
		req := c.announceRequest(event, left)

		b := backoff.WithContext(backoff.WithMaxRetries(c.opts.NewBackOff(), announceRetries), ctx)
		err := backoff.RetryNotify(func() error {
			_, err := c.tracker.Announce(ctx, desc.InfoHash, req)
			if err != nil && !IsTransport(trackerError("announce", err)) {
				return backoff.Permanent(err)
			}
			return err
		}, b, func(err error, wait time.Duration) {
			log.Printf("[swarm] Announce %s for %s failed, retrying in %v: %v", event, torrent.ShortHash(desc.InfoHash), wait, err)
		})
		if err != nil {
			lastErr = trackerError("announce", err)
			continue
		}
		ok++
	}
	return ok, lastErr
}

func bytesLeft(desc *torrent.Descriptor, held int) int64 {
	missing := int64(desc.NumParts() - held)
	left := missing * desc.PieceLength
	if left > desc.TotalLength {
		left = desc.TotalLength
	}
	return left
}
