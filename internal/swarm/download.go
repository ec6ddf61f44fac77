package swarm

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"github.com/omnicloud/peerswarm/internal/torrent"
	"github.com/omnicloud/peerswarm/internal/tracker"
)

// partResult is a worker's answer for one assigned part.
type partResult struct {
	peer   string
	partID string
	data   []byte
	err    error
}

// Download fetches every part of infoHash from the swarm, verifies it and
// writes the reassembled file under the download directory.
func (c *Client) Download(ctx context.Context, infoHash string) (string, error) {
	if c.opts.Port <= 0 {
		return "", newError(KindParameter, "download", "", fmt.Errorf("%w: no peer server port to announce", ErrNoListener))
	}
	peers, err := c.tracker.Announce(ctx, infoHash, c.announceRequest(tracker.EventStarted, 0))
	if err != nil {
		return "", trackerError("announce", err)
	}
	if len(peers) == 0 {
		return "", newError(KindAvailability, "download", "", ErrFileNotFound)
	}
	cands := c.candidates(peers)
	if len(cands) == 0 {
		return "", newError(KindAvailability, "download", "", ErrNoHolders)
	}
	log.Printf("[swarm] %s: %d candidate peers", torrent.ShortHash(infoHash), len(cands))

	desc, err := c.findDescriptor(ctx, infoHash, cands)
	if err != nil {
		return "", err
	}

	have := c.store.VerifiedParts(desc)
	missing := make(map[string]bool)
	for _, id := range desc.PartIDs {
		if !have[id] {
			missing[id] = true
		}
	}
	log.Printf("[swarm] %s (%s): %d of %d parts missing", desc.Name, torrent.ShortHash(infoHash), len(missing), desc.NumParts())

	if len(missing) > 0 {
		if err := c.fetchMissing(ctx, desc, cands, missing); err != nil {
			return "", err
		}
	}

	dst := filepath.Join(c.opts.DownloadDir, filepath.Base(desc.Name))
	if err := c.store.WriteFile(desc, dst); err != nil {
		return "", newError(KindIO, "assemble", "", err)
	}

	if _, err := c.tracker.Announce(ctx, infoHash, c.announceRequest(tracker.EventCompleted, 0)); err != nil {
		log.Printf("[swarm] WARNING: completed announce for %s failed: %v", torrent.ShortHash(infoHash), err)
	}
	log.Printf("[swarm] Downloaded %s to %s", desc.Name, dst)
	return dst, nil
}

// findDescriptor prefers a descriptor we already hold, then asks candidates in order.
func (c *Client) findDescriptor(ctx context.Context, infoHash string, cands []tracker.PeerRecord) (*torrent.Descriptor, error) {
	if desc, ok := c.store.Descriptor(infoHash); ok {
		return desc, nil
	}
	for _, p := range cands {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		desc, err := c.FetchDescriptor(ctx, p.Addr(), infoHash)
		if err != nil {
			log.Printf("[swarm] No descriptor from %s: %v", p.Addr(), err)
			continue
		}
		if err := c.store.SaveDescriptor(desc); err != nil {
			return nil, newError(KindIO, "save descriptor", "", err)
		}
		return desc, nil
	}
	return nil, newError(KindAvailability, "torrent", "", ErrFileNotFound)
}

// availability asks every candidate for its part list in parallel. Peers
// that cannot answer are left out.
func (c *Client) availability(ctx context.Context, desc *torrent.Descriptor, cands []tracker.PeerRecord, missing map[string]bool) map[string]map[string]bool {
	lists := make([][]string, len(cands))
	var wg sync.WaitGroup
	for i, p := range cands {
		wg.Add(1)
		go func(i int, addr string) {
			defer wg.Done()
			parts, err := c.PartsAvailable(ctx, addr, desc.InfoHash)
			if err != nil {
				log.Printf("[swarm] Skipping %s: %v", addr, err)
				return
			}
			lists[i] = parts
		}(i, p.Addr())
	}
	wg.Wait()

	offers := make(map[string]map[string]bool)
	for i, parts := range lists {
		for _, id := range parts {
			if !missing[id] {
				continue
			}
			addr := cands[i].Addr()
			if offers[addr] == nil {
				offers[addr] = make(map[string]bool)
			}
			offers[addr][id] = true
		}
	}
	return offers
}

// planPass assigns every missing part that still has an offer to one peer,
// spreading the pass over as many peers as possible.
func planPass(partIDs []string, missing map[string]bool, order []string, offers map[string]map[string]bool) map[string][]string {
	plan := make(map[string][]string)
	load := make(map[string]int)
	for _, id := range partIDs {
		if !missing[id] {
			continue
		}
		best := ""
		for _, addr := range order {
			if !offers[addr][id] {
				continue
			}
			if best == "" || load[addr] < load[best] {
				best = addr
			}
		}
		if best == "" {
			continue
		}
		plan[best] = append(plan[best], id)
		load[best]++
	}
	return plan
}

// fetchMissing runs download passes until nothing is missing or no peer
// offers anything still missing. Only this goroutine touches missing and
// offers; workers report back over results.
func (c *Client) fetchMissing(ctx context.Context, desc *torrent.Descriptor, cands []tracker.PeerRecord, missing map[string]bool) error {
	offers := c.availability(ctx, desc, cands, missing)

	order := make([]string, 0, len(cands))
	for _, p := range cands {
		if len(offers[p.Addr()]) > 0 {
			order = append(order, p.Addr())
		}
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// One worker per peer, each owning its connection
	results := make(chan partResult, desc.NumParts())
	jobs := make(map[string]chan string, len(order))
	var wg sync.WaitGroup
	for _, addr := range order {
		ch := make(chan string, desc.NumParts())
		jobs[addr] = ch
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			c.partWorker(wctx, addr, desc, ch, results)
		}(addr)
	}
	defer func() {
		for _, ch := range jobs {
			close(ch)
		}
		cancel()
		wg.Wait()
	}()

	for pass := 1; len(missing) > 0; pass++ {
		plan := planPass(desc.PartIDs, missing, order, offers)
		if len(plan) == 0 {
			return newError(KindAvailability, "download", "",
				fmt.Errorf("%w: %d of %d parts have no holder left", ErrUndownloadable, len(missing), desc.NumParts()))
		}

		pending := 0
		for addr, ids := range plan {
			for _, id := range ids {
				jobs[addr] <- id
				pending++
			}
		}

		for ; pending > 0; pending-- {
			var r partResult
			select {
			case r = <-results:
			case <-ctx.Done():
				return ctx.Err()
			}
			c.absorb(desc, r, missing, offers)
		}
		log.Printf("[swarm] %s: pass %d done, %d parts missing", torrent.ShortHash(desc.InfoHash), pass, len(missing))
	}
	return nil
}

// absorb applies one worker result. Whatever goes wrong, the offer that
// produced it is withdrawn so the next pass tries another peer.
func (c *Client) absorb(desc *torrent.Descriptor, r partResult, missing map[string]bool, offers map[string]map[string]bool) {
	if r.err == nil {
		want, _ := desc.PartHash(r.partID)
		if torrent.HashBytes(r.data) != want {
			r.err = newError(KindIntegrity, "verify", r.peer, fmt.Errorf("%w: part %s", ErrHashMismatch, r.partID))
		} else if err := c.store.PutPart(desc.InfoHash, r.partID, r.data); err != nil {
			r.err = newError(KindIO, "store", r.peer, err)
		}
	}
	if r.err == nil {
		delete(missing, r.partID)
		return
	}

	log.Printf("[swarm] Part %s from %s failed: %v", r.partID, r.peer, r.err)
	if IsTransport(r.err) {
		delete(offers, r.peer)
		return
	}
	delete(offers[r.peer], r.partID)
}

// partWorker downloads the parts sent on jobs over a single connection.
// After a transport failure every further job fails without dialing again.
// After a refused length the stream is out of step, so the next job redials.
func (c *Client) partWorker(ctx context.Context, addr string, desc *torrent.Descriptor, jobs <-chan string, results chan<- partResult) {
	var s *session
	var dead error
	defer func() {
		if s != nil {
			s.Close()
		}
	}()

	for id := range jobs {
		if dead != nil {
			results <- partResult{peer: addr, partID: id, err: newError(KindTransport, "download", addr, ErrPeerUnavailable)}
			continue
		}
		if s == nil {
			var err error
			if s, err = c.open(ctx, addr); err != nil {
				dead = err
				results <- partResult{peer: addr, partID: id, err: err}
				continue
			}
		}
		data, err := s.download(desc, id)
		switch {
		case IsTransport(err):
			dead = err
			s.Close()
			s = nil
		case IsIntegrity(err):
			s.Close()
			s = nil
		}
		results <- partResult{peer: addr, partID: id, data: data, err: err}
	}
}
