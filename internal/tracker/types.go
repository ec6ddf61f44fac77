package tracker

import (
	"net"
	"strconv"
	"time"
)

// Announce events
const (
	EventNone      = ""
	EventStarted   = "started"
	EventCompleted = "completed"
	EventStopped   = "stopped"
)

// PeerRecord is one peer's entry in a torrent's peer set, keyed by PeerID.
type PeerRecord struct {
	PeerID     string    `json:"peer_id"`
	IP         string    `json:"ip"`
	Port       int       `json:"port"`
	Downloaded int64     `json:"downloaded"`
	Uploaded   int64     `json:"uploaded"`
	Left       int64     `json:"left"`
	Event      string    `json:"event"`
	Parts      []string  `json:"parts,omitempty"` // part ids reported through update
	LastSeen   time.Time `json:"last_seen"`
}

// Addr returns the peer's wire server address.
func (p PeerRecord) Addr() string {
	return net.JoinHostPort(p.IP, strconv.Itoa(p.Port))
}

// Stopped reports whether the peer announced it left the swarm.
func (p PeerRecord) Stopped() bool {
	return p.Event == EventStopped
}

// TrackerFile is the peer set of one torrent. Peers keep first-announce order.
type TrackerFile struct {
	InfoHash string       `json:"info_hash"`
	Peers    []PeerRecord `json:"peers"`
}

// Peer returns the record for peerID.
func (f *TrackerFile) Peer(peerID string) (PeerRecord, bool) {
	for _, p := range f.Peers {
		if p.PeerID == peerID {
			return p, true
		}
	}
	return PeerRecord{}, false
}

// upsert replaces the record with p's peer id or appends p.
func (f *TrackerFile) upsert(p PeerRecord) {
	for i := range f.Peers {
		if f.Peers[i].PeerID == p.PeerID {
			f.Peers[i] = p
			return
		}
	}
	f.Peers = append(f.Peers, p)
}

func (f *TrackerFile) clone() *TrackerFile {
	out := &TrackerFile{InfoHash: f.InfoHash, Peers: make([]PeerRecord, len(f.Peers))}
	for i, p := range f.Peers {
		p.Parts = append([]string(nil), p.Parts...)
		out.Peers[i] = p
	}
	return out
}

// UpdateRequest reports the parts a peer received through an upload.
type UpdateRequest struct {
	InfoHash string   `json:"info_hash"`
	PeerID   string   `json:"peer_id"`
	IP       string   `json:"ip"`
	Port     int      `json:"port"`
	Parts    []string `json:"parts"`
}

// AnnounceOptions shape the returned peer list.
type AnnounceOptions struct {
	NumWant  int  // 0 returns every peer
	NoPeerID bool // blank peer ids in the response
}

// ActiveUser is the last announce seen from a peer, across torrents.
type ActiveUser struct {
	PeerID string    `json:"peer_id"`
	IP     string    `json:"ip"`
	Update time.Time `json:"update"`
}

// Event is published after every registry mutation.
type Event struct {
	Type     string    `json:"type"` // "announce" or "update"
	InfoHash string    `json:"info_hash"`
	PeerID   string    `json:"peer_id"`
	Event    string    `json:"event,omitempty"`
	Peers    int       `json:"peers"`
	Time     time.Time `json:"timestamp"`
}
