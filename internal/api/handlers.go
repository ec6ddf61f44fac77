package api

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"

	"github.com/omnicloud/peerswarm/internal/tracker"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// CompactResponse is the announce reply when compact_mode=1.
type CompactResponse struct {
	Peers string `json:"peers"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"tracker_id": s.id})
}

// handleAnnounce registers the caller for info_hash and returns the peer set.
func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	peer := tracker.PeerRecord{
		PeerID: q.Get("peer_id"),
		IP:     q.Get("ip"),
		Event:  q.Get("event"),
	}
	if peer.IP == "" {
		peer.IP = clientIP(r)
	}

	var err error
	if peer.Port, err = strconv.Atoi(q.Get("port")); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid port", "port must be an integer")
		return
	}
	for name, dst := range map[string]*int64{
		"downloaded": &peer.Downloaded,
		"uploaded":   &peer.Uploaded,
		"left":       &peer.Left,
	} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		if *dst, err = strconv.ParseInt(v, 10, 64); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid "+name, name+" must be an integer")
			return
		}
	}

	opts := tracker.AnnounceOptions{NoPeerID: flag(q.Get("no_peer_id"))}
	if v := q.Get("numwant"); v != "" {
		if opts.NumWant, err = strconv.Atoi(v); err != nil || opts.NumWant < 0 {
			respondError(w, http.StatusBadRequest, "Invalid numwant", "numwant must be a non-negative integer")
			return
		}
	}

	peers, err := s.registry.Announce(r.Context(), q.Get("info_hash"), peer, opts)
	if err != nil {
		if errors.Is(err, tracker.ErrInvalidAnnounce) {
			respondError(w, http.StatusBadRequest, "Invalid announce", err.Error())
			return
		}
		log.Printf("[api] Announce failed: %v", err)
		respondError(w, http.StatusInternalServerError, "Announce failed", "")
		return
	}

	if flag(q.Get("compact_mode")) || flag(q.Get("compact")) {
		respondJSON(w, http.StatusOK, CompactResponse{Peers: base64.StdEncoding.EncodeToString(compactPeers(peers))})
		return
	}
	respondJSON(w, http.StatusOK, peers)
}

// compactPeers packs each IPv4 peer as 4 address bytes and a big-endian port.
// Peers without an IPv4 address have no compact form and are left out.
func compactPeers(peers []tracker.PeerRecord) []byte {
	out := make([]byte, 0, 6*len(peers))
	for _, p := range peers {
		ip := net.ParseIP(p.IP).To4()
		if ip == nil {
			continue
		}
		out = append(out, ip...)
		out = binary.BigEndian.AppendUint16(out, uint16(p.Port))
	}
	return out
}

// handleScrape returns every torrent, or one when info_hash is given.
func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	if hash := r.URL.Query().Get("info_hash"); hash != "" {
		f, err := s.registry.ScrapeOne(r.Context(), hash)
		if err != nil {
			log.Printf("[api] Scrape of %s failed: %v", hash, err)
			respondError(w, http.StatusInternalServerError, "Scrape failed", "")
			return
		}
		respondJSON(w, http.StatusOK, f)
		return
	}

	files, err := s.registry.Scrape(r.Context())
	if err != nil {
		log.Printf("[api] Scrape failed: %v", err)
		respondError(w, http.StatusInternalServerError, "Scrape failed", "")
		return
	}
	if files == nil {
		files = []tracker.TrackerFile{}
	}
	respondJSON(w, http.StatusOK, files)
}

// handleUpdate records the parts a peer received from an upload.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req tracker.UpdateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if err := s.registry.Update(r.Context(), req); err != nil {
		if errors.Is(err, tracker.ErrInvalidAnnounce) {
			respondError(w, http.StatusBadRequest, "Invalid update", err.Error())
			return
		}
		log.Printf("[api] Update failed: %v", err)
		respondError(w, http.StatusInternalServerError, "Update failed", "")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func flag(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondJSON(w, status, ErrorResponse{
		Error:   error,
		Message: message,
	})
}
