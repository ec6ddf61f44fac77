package peerserver

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Journal events.
const (
	journalListen      = "listen"
	journalUploadBegin = "upload_begin"
	journalUploadDone  = "upload_stored"
	journalUploadFail  = "upload_failed"
	journalDownload    = "download_sent"
	journalDiscard     = "session_discarded"
	journalShutdown    = "shutdown"
)

// transferRecord is one line of the transfer journal.
type transferRecord struct {
	Time     time.Time `json:"time"`
	Event    string    `json:"event"`
	Conn     uint64    `json:"conn,omitempty"`
	Remote   string    `json:"remote,omitempty"`
	State    string    `json:"state,omitempty"`
	InfoHash string    `json:"info_hash,omitempty"`
	PartID   string    `json:"part_id,omitempty"`
	Bytes    int64     `json:"bytes,omitempty"`
	Parts    int       `json:"parts,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// journal appends one JSON line per transfer to a file of its own, so a
// node's transfer history can be replayed without the main log. A nil
// journal records nothing.
type journal struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

func openJournal(path string) (*journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &journal{file: f, enc: json.NewEncoder(f)}, nil
}

func (j *journal) record(rec transferRecord) {
	if j == nil {
		return
	}
	rec.Time = time.Now().UTC()
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.enc == nil {
		return
	}
	if err := j.enc.Encode(rec); err != nil {
		log.Printf("[peer-server] WARNING: journal write failed: %v", err)
	}
}

func (j *journal) close() {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file != nil {
		j.file.Close()
		j.file, j.enc = nil, nil
	}
}

// logConn logs a line tagged with c's id, address and state, and journals
// rec for c when rec.Event is set.
func (s *Server) logConn(c *peerConn, rec transferRecord, format string, args ...interface{}) {
	log.Printf("[peer-server] conn=%d remote=%s state=%s %s", c.id, c.remote, c.state, fmt.Sprintf(format, args...))
	if rec.Event == "" {
		return
	}
	rec.Conn, rec.Remote, rec.State = c.id, c.remote, c.state.String()
	s.journal.record(rec)
}
