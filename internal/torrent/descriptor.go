package torrent

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anacrolix/torrent/bencode"
)

// ErrInfoHashMismatch is returned when a descriptor's body does not hash to its info_hash.
var ErrInfoHashMismatch = errors.New("descriptor info_hash does not match its body")

// Descriptor describes one shared file. It is immutable once built and is
// exchanged verbatim between peers.
type Descriptor struct {
	InfoHash    string   `json:"info_hash"`
	Name        string   `json:"name"`
	Extension   string   `json:"extension"`
	TotalLength int64    `json:"total_length"`
	PieceLength int64    `json:"piece_length"`
	Pieces      []string `json:"pieces"`   // index -> sha256 of the chunk
	PartIDs     []string `json:"part_ids"` // index -> random transfer id
	FileHash    string   `json:"file_hash"`
	Announce    string   `json:"announce,omitempty"`
	CreatedAt   int64    `json:"created_at"`
}

// descriptorBody is the canonical part of a descriptor, the input of info_hash.
type descriptorBody struct {
	Name        string   `bencode:"name"`
	Extension   string   `bencode:"extension"`
	TotalLength int64    `bencode:"length"`
	PieceLength int64    `bencode:"piece length"`
	Pieces      []string `bencode:"pieces"`
	PartIDs     []string `bencode:"part ids"`
	FileHash    string   `bencode:"file hash"`
}

func (d *Descriptor) body() descriptorBody {
	return descriptorBody{
		Name:        d.Name,
		Extension:   d.Extension,
		TotalLength: d.TotalLength,
		PieceLength: d.PieceLength,
		Pieces:      d.Pieces,
		PartIDs:     d.PartIDs,
		FileHash:    d.FileHash,
	}
}

// ComputeInfoHash hashes the bencoded descriptor body.
func (d *Descriptor) ComputeInfoHash() (string, error) {
	b, err := bencode.Marshal(d.body())
	if err != nil {
		return "", fmt.Errorf("failed to marshal descriptor body: %w", err)
	}
	return HashBytes(b), nil
}

// Verify checks the descriptor is internally consistent.
func (d *Descriptor) Verify() error {
	if len(d.Pieces) == 0 {
		return fmt.Errorf("descriptor %s has no pieces", d.Name)
	}
	if len(d.Pieces) != len(d.PartIDs) {
		return fmt.Errorf("descriptor %s has %d pieces but %d part ids", d.Name, len(d.Pieces), len(d.PartIDs))
	}
	h, err := d.ComputeInfoHash()
	if err != nil {
		return err
	}
	if h != d.InfoHash {
		return ErrInfoHashMismatch
	}
	return nil
}

// NumParts returns the number of chunks the file was split into.
func (d *Descriptor) NumParts() int {
	return len(d.Pieces)
}

// PartIndex returns the piece index of partID, or -1.
func (d *Descriptor) PartIndex(partID string) int {
	for i, id := range d.PartIDs {
		if id == partID {
			return i
		}
	}
	return -1
}

// ChunkSize returns the byte length of chunk i. Every chunk is PieceLength
// bytes except the last, which absorbs the remainder.
func (d *Descriptor) ChunkSize(i int) int64 {
	if i < len(d.Pieces)-1 {
		return d.PieceLength
	}
	return d.TotalLength - int64(len(d.Pieces)-1)*d.PieceLength
}

// PartHash returns the content hash expected for partID.
func (d *Descriptor) PartHash(partID string) (string, bool) {
	i := d.PartIndex(partID)
	if i < 0 {
		return "", false
	}
	return d.Pieces[i], true
}

// Marshal renders the descriptor as the JSON stored in .torrent files.
func (d *Descriptor) Marshal() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// ParseDescriptor decodes and verifies a JSON descriptor.
func ParseDescriptor(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse descriptor: %w", err)
	}
	if err := d.Verify(); err != nil {
		return nil, err
	}
	return &d, nil
}

// HashBytes returns the hex sha256 of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// NewPartID returns a fresh random transfer id, unrelated to content.
func NewPartID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b[:])
}

// ShortHash abbreviates a hash for log lines.
func ShortHash(h string) string {
	if len(h) <= 12 {
		return h
	}
	return h[:8] + "..." + h[len(h)-4:]
}
