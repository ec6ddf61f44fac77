// Package store keeps a node's chunks and known torrent descriptors on disk.
//
// Layout:
//
//	<dataDir>/<info_hash>/<part_id>.bin
//	<dataDir>/<info_hash>/metadata.json
//	<torrentDir>/<name>.torrent
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/omnicloud/peerswarm/internal/torrent"
)

// ErrPartNotFound is returned when a chunk is not held locally.
var ErrPartNotFound = errors.New("part not found")

// ErrBadName is returned for ids that are not safe path components.
var ErrBadName = errors.New("invalid identifier")

const (
	partSuffix       = ".bin"
	descriptorSuffix = ".torrent"
)

// Store is safe for concurrent use. Chunk files are written atomically and
// never removed by a failed transfer.
type Store struct {
	dataDir    string
	torrentDir string

	mu          sync.RWMutex
	descriptors map[string]*torrent.Descriptor // key: info_hash
}

// Open creates the directories if needed and indexes the descriptors on disk.
func Open(dataDir, torrentDir string) (*Store, error) {
	for _, dir := range []string{dataDir, torrentDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	s := &Store{
		dataDir:     dataDir,
		torrentDir:  torrentDir,
		descriptors: make(map[string]*torrent.Descriptor),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// DataDir returns the chunk root.
func (s *Store) DataDir() string { return s.dataDir }

// TorrentDir returns the descriptor directory.
func (s *Store) TorrentDir() string { return s.torrentDir }

// validName accepts hex hashes, uuids and similar ids.
func validName(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

func (s *Store) partPath(infoHash, partID string) (string, error) {
	if !validName(infoHash) || !validName(partID) {
		return "", fmt.Errorf("%w: %q/%q", ErrBadName, infoHash, partID)
	}
	return filepath.Join(s.dataDir, infoHash, partID+partSuffix), nil
}

// PutPart stores a chunk under (infoHash, partID).
func (s *Store) PutPart(infoHash, partID string, data []byte) error {
	p, err := s.partPath(infoHash, partID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}
	return writeAtomic(p, data)
}

// GetPart reads a chunk.
func (s *Store) GetPart(infoHash, partID string) ([]byte, error) {
	p, err := s.partPath(infoHash, partID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, ErrPartNotFound
	}
	return data, err
}

// OpenPart opens a chunk for streaming and returns its size.
func (s *Store) OpenPart(infoHash, partID string) (*os.File, int64, error) {
	p, err := s.partPath(infoHash, partID)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, 0, ErrPartNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// HasPart reports whether the chunk file exists.
func (s *Store) HasPart(infoHash, partID string) bool {
	p, err := s.partPath(infoHash, partID)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// Parts lists the part ids held for infoHash. Unknown torrents yield an empty list.
func (s *Store) Parts(infoHash string) ([]string, error) {
	if !validName(infoHash) {
		return nil, fmt.Errorf("%w: %q", ErrBadName, infoHash)
	}
	entries, err := os.ReadDir(filepath.Join(s.dataDir, infoHash))
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, partSuffix) {
			continue
		}
		parts = append(parts, strings.TrimSuffix(name, partSuffix))
	}
	sort.Strings(parts)
	return parts, nil
}

// VerifiedParts returns the part ids of desc held locally whose bytes match
// the descriptor's content hash.
func (s *Store) VerifiedParts(desc *torrent.Descriptor) map[string]bool {
	held := make(map[string]bool)
	for i, id := range desc.PartIDs {
		data, err := s.GetPart(desc.InfoHash, id)
		if err != nil {
			continue
		}
		if torrent.HashBytes(data) == desc.Pieces[i] {
			held[id] = true
		}
	}
	return held
}

// SaveDescriptor persists desc as <torrentDir>/<name>.torrent and indexes it.
func (s *Store) SaveDescriptor(desc *torrent.Descriptor) error {
	if err := desc.Verify(); err != nil {
		return err
	}
	data, err := desc.Marshal()
	if err != nil {
		return err
	}
	name := filepath.Base(desc.Name)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = desc.InfoHash
	}
	if err := writeAtomic(filepath.Join(s.torrentDir, name+descriptorSuffix), data); err != nil {
		return err
	}

	s.mu.Lock()
	s.descriptors[desc.InfoHash] = desc
	s.mu.Unlock()
	return nil
}

// Descriptor looks up a known descriptor by info_hash.
func (s *Store) Descriptor(infoHash string) (*torrent.Descriptor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.descriptors[infoHash]
	return d, ok
}

// Descriptors returns every known descriptor ordered by name.
func (s *Store) Descriptors() []*torrent.Descriptor {
	s.mu.RLock()
	out := make([]*torrent.Descriptor, 0, len(s.descriptors))
	for _, d := range s.descriptors {
		out = append(out, d)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reload rebuilds the descriptor index from the torrent directory. Files
// that fail to parse or verify are skipped.
func (s *Store) Reload() error {
	entries, err := os.ReadDir(s.torrentDir)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", s.torrentDir, err)
	}
	index := make(map[string]*torrent.Descriptor)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), descriptorSuffix) {
			continue
		}
		path := filepath.Join(s.torrentDir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("[store] Skipping %s: %v", path, err)
			continue
		}
		d, err := torrent.ParseDescriptor(data)
		if err != nil {
			log.Printf("[store] Skipping %s: %v", path, err)
			continue
		}
		index[d.InfoHash] = d
	}

	s.mu.Lock()
	s.descriptors = index
	s.mu.Unlock()
	return nil
}

// UnpackBundle extracts an uploaded bundle into <dataDir>/<info_hash>/.
// Chunks are staged first and moved into place only after the whole archive
// parsed and every chunk matched the hash its metadata lists, so a truncated
// or tampered upload leaves nothing behind.
func (s *Store) UnpackBundle(r io.Reader) (*torrent.BundleMetadata, error) {
	staging, err := os.MkdirTemp(s.dataDir, ".unpack-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(staging)

	var staged []string
	sums := make(map[string]string)
	meta, desc, err := torrent.ReadBundle(r, func(partID string, data io.Reader) error {
		if !validName(partID) {
			return fmt.Errorf("%w: part %q", ErrBadName, partID)
		}
		f, err := os.Create(filepath.Join(staging, partID+partSuffix))
		if err != nil {
			return err
		}
		h := sha256.New()
		_, err = io.Copy(io.MultiWriter(f, h), data)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		staged = append(staged, partID)
		sums[partID] = hex.EncodeToString(h.Sum(nil))
		return err
	})
	if err != nil {
		return nil, err
	}
	if !validName(meta.InfoHash) {
		return nil, fmt.Errorf("%w: info_hash %q", ErrBadName, meta.InfoHash)
	}
	if err := checkStaged(meta, desc, sums); err != nil {
		return nil, err
	}

	dir := filepath.Join(s.dataDir, meta.InfoHash)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	for _, id := range staged {
		if err := os.Rename(filepath.Join(staging, id+partSuffix), filepath.Join(dir, id+partSuffix)); err != nil {
			return nil, err
		}
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	if err := writeAtomic(filepath.Join(dir, torrent.MetadataFile), metaBytes); err != nil {
		return nil, err
	}
	if desc != nil {
		if err := s.SaveDescriptor(desc); err != nil {
			return nil, err
		}
	}

	log.Printf("[store] Unpacked %d parts of %s into %s", len(staged), torrent.ShortHash(meta.InfoHash), dir)
	return meta, nil
}

// checkStaged requires every staged chunk to be listed in meta with its
// content hash, and meta to agree with desc when the bundle carries one.
func checkStaged(meta *torrent.BundleMetadata, desc *torrent.Descriptor, sums map[string]string) error {
	for id, sum := range sums {
		want, ok := meta.Parts[id]
		if !ok {
			return fmt.Errorf("%w: part %s is not listed in %s", torrent.ErrBadBundle, id, torrent.MetadataFile)
		}
		if desc != nil {
			if h, ok := desc.PartHash(id); !ok || h != want {
				return fmt.Errorf("%w: part %s does not match the descriptor", torrent.ErrBadBundle, id)
			}
		}
		if sum != want {
			return fmt.Errorf("%w: part %s hashes to %s, metadata lists %s", torrent.ErrBadBundle, id, torrent.ShortHash(sum), torrent.ShortHash(want))
		}
	}
	return nil
}

// WriteFile reassembles a complete torrent into dst.
func (s *Store) WriteFile(desc *torrent.Descriptor, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".assemble-")
	if err != nil {
		return err
	}
	err = torrent.Reassemble(desc, func(i int) ([]byte, error) {
		return s.GetPart(desc.InfoHash, desc.PartIDs[i])
	}, tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// writeAtomic writes data next to path and renames it into place.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-")
	if err != nil {
		return err
	}
	_, err = tmp.Write(data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
