package torrent

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"
)

// Archive member names
const (
	MetadataFile   = "metadata.json"
	DescriptorFile = "descriptor.torrent"
	PartSuffix     = ".bin"
)

// ErrBadBundle is returned when an archive is missing its metadata or carries unexpected members.
var ErrBadBundle = errors.New("malformed bundle")

// BundleMetadata travels inside each bundle next to its chunks.
type BundleMetadata struct {
	Name       string            `json:"file_name"`
	Extension  string            `json:"file_extension"`
	TotalParts int               `json:"total_parts"`
	InfoHash   string            `json:"info_hash"`
	Parts      map[string]string `json:"parts"` // part_id -> content hash
}

// Bundle is one peer's archive on local disk.
type Bundle struct {
	PeerIndex int
	Path      string
	Size      int64
	PartIDs   []string
	Metadata  BundleMetadata
}

// writeBundle packs the chunks at indexes into a tar archive at dst.
func writeBundle(dst string, desc *Descriptor, chunks [][]byte, indexes []int) (*Bundle, error) {
	meta := BundleMetadata{
		Name:       desc.Name,
		Extension:  desc.Extension,
		TotalParts: desc.NumParts(),
		InfoHash:   desc.InfoHash,
		Parts:      make(map[string]string, len(indexes)),
	}
	partIDs := make([]string, 0, len(indexes))
	for _, idx := range indexes {
		id := desc.PartIDs[idx]
		meta.Parts[id] = desc.Pieces[idx]
		partIDs = append(partIDs, id)
	}

	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bundle metadata: %w", err)
	}
	descBytes, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal descriptor: %w", err)
	}

	f, err := os.Create(dst)
	if err != nil {
		return nil, &IOError{Path: dst, Err: err}
	}
	tw := tar.NewWriter(f)
	now := time.Now()

	add := func(name string, data []byte) error {
		hdr := &tar.Header{
			Name:    name,
			Mode:    0644,
			Size:    int64(len(data)),
			ModTime: now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		_, err := tw.Write(data)
		return err
	}

	// Metadata first so readers learn the info_hash before any chunk
	err = add(MetadataFile, metaBytes)
	if err == nil {
		err = add(DescriptorFile, descBytes)
	}
	for _, idx := range indexes {
		if err != nil {
			break
		}
		err = add(desc.PartIDs[idx]+PartSuffix, chunks[idx])
	}
	if err == nil {
		err = tw.Close()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return nil, &IOError{Path: dst, Err: err}
	}

	info, err := os.Stat(dst)
	if err != nil {
		return nil, &IOError{Path: dst, Err: err}
	}
	return &Bundle{Path: dst, Size: info.Size(), PartIDs: partIDs, Metadata: meta}, nil
}

// PartVisitor receives each chunk member of a bundle. data is only valid during the call.
type PartVisitor func(partID string, data io.Reader) error

// ReadBundle walks a bundle archive, passing chunks to visit and returning
// the metadata and the embedded descriptor (nil when absent).
func ReadBundle(r io.Reader, visit PartVisitor) (*BundleMetadata, *Descriptor, error) {
	tr := tar.NewReader(r)
	var meta *BundleMetadata
	var desc *Descriptor

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrBadBundle, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := path.Clean(hdr.Name)
		if strings.Contains(name, "/") || strings.HasPrefix(name, ".") {
			return nil, nil, fmt.Errorf("%w: unexpected member %q", ErrBadBundle, hdr.Name)
		}

		switch {
		case name == MetadataFile:
			var m BundleMetadata
			if err := json.NewDecoder(tr).Decode(&m); err != nil {
				return nil, nil, fmt.Errorf("%w: metadata: %v", ErrBadBundle, err)
			}
			meta = &m
		case name == DescriptorFile:
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: descriptor: %v", ErrBadBundle, err)
			}
			d, err := ParseDescriptor(data)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: %v", ErrBadBundle, err)
			}
			desc = d
		case strings.HasSuffix(name, PartSuffix):
			if err := visit(strings.TrimSuffix(name, PartSuffix), tr); err != nil {
				return nil, nil, err
			}
		default:
			return nil, nil, fmt.Errorf("%w: unexpected member %q", ErrBadBundle, hdr.Name)
		}
	}

	if meta == nil {
		return nil, nil, fmt.Errorf("%w: missing %s", ErrBadBundle, MetadataFile)
	}
	if desc != nil && meta.InfoHash != "" && desc.InfoHash != meta.InfoHash {
		return nil, nil, fmt.Errorf("%w: metadata names %s but descriptor is %s", ErrBadBundle, meta.InfoHash, desc.InfoHash)
	}
	if meta.InfoHash == "" && desc != nil {
		meta.InfoHash = desc.InfoHash
	}
	return meta, desc, nil
}
