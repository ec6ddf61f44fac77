package torrent

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Encoder splits files into redundant per-peer bundles.
type Encoder struct {
	workersNum int
	outputDir  string
	announce   string
}

// Result is the outcome of one encoding.
type Result struct {
	Descriptor *Descriptor
	Bundles    []*Bundle
	Chunks     [][]byte // index -> chunk bytes, for seeding the encoding node
}

// NewEncoder creates an encoder. An empty outputDir means a fresh temp directory per encoding.
func NewEncoder(workers int, outputDir, announce string) *Encoder {
	if workers <= 0 {
		workers = 4
	}
	return &Encoder{
		workersNum: workers,
		outputDir:  outputDir,
		announce:   announce,
	}
}

// Encode splits the file at path into n chunks and writes one bundle per
// peer, each holding a circular window of R = n-m+1 chunks.
func (e *Encoder) Encode(ctx context.Context, path string, n, m int) (*Result, error) {
	if err := checkParams(n, m); err != nil {
		return nil, err
	}
	if !Recoverable(n, m) {
		log.Printf("[encoder] WARNING: N=%d < 2M=%d, losing %d peers can remove every holder of a chunk", n, 2*m, m)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &IOError{Path: path, Err: err}
	}

	chunks := SplitEven(data, n)
	hashes, err := e.hashChunks(ctx, chunks)
	if err != nil {
		return nil, err
	}

	partIDs := make([]string, n)
	for i := range partIDs {
		partIDs[i] = NewPartID()
	}

	name := filepath.Base(path)
	desc := &Descriptor{
		Name:        name,
		Extension:   strings.TrimPrefix(filepath.Ext(name), "."),
		TotalLength: int64(len(data)),
		PieceLength: int64(len(data) / n),
		Pieces:      hashes,
		PartIDs:     partIDs,
		FileHash:    HashBytes(data),
		Announce:    e.announce,
		CreatedAt:   time.Now().Unix(),
	}
	if desc.InfoHash, err = desc.ComputeInfoHash(); err != nil {
		return nil, err
	}

	assignment, err := Assign(n, m)
	if err != nil {
		return nil, err
	}

	outDir := e.outputDir
	if outDir == "" {
		if outDir, err = os.MkdirTemp("", "peerswarm-bundles-"); err != nil {
			return nil, &IOError{Path: os.TempDir(), Err: err}
		}
	} else if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, &IOError{Path: outDir, Err: err}
	}

	res := &Result{Descriptor: desc, Chunks: chunks}
	for i, indexes := range assignment {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dst := filepath.Join(outDir, fmt.Sprintf("%s-%d", name, i))
		b, err := writeBundle(dst, desc, chunks, indexes)
		if err != nil {
			return nil, err
		}
		b.PeerIndex = i
		res.Bundles = append(res.Bundles, b)
	}

	log.Printf("[encoder] Encoded %s: %d bytes, N=%d M=%d R=%d, info_hash=%s",
		name, len(data), n, m, RedundancyFactor(n, m), ShortHash(desc.InfoHash))
	return res, nil
}

// chunkJob is a chunk waiting to be hashed
type chunkJob struct {
	index int
	data  []byte
}

// hashChunks hashes chunks in parallel with a bounded worker pool.
func (e *Encoder) hashChunks(ctx context.Context, chunks [][]byte) ([]string, error) {
	results := make([]string, len(chunks))

	numWorkers := e.workersNum
	if numWorkers > len(chunks) {
		numWorkers = len(chunks)
	}

	jobs := make(chan chunkJob, numWorkers*2)
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				// Each index is written by exactly one worker
				results[job.index] = HashBytes(job.data)
			}
		}()
	}

	var err error
	for i, c := range chunks {
		if err = ctx.Err(); err != nil {
			break
		}
		jobs <- chunkJob{index: i, data: c}
	}
	close(jobs)
	wg.Wait()

	if err != nil {
		return nil, err
	}
	return results, nil
}

// PartReader loads the bytes of piece i.
type PartReader func(i int) ([]byte, error)

// Reassemble writes the pieces of desc to w in piece order, checking every
// chunk hash and the whole-file hash.
func Reassemble(desc *Descriptor, read PartReader, w io.Writer) error {
	fileHash := sha256.New()
	out := io.MultiWriter(w, fileHash)

	for i, want := range desc.Pieces {
		data, err := read(i)
		if err != nil {
			return fmt.Errorf("failed to read part %d: %w", i, err)
		}
		if got := HashBytes(data); got != want {
			return fmt.Errorf("part %d hash mismatch: got %s want %s", i, ShortHash(got), ShortHash(want))
		}
		if _, err := io.Copy(out, bytes.NewReader(data)); err != nil {
			return fmt.Errorf("failed to write part %d: %w", i, err)
		}
	}

	if got := hexSum(fileHash); got != desc.FileHash {
		return fmt.Errorf("file hash mismatch: got %s want %s", ShortHash(got), ShortHash(desc.FileHash))
	}
	return nil
}

func hexSum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}
