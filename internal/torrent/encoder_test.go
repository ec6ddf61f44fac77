package torrent

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestSplitEven(t *testing.T) {
	data := []byte("abcdefghijk") // 11 bytes
	chunks := SplitEven(data, 3)
	want := []string{"abc", "def", "ghijk"}
	for i, c := range chunks {
		if string(c) != want[i] {
			t.Errorf("chunk %d = %q, want %q", i, c, want[i])
		}
	}

	small := SplitEven([]byte("ab"), 4)
	if len(small) != 4 || len(small[0]) != 0 || string(small[3]) != "ab" {
		t.Errorf("short input split = %q", small)
	}
}

func TestAssignCircularWindow(t *testing.T) {
	got, err := Assign(4, 2)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	want := [][]int{{0, 1, 2}, {1, 2, 3}, {2, 3, 0}, {3, 0, 1}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Assign(4,2) = %v, want %v", got, want)
	}
}

func TestEveryChunkHasRHolders(t *testing.T) {
	for n := 1; n <= 7; n++ {
		for m := 0; m < n; m++ {
			r := RedundancyFactor(n, m)
			if r > n {
				r = n
			}
			for c := 0; c < n; c++ {
				if h := Holders(n, m, c); len(h) != r {
					t.Errorf("N=%d M=%d chunk %d has %d holders, want %d", n, m, c, len(h), r)
				}
			}
		}
	}
}

func TestAssignRejectsBadParameters(t *testing.T) {
	for _, p := range [][2]int{{0, 0}, {-1, 0}, {3, 3}, {3, 4}, {3, -1}} {
		if _, err := Assign(p[0], p[1]); !errors.Is(err, ErrInvalidParameter) {
			t.Errorf("Assign(%d,%d) err = %v, want ErrInvalidParameter", p[0], p[1], err)
		}
	}
}

func TestLostChunks(t *testing.T) {
	// N >= 2M survives any M losses
	if lost := LostChunks(5, 1, []int{2}); len(lost) != 0 {
		t.Errorf("N=5 M=1 lost %v", lost)
	}
	if lost := LostChunks(4, 2, []int{0, 1}); len(lost) != 0 {
		t.Errorf("N=4 M=2 minus {0,1} lost %v", lost)
	}
	// N < 2M: chunk 0 lives only on peers 0 and 2
	if lost := LostChunks(3, 2, []int{0, 2}); !reflect.DeepEqual(lost, []int{0}) {
		t.Errorf("N=3 M=2 minus {0,2} lost %v, want [0]", lost)
	}
	if Recoverable(3, 2) || !Recoverable(4, 2) {
		t.Errorf("Recoverable boundary wrong")
	}
}

func writeSource(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return path
}

func TestEncodeBundlesAndReassemble(t *testing.T) {
	data := bytes.Repeat([]byte("peerswarm-"), 1234)
	src := writeSource(t, "notes.txt", data)

	enc := NewEncoder(2, filepath.Join(t.TempDir(), "out"), "http://tracker")
	res, err := enc.Encode(context.Background(), src, 5, 1)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	desc := res.Descriptor
	if err := desc.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if desc.Name != "notes.txt" || desc.Extension != "txt" {
		t.Errorf("name/extension = %q/%q", desc.Name, desc.Extension)
	}
	if len(res.Bundles) != 5 {
		t.Fatalf("got %d bundles", len(res.Bundles))
	}

	// Unpack every bundle and make sure the chunks agree with the descriptor
	parts := map[string][]byte{}
	for _, b := range res.Bundles {
		if len(b.PartIDs) != 5 {
			t.Errorf("bundle %d holds %d parts, want R=5", b.PeerIndex, len(b.PartIDs))
		}
		f, err := os.Open(b.Path)
		if err != nil {
			t.Fatalf("open bundle: %v", err)
		}
		meta, embedded, err := ReadBundle(f, func(partID string, r io.Reader) error {
			body, err := io.ReadAll(r)
			if err != nil {
				return err
			}
			parts[partID] = body
			return nil
		})
		f.Close()
		if err != nil {
			t.Fatalf("ReadBundle %d: %v", b.PeerIndex, err)
		}
		if meta.InfoHash != desc.InfoHash || meta.TotalParts != 5 || len(meta.Parts) != 5 {
			t.Errorf("bundle %d metadata = %+v", b.PeerIndex, meta)
		}
		if embedded == nil || embedded.InfoHash != desc.InfoHash {
			t.Errorf("bundle %d descriptor missing or wrong", b.PeerIndex)
		}
	}

	var out bytes.Buffer
	err = Reassemble(desc, func(i int) ([]byte, error) {
		return parts[desc.PartIDs[i]], nil
	}, &out)
	if err != nil {
		t.Fatalf("Reassemble: %v", err)
	}
	if !bytes.Equal(out.Bytes(), data) {
		t.Fatalf("reassembled file differs from source")
	}
}

func TestReassembleRejectsCorruptChunk(t *testing.T) {
	src := writeSource(t, "a.bin", bytes.Repeat([]byte{7}, 300))
	res, err := NewEncoder(1, "", "").Encode(context.Background(), src, 3, 0)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	bad := append([]byte(nil), res.Chunks[1]...)
	bad[0] ^= 0xff
	err = Reassemble(res.Descriptor, func(i int) ([]byte, error) {
		if i == 1 {
			return bad, nil
		}
		return res.Chunks[i], nil
	}, io.Discard)
	if err == nil {
		t.Fatalf("expected hash mismatch")
	}
}

func TestEncodeErrors(t *testing.T) {
	enc := NewEncoder(1, "", "")
	var ioErr *IOError
	if _, err := enc.Encode(context.Background(), filepath.Join(t.TempDir(), "missing"), 3, 1); !errors.As(err, &ioErr) {
		t.Errorf("missing file err = %v, want *IOError", err)
	}
	src := writeSource(t, "x", []byte("x"))
	if _, err := enc.Encode(context.Background(), src, 2, 2); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("M=N err = %v, want ErrInvalidParameter", err)
	}
}

func TestDescriptorTamperDetected(t *testing.T) {
	src := writeSource(t, "doc.pdf", []byte("some document body"))
	res, err := NewEncoder(1, "", "").Encode(context.Background(), src, 2, 1)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	raw, err := res.Descriptor.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := ParseDescriptor(raw); err != nil {
		t.Fatalf("ParseDescriptor: %v", err)
	}

	tampered := *res.Descriptor
	tampered.TotalLength++
	if err := tampered.Verify(); !errors.Is(err, ErrInfoHashMismatch) {
		t.Errorf("Verify on tampered descriptor = %v", err)
	}

	// Announce and CreatedAt are outside the hashed body
	moved := *res.Descriptor
	moved.Announce = "http://elsewhere"
	moved.CreatedAt = 1
	if err := moved.Verify(); err != nil {
		t.Errorf("Verify after changing announce: %v", err)
	}
}
