package torrent

import (
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidParameter is returned for a peer count or failure tolerance outside 0 <= M < N.
var ErrInvalidParameter = errors.New("invalid encoding parameter")

// IOError reports a source file that could not be read or a bundle that could not be written.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("io error on %s: %v", e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func checkParams(n, m int) error {
	if n <= 0 {
		return fmt.Errorf("%w: peer count %d must be positive", ErrInvalidParameter, n)
	}
	if m < 0 || m >= n {
		return fmt.Errorf("%w: failure tolerance %d must satisfy 0 <= M < %d", ErrInvalidParameter, m, n)
	}
	return nil
}

// RedundancyFactor returns R = N - M + 1, the number of peers holding each chunk.
func RedundancyFactor(n, m int) int {
	return n - m + 1
}

// SplitEven cuts data into n contiguous chunks of len/n bytes; the last
// chunk absorbs the remainder. Inputs shorter than n yield empty chunks.
func SplitEven(data []byte, n int) [][]byte {
	size := len(data) / n
	chunks := make([][]byte, n)
	for i := 0; i < n; i++ {
		start := i * size
		end := start + size
		if i == n-1 {
			end = len(data)
		}
		chunks[i] = data[start:end]
	}
	return chunks
}

// Assign returns, for each peer i, the chunk indexes (i+j) mod n for j in [0, R).
func Assign(n, m int) ([][]int, error) {
	if err := checkParams(n, m); err != nil {
		return nil, err
	}
	r := RedundancyFactor(n, m)
	if r > n {
		r = n
	}
	out := make([][]int, n)
	for i := 0; i < n; i++ {
		out[i] = make([]int, r)
		for j := 0; j < r; j++ {
			out[i][j] = (i + j) % n
		}
	}
	return out, nil
}

// Holders returns the peers that receive chunk c, in ascending order.
func Holders(n, m, c int) []int {
	assignment, err := Assign(n, m)
	if err != nil {
		return nil
	}
	var holders []int
	for peer, chunks := range assignment {
		for _, idx := range chunks {
			if idx == c {
				holders = append(holders, peer)
				break
			}
		}
	}
	return holders
}

// LostChunks returns the chunks with no surviving holder once the given
// peers are gone.
func LostChunks(n, m int, gone []int) []int {
	down := make(map[int]bool, len(gone))
	for _, p := range gone {
		down[p] = true
	}
	var lost []int
	for c := 0; c < n; c++ {
		alive := false
		for _, p := range Holders(n, m, c) {
			if !down[p] {
				alive = true
				break
			}
		}
		if !alive {
			lost = append(lost, c)
		}
	}
	sort.Ints(lost)
	return lost
}

// Recoverable reports whether the circular assignment is guaranteed to survive
// any M lost peers. Below N >= 2M a chunk can lose every holder; Encode warns
// and proceeds in that case.
func Recoverable(n, m int) bool {
	return n >= 2*m
}
