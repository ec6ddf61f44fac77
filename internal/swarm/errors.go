package swarm

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/omnicloud/peerswarm/internal/torrent"
	"github.com/omnicloud/peerswarm/internal/trackerclient"
)

// Kind classifies swarm failures by how a caller recovers from them.
type Kind int

const (
	KindUnknown      Kind = iota
	KindTransport         // peer unreachable or connection broken; skip the peer
	KindIntegrity         // bytes failed verification; retry elsewhere
	KindAvailability      // terminal for the operation
	KindAuth              // tracker rejected our credentials
	KindParameter         // caller error
	KindIO                // local disk
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindIntegrity:
		return "integrity"
	case KindAvailability:
		return "availability"
	case KindAuth:
		return "auth"
	case KindParameter:
		return "parameter"
	case KindIO:
		return "io"
	}
	return "unknown"
}

var (
	ErrFileNotFound    = errors.New("file not found in the swarm")
	ErrNoHolders       = errors.New("no other peer holds the file")
	ErrUndownloadable  = errors.New("file is undownloadable")
	ErrHashMismatch    = errors.New("chunk hash mismatch")
	ErrLengthMismatch  = errors.New("announced length does not match the chunk")
	ErrPartAbsent      = errors.New("peer does not hold the part")
	ErrRefused         = errors.New("peer refused the upload")
	ErrNotEnoughPeers  = errors.New("not enough live peers")
	ErrPeerUnavailable = errors.New("peer dropped earlier in this download")
	ErrNoListener      = errors.New("peer server is not listening")
)

// Error is a classified swarm failure.
type Error struct {
	Kind Kind
	Op   string
	Peer string // empty when no single peer is involved
	Err  error
}

func (e *Error) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("%s %s (%s): %v", e.Op, e.Peer, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op, peer string, err error) *Error {
	return &Error{Kind: kind, Op: op, Peer: peer, Err: err}
}

// trackerError classifies a failed tracker call. A 4xx reply is a rejection
// that retrying will not change; anything else is treated as transport.
func trackerError(op string, err error) *Error {
	var se *trackerclient.StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden:
			return newError(KindAuth, op, "", err)
		case se.Code >= 400 && se.Code < 500:
			return newError(KindParameter, op, "", err)
		}
	}
	return newError(KindTransport, op, "", err)
}

// KindOf returns the classification of err.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	var ioErr *torrent.IOError
	switch {
	case errors.Is(err, torrent.ErrInvalidParameter):
		return KindParameter
	case errors.As(err, &ioErr):
		return KindIO
	}
	return KindUnknown
}

func IsTransport(err error) bool    { return KindOf(err) == KindTransport }
func IsAvailability(err error) bool { return KindOf(err) == KindAvailability }
func IsIntegrity(err error) bool    { return KindOf(err) == KindIntegrity }
func IsParameter(err error) bool    { return KindOf(err) == KindParameter }
