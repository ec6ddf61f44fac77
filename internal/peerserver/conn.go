package peerserver

import (
	"errors"
	"io"
	"net"
	"os"
	"sync/atomic"

	"github.com/omnicloud/peerswarm/internal/wire"
)

// connState is the protocol state of one connection.
type connState int

const (
	stateConnected connState = iota
	stateAwaitingCommand
	stateServingMetadata
	stateServingAvailability
	stateServingPart
	stateReceivingUpload
	stateUnpacking
	stateSendingDownload
	stateClosed
)

var stateNames = [...]string{
	"CONNECTED", "AWAITING_COMMAND", "SERVING_METADATA", "SERVING_AVAILABILITY",
	"SERVING_PART", "RECEIVING_UPLOAD", "UNPACKING", "SENDING_DOWNLOAD", "CLOSED",
}

func (s connState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// outbound is one unit of work for a connection's writer: either a control
// frame or a file streamed as data frames.
type outbound struct {
	tag  wire.Tag
	msg  interface{}
	file *os.File
	size int64
}

// peerConn is a connection handle. id, wc and remote are immutable; state
// and out are touched only by the event loop.
type peerConn struct {
	id     uint64
	wc     *wire.Conn
	remote string
	state  connState
	out    chan outbound
	busy   int32 // 1 while the server, not the peer, is expected to act
}

func (c *peerConn) setState(st connState) {
	c.state = st
	busy := int32(0)
	if st == stateSendingDownload || st == stateUnpacking {
		busy = 1
	}
	atomic.StoreInt32(&c.busy, busy)
}

// sessionDirection tells uploads and downloads apart.
type sessionDirection int

const (
	directionUpload sessionDirection = iota
	directionDownload
)

// session is the transfer state owned by one connection.
type session struct {
	direction sessionDirection
	file      *os.File // nil once handed to the writer or the unpacker
	remaining int64
	target    string // staged upload path
	infoHash  string // download only
	partID    string // download only
}

// readLoop decodes frames and hands them to the event loop. It never touches
// loop-owned state.
func (s *Server) readLoop(c *peerConn) {
	for {
		f, err := c.wc.Receive()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && atomic.LoadInt32(&c.busy) == 1 {
				// Idle is expected while we stream to the peer or unpack its upload
				continue
			}
			if errors.Is(err, io.EOF) {
				err = nil
			}
			s.post(event{kind: evClosed, conn: c, err: err})
			return
		}
		atomic.AddInt64(&s.bytesIn, int64(len(f.Payload))+5)
		s.post(event{kind: evFrame, conn: c, frame: f})
	}
}

// writeLoop drains the outbound queue. After a write error it keeps
// draining, releasing files, until the loop closes the queue.
func (s *Server) writeLoop(c *peerConn) {
	failed := false
	for o := range c.out {
		if failed {
			if o.file != nil {
				o.file.Close()
			}
			continue
		}

		var err error
		if o.file != nil {
			err = c.wc.StreamData(o.file, o.size)
			o.file.Close()
			if err == nil {
				atomic.AddInt64(&s.bytesOut, o.size)
				s.post(event{kind: evStreamed, conn: c})
			}
		} else {
			err = c.wc.Send(o.tag, o.msg)
		}
		if err != nil {
			failed = true
			// The reader sees the close and reports the connection gone
			c.wc.Close()
		}
	}
}

// enqueue hands o to the writer without blocking. A full queue means the
// peer is not reading; the caller drops the connection.
func (c *peerConn) enqueue(o outbound) bool {
	select {
	case c.out <- o:
		return true
	default:
		if o.file != nil {
			o.file.Close()
		}
		return false
	}
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
