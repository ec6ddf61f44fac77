// Package peerserver answers other peers' requests for descriptors, chunk
// lists, chunk bytes and bundle uploads.
//
// One goroutine, the event loop, owns the connection set, every session and
// the known-peers table. Per-connection reader and writer goroutines only move
// frames, so the loop never waits on a single peer.
package peerserver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/omnicloud/peerswarm/internal/store"
	"github.com/omnicloud/peerswarm/internal/torrent"
	"github.com/omnicloud/peerswarm/internal/wire"
	"golang.org/x/net/netutil"
)

const (
	DefaultMaxConns      = 128
	DefaultIdleTimeout   = 2 * time.Minute
	DefaultMaxUploadSize = 8 << 30
	outboundQueueSize    = 16
)

// Options configures a Server.
type Options struct {
	Addr          string        // listen address, ":0" picks a free port
	MaxConns      int           // concurrent connections accepted
	IdleTimeout   time.Duration // per read and write
	MaxUploadSize int64
	JournalPath   string // JSON-lines transfer journal, empty disables it
}

// KnownPeer is a peer that introduced itself with a peerinfo message.
type KnownPeer struct {
	PeerID   string
	IP       string
	Port     int
	LastSeen time.Time
}

// Stats is a point-in-time view of server counters.
type Stats struct {
	ActiveConns int64
	TotalConns  int64
	BytesIn     int64
	BytesOut    int64
}

type eventKind int

const (
	evAccepted eventKind = iota
	evFrame
	evClosed
	evStreamed
	evUnpacked
)

type event struct {
	kind  eventKind
	conn  *peerConn
	frame wire.Frame
	err   error
	meta  *torrent.BundleMetadata
}

// Server is the peer wire server.
type Server struct {
	opts     Options
	store    *store.Store
	listener net.Listener
	journal  *journal

	events    chan event
	knownReqs chan chan []KnownPeer
	done      chan struct{}
	doneOnce  sync.Once

	// Owned by the event loop
	conns    map[uint64]*peerConn
	sessions map[uint64]*session
	known    map[string]KnownPeer

	nextID      uint64
	activeConns int64
	totalConns  int64
	bytesIn     int64
	bytesOut    int64
}

// New creates a server backed by st.
func New(opts Options, st *store.Store) *Server {
	if opts.MaxConns <= 0 {
		opts.MaxConns = DefaultMaxConns
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = DefaultMaxUploadSize
	}
	return &Server{
		opts:      opts,
		store:     st,
		events:    make(chan event, 64),
		knownReqs: make(chan chan []KnownPeer),
		done:      make(chan struct{}),
		conns:     make(map[uint64]*peerConn),
		sessions:  make(map[uint64]*session),
		known:     make(map[string]KnownPeer),
	}
}

// Listen binds the listening socket.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("[peer-server] failed to listen on %s: %w", s.opts.Addr, err)
	}
	s.listener = netutil.LimitListener(ln, s.opts.MaxConns)
	if s.opts.JournalPath != "" {
		if s.journal, err = openJournal(s.opts.JournalPath); err != nil {
			log.Printf("[peer-server] WARNING: no transfer journal: %v", err)
		}
	}
	log.Printf("[peer-server] Listening on %s (max connections: %d)", ln.Addr(), s.opts.MaxConns)
	s.journal.record(transferRecord{Event: journalListen, Remote: ln.Addr().String()})
	return nil
}

// Addr returns the bound address; valid after Listen.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the bound TCP port; valid after Listen.
func (s *Server) Port() int {
	if a, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve runs the event loop until ctx is cancelled. Listen must have been called.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("peer server: Serve called before Listen")
	}
	go s.acceptLoop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case ev := <-s.events:
			s.handle(ev)
		case reply := <-s.knownReqs:
			reply <- s.knownList()
		}
	}
}

// KnownPeers returns the peers that sent peerinfo, or nil once stopped.
func (s *Server) KnownPeers() []KnownPeer {
	reply := make(chan []KnownPeer, 1)
	select {
	case s.knownReqs <- reply:
		return <-reply
	case <-s.done:
		return nil
	}
}

// Stats returns the server counters.
func (s *Server) Stats() Stats {
	return Stats{
		ActiveConns: atomic.LoadInt64(&s.activeConns),
		TotalConns:  atomic.LoadInt64(&s.totalConns),
		BytesIn:     atomic.LoadInt64(&s.bytesIn),
		BytesOut:    atomic.LoadInt64(&s.bytesOut),
	}
}

// post delivers an event unless the loop has stopped.
func (s *Server) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
		if ev.kind == evAccepted {
			ev.conn.wc.Close()
		}
	}
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("[peer-server] Accept error: %v", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		c := &peerConn{
			id:     atomic.AddUint64(&s.nextID, 1),
			wc:     wire.NewConn(conn, s.opts.IdleTimeout),
			remote: conn.RemoteAddr().String(),
			out:    make(chan outbound, outboundQueueSize),
		}
		s.post(event{kind: evAccepted, conn: c})
	}
}

func (s *Server) handle(ev event) {
	switch ev.kind {
	case evAccepted:
		s.register(ev.conn)
	case evClosed:
		if ev.err != nil {
			s.drop(ev.conn, ev.err.Error())
		} else {
			s.drop(ev.conn, "closed by peer")
		}
	case evFrame:
		if _, ok := s.conns[ev.conn.id]; !ok {
			return
		}
		s.handleFrame(ev.conn, ev.frame)
	case evStreamed:
		s.finishDownload(ev.conn)
	case evUnpacked:
		s.finishUpload(ev.conn, ev.meta, ev.err)
	}
}

func (s *Server) register(c *peerConn) {
	c.setState(stateConnected)
	s.conns[c.id] = c
	atomic.AddInt64(&s.activeConns, 1)
	atomic.AddInt64(&s.totalConns, 1)

	go s.readLoop(c)
	go s.writeLoop(c)
	c.setState(stateAwaitingCommand)
}

// drop removes c from the active set and discards any partial session.
// Committed chunks are left alone.
func (s *Server) drop(c *peerConn, reason string) {
	if _, ok := s.conns[c.id]; !ok {
		return
	}
	if sess, ok := s.sessions[c.id]; ok {
		s.discardSession(sess)
		delete(s.sessions, c.id)
		s.logConn(c, transferRecord{Event: journalDiscard, InfoHash: sess.infoHash, PartID: sess.partID, Bytes: sess.remaining, Error: reason},
			"discarded partial session (%s)", reason)
	}
	delete(s.conns, c.id)
	atomic.AddInt64(&s.activeConns, -1)
	c.setState(stateClosed)
	close(c.out)
	c.wc.Close()
}

func (s *Server) discardSession(sess *session) {
	if sess.file != nil {
		sess.file.Close()
		sess.file = nil
		if sess.direction == directionUpload {
			os.Remove(sess.target)
		}
	}
}

// reply queues a control frame, dropping c if its queue is full.
func (s *Server) reply(c *peerConn, tag wire.Tag, msg interface{}) {
	if !c.enqueue(outbound{tag: tag, msg: msg}) {
		s.drop(c, "outbound queue full")
	}
}

func (s *Server) replyError(c *peerConn, reason string) {
	s.reply(c, wire.TagError, wire.ErrorResponse{Reason: reason})
}

func (s *Server) knownList() []KnownPeer {
	out := make([]KnownPeer, 0, len(s.known))
	for _, p := range s.known {
		out = append(out, p)
	}
	return out
}

func (s *Server) shutdown() {
	s.doneOnce.Do(func() { close(s.done) })
	s.listener.Close()
	for _, c := range s.conns {
		s.drop(c, "server shutting down")
	}
	log.Println("[peer-server] Shut down")
	s.journal.record(transferRecord{Event: journalShutdown})
	s.journal.close()
}
