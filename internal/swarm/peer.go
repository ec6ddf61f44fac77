package swarm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/omnicloud/peerswarm/internal/torrent"
	"github.com/omnicloud/peerswarm/internal/wire"
)

// session is one open connection to a peer's wire server.
type session struct {
	*wire.Conn
	addr string
	stop func() bool
}

func (c *Client) open(ctx context.Context, addr string) (*session, error) {
	dctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	conn, err := c.dialer.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, newError(KindTransport, "dial", addr, err)
	}
	s := &session{Conn: wire.NewConn(conn, c.opts.IOTimeout), addr: addr}
	// Cancelling ctx unblocks any read or write in progress
	s.stop = context.AfterFunc(ctx, func() { conn.Close() })
	return s, nil
}

func (s *session) Close() error {
	s.stop()
	return s.Conn.Close()
}

// classify maps a wire failure onto the swarm error taxonomy.
func (s *session) classify(op string, err error) error {
	var remote *wire.RemoteError
	if errors.As(err, &remote) && remote.Reason == wire.ReasonAbsent {
		return newError(KindAvailability, op, s.addr, ErrPartAbsent)
	}
	return newError(KindTransport, op, s.addr, err)
}

func (s *session) descriptor(infoHash string) (*torrent.Descriptor, error) {
	if err := s.Send(wire.TagTorrent, wire.TorrentRequest{InfoHash: infoHash}); err != nil {
		return nil, s.classify("torrent", err)
	}
	var resp wire.TorrentResponse
	if err := s.Expect(wire.TagTorrent, &resp); err != nil {
		return nil, s.classify("torrent", err)
	}
	if resp.Descriptor == "" {
		return nil, newError(KindAvailability, "torrent", s.addr, ErrFileNotFound)
	}
	desc, err := torrent.ParseDescriptor([]byte(resp.Descriptor))
	if err != nil {
		return nil, newError(KindIntegrity, "torrent", s.addr, err)
	}
	if desc.InfoHash != infoHash {
		return nil, newError(KindIntegrity, "torrent", s.addr,
			fmt.Errorf("%w: asked for %s, got %s", torrent.ErrInfoHashMismatch, infoHash, desc.InfoHash))
	}
	return desc, nil
}

func (s *session) partsAvailable(infoHash string) ([]string, error) {
	if err := s.Send(wire.TagPartsAvailable, wire.TorrentRequest{InfoHash: infoHash}); err != nil {
		return nil, s.classify("parts_available", err)
	}
	var resp wire.PartsResponse
	if err := s.Expect(wire.TagPartsAvailable, &resp); err != nil {
		return nil, s.classify("parts_available", err)
	}
	return resp.Parts, nil
}

func (s *session) part(infoHash, partID string) ([]byte, error) {
	if err := s.Send(wire.TagPart, wire.PartRequest{InfoHash: infoHash, PartID: partID}); err != nil {
		return nil, s.classify("part", err)
	}
	var resp wire.PartResponse
	if err := s.Expect(wire.TagPart, &resp); err != nil {
		return nil, s.classify("part", err)
	}
	if resp.Found == 0 {
		return nil, newError(KindAvailability, "part", s.addr, ErrPartAbsent)
	}
	return resp.Data, nil
}

// download streams one part, refusing any announced length other than the
// chunk size the descriptor gives for it.
func (s *session) download(desc *torrent.Descriptor, partID string) ([]byte, error) {
	i := desc.PartIndex(partID)
	if i < 0 {
		return nil, newError(KindParameter, "download", s.addr, fmt.Errorf("part %s is not listed for %s", partID, desc.Name))
	}
	want := desc.ChunkSize(i)

	if err := s.Send(wire.TagDownloadBegin, wire.PartRequest{InfoHash: desc.InfoHash, PartID: partID}); err != nil {
		return nil, s.classify("download_begin", err)
	}
	var l wire.LengthResponse
	if err := s.Expect(wire.TagLength, &l); err != nil {
		return nil, s.classify("download_begin", err)
	}
	if want < 0 || l.Length != want {
		return nil, newError(KindIntegrity, "download_begin", s.addr,
			fmt.Errorf("%w: part %s announced %d bytes, want %d", ErrLengthMismatch, partID, l.Length, want))
	}
	var buf bytes.Buffer
	buf.Grow(int(want))
	if err := s.ReceiveData(&buf, want); err != nil {
		return nil, s.classify("download", err)
	}
	return buf.Bytes(), nil
}

// upload sends a bundle and waits until the peer has unpacked it.
func (s *session) upload(name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return newError(KindIO, "upload", s.addr, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return newError(KindIO, "upload", s.addr, err)
	}

	if err := s.Send(wire.TagUploadBegin, wire.UploadBegin{Name: name, Size: info.Size()}); err != nil {
		return s.classify("upload_begin", err)
	}
	if err := s.Expect(wire.TagOK, nil); err != nil {
		var remote *wire.RemoteError
		if errors.As(err, &remote) {
			return newError(KindTransport, "upload_begin", s.addr, fmt.Errorf("%w: %s", ErrRefused, remote.Reason))
		}
		return s.classify("upload_begin", err)
	}
	if err := s.StreamData(f, info.Size()); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return newError(KindIO, "upload", s.addr, err)
		}
		return s.classify("upload", err)
	}
	if err := s.Expect(wire.TagOK, nil); err != nil {
		return s.classify("upload", err)
	}
	return nil
}

func (s *session) peerInfo(port int, peerID string) error {
	if err := s.Send(wire.TagPeerInfo, wire.PeerInfo{Port: port, PeerID: peerID}); err != nil {
		return s.classify("peerinfo", err)
	}
	if err := s.Expect(wire.TagOK, nil); err != nil {
		return s.classify("peerinfo", err)
	}
	return nil
}

// FetchDescriptor asks the peer at addr for the descriptor of infoHash and
// verifies it against infoHash.
func (c *Client) FetchDescriptor(ctx context.Context, addr, infoHash string) (*torrent.Descriptor, error) {
	s, err := c.open(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return s.descriptor(infoHash)
}

// PartsAvailable lists the part ids the peer at addr holds for infoHash.
func (c *Client) PartsAvailable(ctx context.Context, addr, infoHash string) ([]string, error) {
	s, err := c.open(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return s.partsAvailable(infoHash)
}

// FetchPart fetches one small part inline. The bytes are not verified.
func (c *Client) FetchPart(ctx context.Context, addr, infoHash, partID string) ([]byte, error) {
	s, err := c.open(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return s.part(infoHash, partID)
}

// DownloadPart streams one part of desc. The length is checked against the
// descriptor but the bytes are not verified.
func (c *Client) DownloadPart(ctx context.Context, addr string, desc *torrent.Descriptor, partID string) ([]byte, error) {
	s, err := c.open(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return s.download(desc, partID)
}

// SendPeerInfo introduces us to the peer at addr.
func (c *Client) SendPeerInfo(ctx context.Context, addr string) error {
	s, err := c.open(ctx, addr)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.peerInfo(c.opts.Port, c.opts.PeerID)
}
