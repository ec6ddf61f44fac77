package peerserver

import (
	"errors"
	"os"
	"time"

	"github.com/omnicloud/peerswarm/internal/store"
	"github.com/omnicloud/peerswarm/internal/torrent"
	"github.com/omnicloud/peerswarm/internal/wire"
)

func (s *Server) handleFrame(c *peerConn, f wire.Frame) {
	switch c.state {
	case stateAwaitingCommand:
		s.dispatch(c, f)
	case stateReceivingUpload:
		s.receiveUpload(c, f)
	default:
		// The peer must wait for our reply before sending anything
		s.drop(c, "unexpected "+f.Tag.String()+" in "+c.state.String())
	}
}

func (s *Server) dispatch(c *peerConn, f wire.Frame) {
	switch f.Tag {
	case wire.TagTorrent:
		var req wire.TorrentRequest
		if s.decode(c, f, &req) {
			s.serveTorrent(c, req)
		}
	case wire.TagPartsAvailable:
		var req wire.TorrentRequest
		if s.decode(c, f, &req) {
			s.serveAvailability(c, req)
		}
	case wire.TagPart:
		var req wire.PartRequest
		if s.decode(c, f, &req) {
			s.servePart(c, req)
		}
	case wire.TagUploadBegin:
		var req wire.UploadBegin
		if s.decode(c, f, &req) {
			s.beginUpload(c, req)
		}
	case wire.TagDownloadBegin:
		var req wire.PartRequest
		if s.decode(c, f, &req) {
			s.beginDownload(c, req)
		}
	case wire.TagPeerInfo:
		var req wire.PeerInfo
		if s.decode(c, f, &req) {
			s.recordPeer(c, req)
		}
	default:
		s.drop(c, "unexpected "+f.Tag.String()+" frame")
	}
}

// decode parses a request payload; a malformed request ends the connection.
func (s *Server) decode(c *peerConn, f wire.Frame, v interface{}) bool {
	if err := f.Decode(v); err != nil {
		s.drop(c, err.Error())
		return false
	}
	return true
}

func (s *Server) serveTorrent(c *peerConn, req wire.TorrentRequest) {
	c.setState(stateServingMetadata)
	defer s.await(c)

	resp := wire.TorrentResponse{}
	if desc, ok := s.store.Descriptor(req.InfoHash); ok {
		data, err := desc.Marshal()
		if err != nil {
			s.replyError(c, err.Error())
			return
		}
		resp.Descriptor = string(data)
	}
	s.reply(c, wire.TagTorrent, resp)
}

func (s *Server) serveAvailability(c *peerConn, req wire.TorrentRequest) {
	c.setState(stateServingAvailability)
	defer s.await(c)

	parts, err := s.store.Parts(req.InfoHash)
	if err != nil {
		s.replyError(c, wire.ReasonBadRequest)
		return
	}
	s.reply(c, wire.TagPartsAvailable, wire.PartsResponse{InfoHash: req.InfoHash, Parts: parts})
}

func (s *Server) servePart(c *peerConn, req wire.PartRequest) {
	c.setState(stateServingPart)
	defer s.await(c)

	f, size, err := s.store.OpenPart(req.InfoHash, req.PartID)
	switch {
	case errors.Is(err, store.ErrPartNotFound):
		s.reply(c, wire.TagPart, wire.PartResponse{PartID: req.PartID})
		return
	case err != nil:
		s.replyError(c, wire.ReasonBadRequest)
		return
	}
	f.Close()
	if size > wire.MaxInlinePart {
		s.replyError(c, wire.ReasonTooLarge)
		return
	}
	data, err := s.store.GetPart(req.InfoHash, req.PartID)
	if err != nil {
		s.replyError(c, wire.ReasonAbsent)
		return
	}
	s.reply(c, wire.TagPart, wire.PartResponse{PartID: req.PartID, Found: 1, Data: data})
}

func (s *Server) beginUpload(c *peerConn, req wire.UploadBegin) {
	if req.Size <= 0 || req.Size > s.opts.MaxUploadSize {
		s.replyError(c, wire.ReasonTooLarge)
		return
	}
	f, err := os.CreateTemp(s.store.DataDir(), ".upload-")
	if err != nil {
		s.logConn(c, transferRecord{Event: journalUploadFail, Bytes: req.Size, Error: err.Error()}, "cannot stage upload: %v", err)
		s.replyError(c, err.Error())
		return
	}
	s.sessions[c.id] = &session{
		direction: directionUpload,
		file:      f,
		remaining: req.Size,
		target:    f.Name(),
	}
	c.setState(stateReceivingUpload)
	s.logConn(c, transferRecord{Event: journalUploadBegin, Bytes: req.Size}, "receiving upload %q (%d bytes)", req.Name, req.Size)
	s.reply(c, wire.TagOK, nil)
}

func (s *Server) receiveUpload(c *peerConn, f wire.Frame) {
	sess := s.sessions[c.id]
	if f.Tag != wire.TagData {
		s.drop(c, "expected data during upload, got "+f.Tag.String())
		return
	}
	if len(f.Payload) == 0 {
		s.drop(c, "empty data frame during upload")
		return
	}
	if int64(len(f.Payload)) > sess.remaining {
		s.drop(c, "upload overran its announced size")
		return
	}
	if _, err := sess.file.Write(f.Payload); err != nil {
		s.drop(c, "write failed: "+err.Error())
		return
	}
	sess.remaining -= int64(len(f.Payload))
	if sess.remaining > 0 {
		return
	}

	if err := sess.file.Close(); err != nil {
		s.drop(c, "close failed: "+err.Error())
		return
	}
	// From here the unpacker owns the staged file
	sess.file = nil
	c.setState(stateUnpacking)
	go s.unpack(c, sess.target)
}

// unpack runs off the loop; the result comes back as evUnpacked.
func (s *Server) unpack(c *peerConn, path string) {
	defer os.Remove(path)

	f, err := os.Open(path)
	if err != nil {
		s.post(event{kind: evUnpacked, conn: c, err: err})
		return
	}
	meta, err := s.store.UnpackBundle(f)
	f.Close()
	s.post(event{kind: evUnpacked, conn: c, meta: meta, err: err})
}

func (s *Server) finishUpload(c *peerConn, meta *torrent.BundleMetadata, err error) {
	if _, ok := s.conns[c.id]; !ok {
		return
	}
	delete(s.sessions, c.id)
	s.await(c)
	if err != nil {
		s.logConn(c, transferRecord{Event: journalUploadFail, Error: err.Error()}, "unpack failed: %v", err)
		s.replyError(c, wire.ReasonUnpack)
		return
	}
	s.logConn(c, transferRecord{Event: journalUploadDone, InfoHash: meta.InfoHash, Parts: len(meta.Parts)},
		"stored %d parts of %s", len(meta.Parts), torrent.ShortHash(meta.InfoHash))
	s.reply(c, wire.TagOK, nil)
}

func (s *Server) beginDownload(c *peerConn, req wire.PartRequest) {
	f, size, err := s.store.OpenPart(req.InfoHash, req.PartID)
	if err != nil {
		reason := wire.ReasonAbsent
		if !errors.Is(err, store.ErrPartNotFound) {
			reason = wire.ReasonBadRequest
		}
		s.replyError(c, reason)
		return
	}

	s.sessions[c.id] = &session{direction: directionDownload, remaining: size, infoHash: req.InfoHash, partID: req.PartID}
	c.setState(stateSendingDownload)
	if !c.enqueue(outbound{tag: wire.TagLength, msg: wire.LengthResponse{Length: size}}) {
		f.Close()
		s.drop(c, "outbound queue full")
		return
	}
	// The writer owns and closes f
	if !c.enqueue(outbound{file: f, size: size}) {
		s.drop(c, "outbound queue full")
	}
}

func (s *Server) finishDownload(c *peerConn) {
	if _, ok := s.conns[c.id]; !ok {
		return
	}
	if sess, ok := s.sessions[c.id]; ok {
		s.journal.record(transferRecord{Event: journalDownload, Conn: c.id, Remote: c.remote, InfoHash: sess.infoHash, PartID: sess.partID, Bytes: sess.remaining})
	}
	delete(s.sessions, c.id)
	s.await(c)
}

func (s *Server) recordPeer(c *peerConn, req wire.PeerInfo) {
	if req.PeerID == "" || req.Port <= 0 || req.Port > 65535 {
		s.replyError(c, wire.ReasonBadRequest)
		return
	}
	s.known[req.PeerID] = KnownPeer{
		PeerID:   req.PeerID,
		IP:       remoteIP(c.wc.Conn),
		Port:     req.Port,
		LastSeen: time.Now(),
	}
	s.reply(c, wire.TagOK, nil)
}

// await returns c to AWAITING_COMMAND unless it was dropped meanwhile.
func (s *Server) await(c *peerConn) {
	if _, ok := s.conns[c.id]; ok {
		c.setState(stateAwaitingCommand)
	}
}
