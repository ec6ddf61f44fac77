// Package wire implements the length-framed peer protocol.
//
// Every frame is a 4-byte big-endian length, a 1-byte tag, then length-1
// payload bytes. Control payloads are bencoded; TagData frames carry raw
// file bytes, so bulk streams never mix with control messages.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/anacrolix/torrent/bencode"
)

// Tag identifies the kind of a frame.
type Tag byte

const (
	TagTorrent        Tag = 1  // request: TorrentRequest, reply: TorrentResponse
	TagPartsAvailable Tag = 2  // request: TorrentRequest, reply: PartsResponse
	TagPart           Tag = 3  // request: PartRequest, reply: PartResponse
	TagUploadBegin    Tag = 4  // request: UploadBegin, reply: TagOK, then TagData frames
	TagDownloadBegin  Tag = 5  // request: PartRequest, reply: TagLength, then TagData frames
	TagPeerInfo       Tag = 6  // push: PeerInfo, reply: TagOK
	TagOK             Tag = 7  // empty payload
	TagError          Tag = 8  // ErrorResponse
	TagData           Tag = 9  // raw bytes
	TagLength         Tag = 10 // LengthResponse
)

const (
	// MaxDataChunk is the largest payload sent in one TagData frame.
	MaxDataChunk = 256 * 1024
	// MaxFrameSize bounds any incoming frame, inline parts included.
	MaxFrameSize = 1<<20 + 1024
	// MaxInlinePart is the largest chunk answered inline to a TagPart request.
	MaxInlinePart = 1 << 20

	DefaultTimeout = 30 * time.Second
)

var (
	ErrParse         = errors.New("malformed frame")
	ErrFrameTooLarge = errors.New("frame too large")
	ErrUnknownTag    = errors.New("unknown frame tag")
)

var tagNames = map[Tag]string{
	TagTorrent:        "torrent",
	TagPartsAvailable: "parts_available",
	TagPart:           "part",
	TagUploadBegin:    "upload_begin",
	TagDownloadBegin:  "download_begin",
	TagPeerInfo:       "peerinfo",
	TagOK:             "ok",
	TagError:          "error",
	TagData:           "data",
	TagLength:         "length",
}

func (t Tag) String() string {
	if n, ok := tagNames[t]; ok {
		return n
	}
	return fmt.Sprintf("tag(%d)", byte(t))
}

// Known reports whether t is part of the protocol.
func (t Tag) Known() bool {
	_, ok := tagNames[t]
	return ok
}

// Frame is one decoded message.
type Frame struct {
	Tag     Tag
	Payload []byte
}

// WriteFrame writes a single frame.
func WriteFrame(w io.Writer, tag Tag, payload []byte) error {
	if len(payload)+1 > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)+1))
	buf[4] = byte(tag)
	copy(buf[5:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads a single frame. Zero-length keepalives are skipped.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [4]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return Frame{}, err
		}
		if binary.BigEndian.Uint32(hdr[:]) != 0 {
			break
		}
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	f := Frame{Tag: Tag(body[0]), Payload: body[1:]}
	if !f.Tag.Known() {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownTag, body[0])
	}
	return f, nil
}

// Encode bencodes a control message.
func Encode(msg interface{}) ([]byte, error) {
	if msg == nil {
		return nil, nil
	}
	return bencode.Marshal(msg)
}

// Decode unmarshals a control payload into v.
func (f Frame) Decode(v interface{}) error {
	if err := bencode.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrParse, f.Tag, err)
	}
	return nil
}

// Conn is the requesting side of a peer connection. It applies a deadline to
// every read and write.
type Conn struct {
	net.Conn
	r       *bufio.Reader
	timeout time.Duration
}

// NewConn wraps c. A zero timeout means DefaultTimeout.
func NewConn(c net.Conn, timeout time.Duration) *Conn {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Conn{Conn: c, r: bufio.NewReaderSize(c, 64*1024), timeout: timeout}
}

// Send writes a control message.
func (c *Conn) Send(tag Tag, msg interface{}) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	c.SetWriteDeadline(time.Now().Add(c.timeout))
	return WriteFrame(c.Conn, tag, payload)
}

// Receive reads the next frame.
func (c *Conn) Receive() (Frame, error) {
	c.SetReadDeadline(time.Now().Add(c.timeout))
	return ReadFrame(c.r)
}

// Expect reads the next frame and requires it to carry tag, decoding the
// payload into v when v is non-nil. A TagError reply becomes a *RemoteError.
func (c *Conn) Expect(tag Tag, v interface{}) error {
	f, err := c.Receive()
	if err != nil {
		return err
	}
	if f.Tag == TagError && tag != TagError {
		var e ErrorResponse
		if err := f.Decode(&e); err != nil {
			return err
		}
		return &RemoteError{Reason: e.Reason}
	}
	if f.Tag != tag {
		return fmt.Errorf("%w: expected %s, got %s", ErrParse, tag, f.Tag)
	}
	if v == nil {
		return nil
	}
	return f.Decode(v)
}

// StreamData sends exactly size bytes from r as TagData frames.
func (c *Conn) StreamData(r io.Reader, size int64) error {
	buf := make([]byte, MaxDataChunk)
	for size > 0 {
		n := int64(len(buf))
		if n > size {
			n = size
		}
		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			return err
		}
		c.SetWriteDeadline(time.Now().Add(c.timeout))
		if err := WriteFrame(c.Conn, TagData, buf[:n]); err != nil {
			return err
		}
		size -= n
	}
	return nil
}

// ReceiveData copies exactly size bytes of TagData frames into w. Empty
// frames are refused.
func (c *Conn) ReceiveData(w io.Writer, size int64) error {
	for size > 0 {
		f, err := c.Receive()
		if err != nil {
			return err
		}
		if f.Tag != TagData {
			return fmt.Errorf("%w: expected data, got %s", ErrParse, f.Tag)
		}
		// Every frame must make progress or the deadline never fires
		if len(f.Payload) == 0 {
			return fmt.Errorf("%w: empty data frame", ErrParse)
		}
		if int64(len(f.Payload)) > size {
			return fmt.Errorf("%w: %d bytes past the announced length", ErrParse, int64(len(f.Payload))-size)
		}
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
		size -= int64(len(f.Payload))
	}
	return nil
}

// RemoteError is a TagError reply from the other side.
type RemoteError struct {
	Reason string
}

func (e *RemoteError) Error() string {
	return "peer error: " + e.Reason
}
