package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload, err := Encode(PartRequest{InfoHash: "abc", PartID: "p1"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := WriteFrame(&buf, TagDownloadBegin, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	// keepalive in between is ignored
	buf.Write([]byte{0, 0, 0, 0})
	WriteFrame(&buf, TagOK, nil)

	f, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	var req PartRequest
	if f.Tag != TagDownloadBegin || f.Decode(&req) != nil || req.PartID != "p1" || req.InfoHash != "abc" {
		t.Fatalf("got %s %+v", f.Tag, req)
	}
	f, err = ReadFrame(&buf)
	if err != nil || f.Tag != TagOK || len(f.Payload) != 0 {
		t.Fatalf("second frame = %v, %v", f, err)
	}
	if _, err := ReadFrame(&buf); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestReadFrameRejectsBadInput(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	if _, err := ReadFrame(bytes.NewReader(hdr[:])); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("oversize err = %v", err)
	}

	if _, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 1, 200})); !errors.Is(err, ErrUnknownTag) {
		t.Errorf("unknown tag err = %v", err)
	}

	if _, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 9, byte(TagData), 1})); err != io.ErrUnexpectedEOF {
		t.Errorf("truncated err = %v", err)
	}

	f := Frame{Tag: TagTorrent, Payload: []byte("not bencode")}
	var req TorrentRequest
	if err := f.Decode(&req); !errors.Is(err, ErrParse) {
		t.Errorf("decode err = %v", err)
	}
}

func TestConnStreamsData(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	client := NewConn(a, time.Second)
	server := NewConn(b, time.Second)

	data := bytes.Repeat([]byte{0xab, 0xcd, 0xef}, MaxDataChunk) // several frames
	errc := make(chan error, 1)
	go func() {
		if err := client.Send(TagLength, LengthResponse{Length: int64(len(data))}); err != nil {
			errc <- err
			return
		}
		errc <- client.StreamData(bytes.NewReader(data), int64(len(data)))
	}()

	var l LengthResponse
	if err := server.Expect(TagLength, &l); err != nil {
		t.Fatalf("Expect length: %v", err)
	}
	var got bytes.Buffer
	if err := server.ReceiveData(&got, l.Length); err != nil {
		t.Fatalf("ReceiveData: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("sender: %v", err)
	}
	if !bytes.Equal(got.Bytes(), data) {
		t.Fatalf("stream corrupted")
	}
}

func TestExpectSurfacesRemoteError(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	go NewConn(a, time.Second).Send(TagError, ErrorResponse{Reason: ReasonAbsent})

	err := NewConn(b, time.Second).Expect(TagLength, nil)
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Reason != ReasonAbsent {
		t.Fatalf("err = %v, want remote %q", err, ReasonAbsent)
	}
}

func TestReceiveTimesOut(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	_, err := NewConn(b, 20*time.Millisecond).Receive()
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("err = %v, want timeout", err)
	}
}

func TestReceiveDataRefusesEmptyFrames(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	go func() {
		for i := 0; i < 3; i++ {
			if WriteFrame(a, TagData, nil) != nil {
				return
			}
		}
	}()

	var got bytes.Buffer
	err := NewConn(b, time.Second).ReceiveData(&got, 4)
	if !errors.Is(err, ErrParse) {
		t.Fatalf("err = %v, want parse error", err)
	}
	if got.Len() != 0 {
		t.Fatalf("wrote %d bytes", got.Len())
	}
}
