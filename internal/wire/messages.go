package wire

// TorrentRequest asks for a descriptor.
type TorrentRequest struct {
	InfoHash string `bencode:"info_hash"`
}

// TorrentResponse carries the descriptor JSON, empty when unknown.
type TorrentResponse struct {
	Descriptor string `bencode:"descriptor"`
}

// PartsResponse lists the part ids a peer holds.
type PartsResponse struct {
	InfoHash string   `bencode:"info_hash"`
	Parts    []string `bencode:"parts"`
}

// PartRequest names a single chunk.
type PartRequest struct {
	InfoHash string `bencode:"info_hash"`
	PartID   string `bencode:"part_id"`
}

// PartResponse carries an inline chunk. Found is 0 when absent.
type PartResponse struct {
	PartID string `bencode:"part_id"`
	Found  int    `bencode:"found"`
	Data   []byte `bencode:"data"`
}

// UploadBegin announces a bundle upload of Size bytes.
type UploadBegin struct {
	Name string `bencode:"name"`
	Size int64  `bencode:"size"`
}

// LengthResponse precedes a data stream.
type LengthResponse struct {
	Length int64 `bencode:"length"`
}

// PeerInfo is pushed by a peer to tell the server where it listens.
type PeerInfo struct {
	Port   int    `bencode:"port"`
	PeerID string `bencode:"peer_id"`
}

// ErrorResponse explains a refused request.
type ErrorResponse struct {
	Reason string `bencode:"reason"`
}

// Error reasons
const (
	ReasonAbsent     = "absent"
	ReasonTooLarge   = "too large"
	ReasonBadRequest = "bad request"
	ReasonBusy       = "session in progress"
	ReasonUnpack     = "unpack failed"
)
