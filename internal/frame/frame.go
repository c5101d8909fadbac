package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zlib"
)

// HeaderSize is the fixed header length written by Encode.
const HeaderSize = 16

// Payload interpretations selected by the protocol version field.
const (
	VersionJSON    uint16 = 0
	VersionInt     uint16 = 1
	VersionZlib    uint16 = 2
	VersionBrotli  uint16 = 3
	maxNestedDepth        = 4
)

// Operation codes.
const (
	OpHeartbeat      uint32 = 2
	OpHeartbeatReply uint32 = 3
	OpNotification   uint32 = 5
	OpAuth           uint32 = 7
	OpAuthReply      uint32 = 8
)

// Frame is one protocol unit.
type Frame struct {
	Version   uint16
	Operation uint32
	Sequence  uint32
	Payload   []byte
}

// Packet is a decoded (operation, payload) pair. Nested frames are flattened,
// so a Packet always carries an uncompressed payload.
type Packet struct {
	Operation uint32
	Version   uint16
	Sequence  uint32
	// Body holds the payload bytes of version 0 and 1 frames. Some replies
	// (op 8) carry JSON under version 1.
	Body []byte
	// Value holds the integer for version 1 frames.
	Value uint32
}

// IsJSON reports whether Body carries JSON text.
func (p Packet) IsJSON() bool { return p.Version == VersionJSON }

// Encode serializes a frame with a 16 byte header.
func Encode(f Frame) []byte {
	total := HeaderSize + len(f.Payload)
	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	binary.BigEndian.PutUint16(buf[4:6], HeaderSize)
	binary.BigEndian.PutUint16(buf[6:8], f.Version)
	binary.BigEndian.PutUint32(buf[8:12], f.Operation)
	binary.BigEndian.PutUint32(buf[12:16], f.Sequence)
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// EncodeInt builds a version 1 frame carrying a 4-byte big-endian integer.
func EncodeInt(op uint32, value uint32) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, value)
	return Encode(Frame{Version: VersionInt, Operation: op, Sequence: 1, Payload: payload})
}

// EncodeCompressed wraps the serialized inner frames in a single outer frame
// compressed with the scheme selected by version (2 or 3).
func EncodeCompressed(version uint16, op uint32, inner ...Frame) ([]byte, error) {
	var raw bytes.Buffer
	for _, f := range inner {
		raw.Write(Encode(f))
	}
	compressed, err := compress(version, raw.Bytes())
	if err != nil {
		return nil, err
	}
	return Encode(Frame{Version: version, Operation: op, Payload: compressed}), nil
}

func compress(version uint16, data []byte) ([]byte, error) {
	var out bytes.Buffer
	var w io.WriteCloser
	switch version {
	case VersionZlib:
		w = zlib.NewWriter(&out)
	case VersionBrotli:
		w = brotli.NewWriter(&out)
	default:
		return nil, fmt.Errorf("version %d is not a compression scheme", version)
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func decompress(version uint16, data []byte, limit int) ([]byte, error) {
	var r io.Reader
	switch version {
	case VersionZlib:
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("open zlib stream: %w", err)
		}
		defer zr.Close()
		r = zr
	case VersionBrotli:
		r = brotli.NewReader(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("version %d is not a compression scheme", version)
	}
	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("decompress version %d: %w", version, err)
	}
	if len(out) > limit {
		return nil, fmt.Errorf("decompressed payload exceeds %d bytes", limit)
	}
	return out, nil
}
