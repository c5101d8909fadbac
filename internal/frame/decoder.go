package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// DefaultMaxFrameSize bounds a single frame and any decompressed buffer.
const DefaultMaxFrameSize = 16 << 20

// ErrResync reports that buffered bytes could not be framed and were discarded.
var ErrResync = errors.New("frame stream resynchronized")

type header struct {
	total     uint32
	headerLen uint16
	version   uint16
	operation uint32
	sequence  uint32
}

func readHeader(b []byte) header {
	return header{
		total:     binary.BigEndian.Uint32(b[0:4]),
		headerLen: binary.BigEndian.Uint16(b[4:6]),
		version:   binary.BigEndian.Uint16(b[6:8]),
		operation: binary.BigEndian.Uint32(b[8:12]),
		sequence:  binary.BigEndian.Uint32(b[12:16]),
	}
}

func (h header) check(maxSize int) error {
	if h.headerLen < HeaderSize {
		return fmt.Errorf("header length %d below %d", h.headerLen, HeaderSize)
	}
	if h.total < uint32(h.headerLen) {
		return fmt.Errorf("total length %d below header length %d", h.total, h.headerLen)
	}
	if h.total > uint32(maxSize) {
		return fmt.Errorf("total length %d exceeds limit %d", h.total, maxSize)
	}
	return nil
}

// Stats counts decoder outcomes since creation.
type Stats struct {
	Packets int
	Dropped int
	Resyncs int
}

// Decoder turns a byte stream into packets. Bytes of an incomplete trailing
// frame are kept until a later Feed completes them. A Decoder is not safe for
// concurrent use; each connection owns one.
type Decoder struct {
	buf     []byte
	maxSize int
	log     *slog.Logger
	stats   Stats
}

// NewDecoder returns a decoder. A nil logger discards diagnostics.
func NewDecoder(maxSize int, log *slog.Logger) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Decoder{maxSize: maxSize, log: log}
}

// Feed appends p to the stream and returns every packet completed by it.
// The returned error wraps ErrResync when untrustworthy bytes were discarded;
// packets decoded before that point are still returned.
func (d *Decoder) Feed(p []byte) ([]Packet, error) {
	d.buf = append(d.buf, p...)
	out, consumed, err := d.split(d.buf, 0, nil, true)
	if err != nil {
		d.buf = d.buf[:0]
		d.stats.Resyncs++
		return out, err
	}
	d.buf = append(d.buf[:0], d.buf[consumed:]...)
	return out, nil
}

// Buffered reports how many bytes are waiting for the rest of a frame.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Stats returns the decoder counters.
func (d *Decoder) Stats() Stats { return d.stats }

// Reset drops any buffered bytes, used when a connection is replaced.
func (d *Decoder) Reset() { d.buf = d.buf[:0] }

// Decode parses a complete buffer holding one or more frames.
func Decode(b []byte) ([]Packet, error) {
	d := NewDecoder(0, nil)
	out, _, err := d.split(b, 0, nil, false)
	return out, err
}

func (d *Decoder) split(b []byte, depth int, out []Packet, partialOK bool) ([]Packet, int, error) {
	off := 0
	for len(b)-off >= HeaderSize {
		h := readHeader(b[off:])
		if err := h.check(d.maxSize); err != nil {
			return out, off, fmt.Errorf("%w: %v", ErrResync, err)
		}
		if int(h.total) > len(b)-off {
			break
		}
		body := b[off+int(h.headerLen) : off+int(h.total)]
		out = d.emit(out, h, body, depth)
		off += int(h.total)
	}
	if !partialOK && off < len(b) {
		return out, off, fmt.Errorf("%w: %d trailing bytes in nested buffer", ErrResync, len(b)-off)
	}
	return out, off, nil
}

func (d *Decoder) emit(out []Packet, h header, body []byte, depth int) []Packet {
	switch h.version {
	case VersionJSON:
		d.stats.Packets++
		return append(out, Packet{
			Operation: h.operation,
			Version:   h.version,
			Sequence:  h.sequence,
			Body:      append([]byte(nil), body...),
		})
	case VersionInt:
		if len(body) < 4 {
			d.drop("short integer payload", h, nil)
			return out
		}
		d.stats.Packets++
		return append(out, Packet{
			Operation: h.operation,
			Version:   h.version,
			Sequence:  h.sequence,
			Body:      append([]byte(nil), body...),
			Value:     binary.BigEndian.Uint32(body[:4]),
		})
	case VersionZlib, VersionBrotli:
		if depth >= maxNestedDepth {
			d.drop("nesting too deep", h, nil)
			return out
		}
		inner, err := decompress(h.version, body, d.maxSize)
		if err != nil {
			d.drop("decompress failed", h, err)
			return out
		}
		nested, _, err := d.split(inner, depth+1, nil, false)
		if err != nil {
			d.log.Warn("nested frame buffer truncated",
				slog.Int("version", int(h.version)),
				slog.String("error", err.Error()))
			d.stats.Dropped++
		}
		return append(out, nested...)
	default:
		d.drop("unknown protocol version", h, nil)
		return out
	}
}

func (d *Decoder) drop(reason string, h header, err error) {
	d.stats.Dropped++
	attrs := []any{
		slog.String("reason", reason),
		slog.Int("version", int(h.version)),
		slog.Int("operation", int(h.operation)),
		slog.Int("length", int(h.total)),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	d.log.Warn("frame dropped", attrs...)
}
