package command

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// interactWord mirrors the fields of the gateway's InteractWord record that
// the decoder needs. Field numbers follow the gateway schema.
type interactWord struct {
	UID       int64
	Uname     string
	MsgType   int64
	RoomID    int64
	Timestamp int64
}

const (
	interactFieldUID       protowire.Number = 1
	interactFieldUname     protowire.Number = 2
	interactFieldMsgType   protowire.Number = 5
	interactFieldRoomID    protowire.Number = 6
	interactFieldTimestamp protowire.Number = 7
)

// parseInteractWord walks the wire-format record, keeping whatever fields it
// managed to read before a malformed tag.
func parseInteractWord(b []byte) (interactWord, error) {
	var w interactWord
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return w, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && isVarintField(num):
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return w, protowire.ParseError(m)
			}
			w.setVarint(num, int64(v))
			n = m
		case typ == protowire.BytesType && num == interactFieldUname:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return w, protowire.ParseError(m)
			}
			w.Uname = string(v)
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return w, protowire.ParseError(n)
			}
		}
		b = b[n:]
	}
	return w, nil
}

func isVarintField(num protowire.Number) bool {
	switch num {
	case interactFieldUID, interactFieldMsgType, interactFieldRoomID, interactFieldTimestamp:
		return true
	}
	return false
}

func (w *interactWord) setVarint(num protowire.Number, v int64) {
	switch num {
	case interactFieldUID:
		w.UID = v
	case interactFieldMsgType:
		w.MsgType = v
	case interactFieldRoomID:
		w.RoomID = v
	case interactFieldTimestamp:
		w.Timestamp = v
	}
}

// appendInteractWord encodes w in the same wire format; used to build fixtures.
func appendInteractWord(b []byte, w interactWord) []byte {
	b = protowire.AppendTag(b, interactFieldUID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(w.UID))
	b = protowire.AppendTag(b, interactFieldUname, protowire.BytesType)
	b = protowire.AppendString(b, w.Uname)
	b = protowire.AppendTag(b, interactFieldMsgType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(w.MsgType))
	b = protowire.AppendTag(b, interactFieldRoomID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(w.RoomID))
	b = protowire.AppendTag(b, interactFieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(w.Timestamp))
	return b
}
