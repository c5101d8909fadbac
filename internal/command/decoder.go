package command

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/bytedance/sonic/ast"
)

// Command names understood by the decoder.
const (
	CmdDanmaku    = "DANMU_MSG"
	CmdChat       = "CHAT"
	CmdGift       = "SEND_GIFT"
	CmdCombo      = "COMBO_SEND"
	CmdGuard      = "GUARD_BUY"
	CmdSuperChat  = "SUPER_CHAT_MESSAGE"
	CmdInteract   = "INTERACT_WORD"
	CmdInteractV2 = "INTERACT_WORD_V2"
	CmdLike       = "LIKE_INFO_V3_CLICK"
	CmdNotice     = "NOTICE_MSG"
)

// Interaction message kinds carried by INTERACT_WORD records.
const (
	interactEntry  = 1
	interactFollow = 2
	interactShare  = 3
)

type decodeFunc func(f *fields, evt *Event)

var table = map[string]decodeFunc{
	CmdDanmaku:    decodeChat,
	CmdChat:       decodeChat,
	CmdGift:       decodeGift,
	CmdCombo:      decodeCombo,
	CmdGuard:      decodeGuard,
	CmdSuperChat:  decodePaid,
	CmdInteract:   decodeInteract,
	CmdInteractV2: decodeInteractV2,
	CmdLike:       decodeLike,
	CmdNotice:     decodeNotice,
}

var (
	unameCandidates = []path{
		{"data", "uname"},
		{"data", "username"},
		{"data", "user_info", "uname"},
		{"data", "user_info", "username"},
		{"data", "uinfo", "base", "name"},
		{"uname"},
	}
	uidCandidates = []path{{"data", "uid"}, {"data", "user_info", "uid"}, {"uid"}}
)

// Decoder maps notification payloads to normalized events.
type Decoder struct {
	log *slog.Logger
	now func() time.Time
}

// NewDecoder returns a decoder. A nil logger discards diagnostics.
func NewDecoder(log *slog.Logger) *Decoder {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Decoder{log: log, now: time.Now}
}

// Known reports whether name has a dedicated decoder.
func Known(name string) bool {
	_, ok := table[normalizeName(name)]
	return ok
}

// Decode converts one notification payload. Payloads that are not JSON
// objects become a single unknown event carrying the bytes verbatim; empty
// payloads yield no events.
func (d *Decoder) Decode(roomID int64, payload []byte) []Event {
	if len(strings.TrimSpace(string(payload))) == 0 {
		return nil
	}
	evt := Event{
		Type:       TypeUnknown,
		RoomID:     roomID,
		ReceivedAt: d.now().UTC(),
		Raw:        rawJSON(payload),
	}

	root, err := sonic.Get(payload)
	if err != nil || root.TypeSafe() != ast.V_OBJECT {
		d.log.Warn("notification is not a json object", slog.Int64("room_id", roomID), slog.Int("bytes", len(payload)))
		return []Event{evt}
	}

	f := &fields{root: &root}
	name := f.optStr(path{"cmd"}, path{"type"})
	evt.Command = name
	decode, ok := table[normalizeName(name)]
	if !ok {
		d.log.Debug("unknown command", slog.String("cmd", name), slog.Int64("room_id", roomID))
		return []Event{evt}
	}
	decode(f, &evt)
	if len(f.issues) > 0 {
		d.log.Debug("command fields defaulted",
			slog.String("cmd", name),
			slog.Int64("room_id", roomID),
			slog.String("issues", strings.Join(f.issues, "; ")))
	}
	return []Event{evt}
}

func normalizeName(name string) string {
	name = strings.ToUpper(strings.TrimSpace(name))
	if i := strings.IndexByte(name, ':'); i >= 0 {
		name = name[:i]
	}
	return name
}

func rawJSON(payload []byte) json.RawMessage {
	if json.Valid(payload) {
		return append(json.RawMessage(nil), payload...)
	}
	quoted, _ := json.Marshal(string(payload))
	return quoted
}

func decodeChat(f *fields, evt *Event) {
	evt.Type = TypeChat
	evt.Sender = f.str(append([]path{{"info", 2, 1}, {"info", 0, 15, "user", "base", "name"}}, unameCandidates...)...)
	evt.SenderID = f.optInteger(append([]path{{"info", 2, 0}}, uidCandidates...)...)
	evt.Content = f.str(
		path{"info", 1},
		path{"data", "content"},
		path{"data", "text"},
		path{"data", "msg"},
		path{"text"},
		path{"content"},
	)
	if emo := f.node(path{"info", 0, 13}); emo != nil && emo.TypeSafe() == ast.V_OBJECT {
		if unique := f.optStr(path{"info", 0, 13, "emoticon_unique"}); unique != "" {
			evt.Emoticon = true
		}
	}
}

func decodeGift(f *fields, evt *Event) {
	evt.Type = TypeGift
	evt.Sender = f.str(unameCandidates...)
	evt.SenderID = f.optInteger(uidCandidates...)
	evt.GiftName = f.str(path{"data", "giftName"}, path{"data", "gift_name"})
	evt.Count = f.integer(path{"data", "num"})
	evt.Price = f.number(path{"data", "total_coin"}) / 1000
	evt.FirstGift = f.flag(true, path{"data", "is_first"})
}

func decodeCombo(f *fields, evt *Event) {
	evt.Type = TypeGift
	evt.Sender = f.str(unameCandidates...)
	evt.SenderID = f.optInteger(uidCandidates...)
	evt.GiftName = f.str(path{"data", "gift_name"}, path{"data", "giftName"})
	evt.Count = f.integer(path{"data", "total_num"}, path{"data", "combo_num"})
	evt.Price = f.number(path{"data", "combo_total_coin"}) / 1000
	evt.FirstGift = true
}

func decodeGuard(f *fields, evt *Event) {
	evt.Type = TypeGuard
	evt.Sender = f.str(unameCandidates...)
	evt.SenderID = f.optInteger(uidCandidates...)
	evt.Count = f.integer(path{"data", "num"})
	evt.GuardLevel = int(f.integer(path{"data", "guard_level"}))
	evt.GiftName = f.optStr(path{"data", "gift_name"})
	evt.Price = float64(f.optInteger(path{"data", "price"})) / 1000
}

func decodePaid(f *fields, evt *Event) {
	evt.Type = TypePaid
	evt.Sender = f.str(unameCandidates...)
	evt.SenderID = f.optInteger(uidCandidates...)
	evt.Content = f.str(path{"data", "message"})
	evt.Price = f.number(path{"data", "price"})
}

func decodeInteract(f *fields, evt *Event) {
	evt.Sender = f.str(unameCandidates...)
	evt.SenderID = f.optInteger(uidCandidates...)
	evt.Type = interactType(f.integer(path{"data", "msg_type"}))
}

func decodeInteractV2(f *fields, evt *Event) {
	encoded := f.str(path{"data", "pb"})
	if encoded == "" {
		return
	}
	buf, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		f.issues = append(f.issues, "data.pb: "+err.Error())
		return
	}
	word, err := parseInteractWord(buf)
	if err != nil {
		f.issues = append(f.issues, "data.pb: "+err.Error())
	}
	evt.Sender = word.Uname
	evt.SenderID = word.UID
	evt.Type = interactType(word.MsgType)
}

func interactType(kind int64) Type {
	switch kind {
	case interactEntry:
		return TypeEntry
	case interactFollow:
		return TypeFollow
	case interactShare:
		return TypeShare
	default:
		return TypeUnknown
	}
}

func decodeLike(f *fields, evt *Event) {
	evt.Type = TypeLike
	evt.Sender = f.str(unameCandidates...)
	evt.SenderID = f.optInteger(uidCandidates...)
	evt.Content = f.optStr(path{"data", "like_text"})
}

func decodeNotice(f *fields, evt *Event) {
	evt.Type = TypeNotice
	evt.Content = f.str(path{"msg_common"}, path{"data", "msg_common"}, path{"msg_self"}, path{"data", "msg_self"})
}
