package command

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func decodeOne(t *testing.T, payload string) Event {
	t.Helper()
	events := NewDecoder(newLogger()).Decode(123, []byte(payload))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].RoomID != 123 {
		t.Fatalf("expected room id 123, got %d", events[0].RoomID)
	}
	return events[0]
}

func TestDecodeFlatChat(t *testing.T) {
	evt := decodeOne(t, `{"cmd":"CHAT","uname":"A","text":"hi"}`)
	if evt.Type != TypeChat || evt.Sender != "A" || evt.Content != "hi" {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestDecodeDanmaku(t *testing.T) {
	payload := `{"cmd":"DANMU_MSG:4:0:2:2:2:0","info":[[0,1,25,16777215,1700000000,0,0,"",0,0,0,"",0,{"emoticon_unique":"room_1_doge"}],"[dog_doge]",[42,"viewer",0]]}`
	evt := decodeOne(t, payload)
	if evt.Type != TypeChat {
		t.Fatalf("expected chat, got %s", evt.Type)
	}
	if evt.Sender != "viewer" || evt.SenderID != 42 {
		t.Fatalf("unexpected sender %q/%d", evt.Sender, evt.SenderID)
	}
	if evt.Content != "[dog_doge]" || !evt.Emoticon {
		t.Fatalf("expected emoticon content, got %q emoticon=%v", evt.Content, evt.Emoticon)
	}
	if evt.Command != "DANMU_MSG:4:0:2:2:2:0" {
		t.Fatalf("expected original command name, got %q", evt.Command)
	}
}

func TestDecodeGiftAndCombo(t *testing.T) {
	gift := decodeOne(t, `{"cmd":"SEND_GIFT","data":{"uname":"fan","uid":7,"giftName":"rocket","num":2,"total_coin":20000,"is_first":false}}`)
	if gift.Type != TypeGift || gift.Sender != "fan" || gift.GiftName != "rocket" || gift.Count != 2 {
		t.Fatalf("unexpected gift %+v", gift)
	}
	if gift.Price != 20 {
		t.Fatalf("expected price 20, got %v", gift.Price)
	}
	if gift.FirstGift {
		t.Fatalf("expected is_first=false to be kept")
	}

	combo := decodeOne(t, `{"cmd":"COMBO_SEND","data":{"uname":"fan","gift_name":"heart","total_num":10,"combo_total_coin":1000}}`)
	if combo.Type != TypeGift || combo.Count != 10 || combo.Price != 1 || !combo.FirstGift {
		t.Fatalf("unexpected combo %+v", combo)
	}
}

func TestDecodeGuardAndPaid(t *testing.T) {
	guard := decodeOne(t, `{"cmd":"GUARD_BUY","data":{"uid":9,"username":"cap","guard_level":3,"num":1,"price":198000,"gift_name":"captain"}}`)
	if guard.Type != TypeGuard || guard.Sender != "cap" || guard.GuardLevel != GuardCaptain || guard.Count != 1 {
		t.Fatalf("unexpected guard %+v", guard)
	}
	if GuardName(guard.GuardLevel) != "captain" {
		t.Fatalf("unexpected guard name %q", GuardName(guard.GuardLevel))
	}

	paid := decodeOne(t, `{"cmd":"SUPER_CHAT_MESSAGE","data":{"price":30,"message":"hello streamer","user_info":{"uname":"rich"}}}`)
	if paid.Type != TypePaid || paid.Sender != "rich" || paid.Content != "hello streamer" || paid.Price != 30 {
		t.Fatalf("unexpected paid %+v", paid)
	}
}

func TestDecodeInteractV2(t *testing.T) {
	cases := map[int64]Type{1: TypeEntry, 2: TypeFollow, 3: TypeShare, 9: TypeUnknown}
	for kind, want := range cases {
		pb := appendInteractWord(nil, interactWord{UID: 5, Uname: "guest", MsgType: kind, RoomID: 123, Timestamp: 1700000000})
		payload := fmt.Sprintf(`{"cmd":"INTERACT_WORD_V2","data":{"pb":%q}}`, base64.StdEncoding.EncodeToString(pb))
		evt := decodeOne(t, payload)
		if evt.Type != want {
			t.Fatalf("msg_type %d: expected %s, got %s", kind, want, evt.Type)
		}
		if evt.Sender != "guest" || evt.SenderID != 5 {
			t.Fatalf("msg_type %d: unexpected sender %q/%d", kind, evt.Sender, evt.SenderID)
		}
	}
}

func TestParseInteractWordSkipsUnknownFields(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, "#ffffff")
	b = appendInteractWord(b, interactWord{Uname: "x", MsgType: 2})
	w, err := parseInteractWord(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if w.Uname != "x" || w.MsgType != 2 {
		t.Fatalf("unexpected record %+v", w)
	}

	if _, err := parseInteractWord([]byte{0x12, 0x10, 'a'}); err == nil {
		t.Fatalf("expected error for truncated bytes field")
	}
}

func TestDecodeInteractJSONAndLike(t *testing.T) {
	entry := decodeOne(t, `{"cmd":"INTERACT_WORD","data":{"uname":"newbie","msg_type":1}}`)
	if entry.Type != TypeEntry || entry.Sender != "newbie" {
		t.Fatalf("unexpected entry %+v", entry)
	}
	like := decodeOne(t, `{"cmd":"LIKE_INFO_V3_CLICK","data":{"uname":"liker","like_text":"liked"}}`)
	if like.Type != TypeLike || like.Sender != "liker" || like.Content != "liked" {
		t.Fatalf("unexpected like %+v", like)
	}
	notice := decodeOne(t, `{"cmd":"NOTICE_MSG","msg_common":"big event"}`)
	if notice.Type != TypeNotice || notice.Content != "big event" {
		t.Fatalf("unexpected notice %+v", notice)
	}
}

func TestUnknownCommandKeepsRaw(t *testing.T) {
	payload := `{"cmd":"ONLINE_RANK_COUNT","data":{"count":12}}`
	evt := decodeOne(t, payload)
	if evt.Type != TypeUnknown || evt.Command != "ONLINE_RANK_COUNT" {
		t.Fatalf("unexpected event %+v", evt)
	}
	if string(evt.Raw) != payload {
		t.Fatalf("raw payload not kept verbatim: %s", evt.Raw)
	}
}

func TestMalformedInputNeverFails(t *testing.T) {
	inputs := []string{
		`not json at all`,
		`[1,2,3]`,
		`{"cmd":"SEND_GIFT","data":{"num":"many","total_coin":{}}}`,
		`{"cmd":"DANMU_MSG","info":"broken"}`,
		`{"cmd":"INTERACT_WORD_V2","data":{"pb":"%%%"}}`,
		`{"cmd":"INTERACT_WORD_V2","data":{"pb":"EhBh"}}`,
	}
	for _, in := range inputs {
		events := NewDecoder(newLogger()).Decode(1, []byte(in))
		if len(events) != 1 {
			t.Fatalf("%q: expected one event, got %d", in, len(events))
		}
		if !json.Valid(events[0].Raw) {
			t.Fatalf("%q: raw payload is not valid json: %s", in, events[0].Raw)
		}
	}
	if events := NewDecoder(newLogger()).Decode(1, []byte("  ")); len(events) != 0 {
		t.Fatalf("expected no events for empty payload")
	}
}

func TestKnown(t *testing.T) {
	if !Known("danmu_msg:1") || !Known("SEND_GIFT") {
		t.Fatalf("expected known commands")
	}
	if Known("SOMETHING_ELSE") {
		t.Fatalf("expected unknown command")
	}
}
