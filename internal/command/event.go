package command

import (
	"encoding/json"
	"time"
)

// Type tags a normalized event.
type Type string

const (
	TypeChat    Type = "chat"
	TypeGift    Type = "gift"
	TypeGuard   Type = "guard"
	TypePaid    Type = "paid"
	TypeEntry   Type = "entry"
	TypeFollow  Type = "follow"
	TypeShare   Type = "share"
	TypeLike    Type = "like"
	TypeNotice  Type = "notice"
	TypeUnknown Type = "unknown"
)

// Guard levels as sent by the gateway.
const (
	GuardCommander = 1
	GuardAdmiral   = 2
	GuardCaptain   = 3
)

// Event is the normalized form of one gateway command. It is built once by
// the decoder and never mutated afterwards.
type Event struct {
	Type       Type            `json:"type"`
	Command    string          `json:"cmd"`
	RoomID     int64           `json:"room_id"`
	SenderID   int64           `json:"sender_id,omitempty"`
	Sender     string          `json:"sender"`
	Content    string          `json:"content,omitempty"`
	GiftName   string          `json:"gift_name,omitempty"`
	Count      int64           `json:"count,omitempty"`
	Price      float64         `json:"price,omitempty"`
	GuardLevel int             `json:"guard_level,omitempty"`
	Emoticon   bool            `json:"emoticon,omitempty"`
	FirstGift  bool            `json:"first_gift,omitempty"`
	Raw        json.RawMessage `json:"raw"`
	ReceivedAt time.Time       `json:"received_at"`
}

// GuardName returns the display name of the guard tier.
func GuardName(level int) string {
	switch level {
	case GuardCommander:
		return "commander"
	case GuardAdmiral:
		return "admiral"
	case GuardCaptain:
		return "captain"
	default:
		return ""
	}
}
