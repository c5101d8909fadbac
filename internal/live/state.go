package live

import (
	"net/http"
	"time"

	"github.com/loqalabs/livevoice/internal/command"
)

// State is the lifecycle position of one room connection.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateActive         State = "active"
	StateReconnecting   State = "reconnecting"
)

// StateChange is emitted on every transition. Attempt counts consecutive
// failed sessions since the last one that reached StateActive.
type StateChange struct {
	RoomID  int64     `json:"room_id"`
	State   State     `json:"state"`
	Attempt int       `json:"attempt,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// Sink receives everything a connection produces. Calls for one room are
// made from a single goroutine in socket order; implementations must not
// block for long and must not call Disconnect on the same connection.
type Sink interface {
	HandleEvent(evt command.Event)
	HandleState(change StateChange)
	HandlePopularity(roomID int64, value uint32)
}

// Options configures gateway sessions.
type Options struct {
	URL               string
	UID               int64
	Token             string
	Buvid             string
	Cookie            string
	UserAgent         string
	ProtoVer          int
	Platform          string
	AuthType          int
	DialTimeout       time.Duration
	AuthTimeout       time.Duration
	HeartbeatInterval time.Duration
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	MaxFrameSize      int
}

// DefaultOptions matches the configuration defaults.
func DefaultOptions() Options {
	return Options{
		URL:               "wss://broadcastlv.chat.bilibili.com/sub",
		UserAgent:         "Mozilla/5.0 livevoice",
		ProtoVer:          3,
		Platform:          "web",
		AuthType:          2,
		DialTimeout:       10 * time.Second,
		AuthTimeout:       10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		BackoffInitial:    time.Second,
		BackoffMax:        30 * time.Second,
	}
}

// normalized fills zero durations and protocol fields with defaults.
func (o Options) normalized() Options {
	d := DefaultOptions()
	if o.URL == "" {
		o.URL = d.URL
	}
	if o.ProtoVer == 0 {
		o.ProtoVer = d.ProtoVer
	}
	if o.Platform == "" {
		o.Platform = d.Platform
	}
	if o.AuthType == 0 {
		o.AuthType = d.AuthType
	}
	for _, pair := range []struct{ v, def *time.Duration }{
		{&o.DialTimeout, &d.DialTimeout},
		{&o.AuthTimeout, &d.AuthTimeout},
		{&o.HeartbeatInterval, &d.HeartbeatInterval},
		{&o.BackoffInitial, &d.BackoffInitial},
		{&o.BackoffMax, &d.BackoffMax},
	} {
		if *pair.v <= 0 {
			*pair.v = *pair.def
		}
	}
	if o.BackoffMax < o.BackoffInitial {
		o.BackoffMax = o.BackoffInitial
	}
	return o
}

func (o Options) header() http.Header {
	h := http.Header{}
	if o.UserAgent != "" {
		h.Set("User-Agent", o.UserAgent)
	}
	if o.Cookie != "" {
		h.Set("Cookie", o.Cookie)
	}
	return h
}

// authPayload is the op 7 handshake body.
type authPayload struct {
	UID      int64  `json:"uid"`
	RoomID   int64  `json:"roomid"`
	ProtoVer int    `json:"protover"`
	Platform string `json:"platform"`
	Type     int    `json:"type"`
	Key      string `json:"key,omitempty"`
	Buvid    string `json:"buvid,omitempty"`
}

type authReply struct {
	Code int `json:"code"`
}
