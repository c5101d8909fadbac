package tts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Priority orders jobs in the queue. Lower values play first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// ParsePriority accepts "HIGH" or "NORMAL" in any case. An empty string means NORMAL.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "NORMAL":
		return PriorityNormal, nil
	case "HIGH":
		return PriorityHigh, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	parsed, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Status is a job lifecycle state. Jobs move pending → playing → done, or end
// in cancelled from either pending or playing.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPlaying   Status = "playing"
	StatusDone      Status = "done"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition can follow s.
func (s Status) Terminal() bool { return s == StatusDone || s == StatusCancelled }

// Job is one unit of text awaiting synthesis and playback.
type Job struct {
	Key        string    `json:"key"`
	Text       string    `json:"text"`
	Priority   Priority  `json:"priority"`
	RoomID     int64     `json:"room_id,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Status     Status    `json:"status"`
}

// StatusUpdate reports one job transition.
type StatusUpdate struct {
	Key    string    `json:"key"`
	RoomID int64     `json:"room_id,omitempty"`
	Status Status    `json:"status"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// StatusSink receives transitions in the order they happen. It is called
// while the scheduler holds its lock and must not block or call back into
// the scheduler.
type StatusSink func(StatusUpdate)

// QueueState is a point-in-time view of the scheduler.
type QueueState struct {
	Playing  *Job           `json:"playing,omitempty"`
	Pending  []Job          `json:"pending"`
	Capacity int            `json:"capacity"`
	Policy   OverflowPolicy `json:"overflow_policy"`
	Ready    bool           `json:"engine_ready"`
	Enabled  bool           `json:"enabled"`
}

// Admission errors returned by Enqueue.
var (
	ErrDisabled       = errors.New("speech output disabled")
	ErrEmptyText      = errors.New("text is empty")
	ErrEngineNotReady = errors.New("synthesis engine not ready")
	ErrQueueFull      = errors.New("speech queue full")
	ErrClosed         = errors.New("scheduler closed")
)

// Voice carries per-request synthesis parameters.
type Voice struct {
	Name  string  `json:"voice,omitempty"`
	Speed float64 `json:"speed,omitempty"`
}

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	Key   string
	Text  string
	Voice Voice
}

// Audio is a synthesized clip. Data holds a complete file in Format,
// normally "wav".
type Audio struct {
	Format string
	Data   []byte
}

// Engine turns text into audio.
type Engine interface {
	Synthesize(ctx context.Context, req SynthRequest) (Audio, error)
	// Ready reports whether Synthesize is expected to succeed. Enqueue fails
	// fast while it returns false.
	Ready() bool
}

// Player renders audio on an output device and returns once playback ends
// or ctx is cancelled.
type Player interface {
	Play(ctx context.Context, clip Audio) error
}
