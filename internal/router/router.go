// Package router turns live-room events into fan-out messages and speech jobs.
package router

import (
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/loqalabs/livevoice/internal/announce"
	"github.com/loqalabs/livevoice/internal/command"
	"github.com/loqalabs/livevoice/internal/fanout"
	"github.com/loqalabs/livevoice/internal/live"
	"github.com/loqalabs/livevoice/internal/rules"
	"github.com/loqalabs/livevoice/internal/tts"
)

// Speech is the part of the scheduler the router and relay drive.
type Speech interface {
	Enqueue(text string, priority tts.Priority, roomID int64) (tts.Job, error)
	Cancel(key string) bool
	State() tts.QueueState
}

type policy struct {
	announcer *announce.Announcer
	rules     *rules.Set
}

// Router implements live.Sink.
type Router struct {
	hub    *fanout.Hub
	speech Speech
	logger *slog.Logger
	policy atomic.Pointer[policy]
}

var _ live.Sink = (*Router)(nil)

func New(hub *fanout.Hub, speech Speech, settings announce.Settings, ruleList []rules.Rule, logger *slog.Logger) *Router {
	r := &Router{
		hub:    hub,
		speech: speech,
		logger: logger.With(slog.String("component", "router")),
	}
	r.Reconfigure(settings, ruleList)
	return r
}

// Reconfigure swaps announcement settings and rewrite rules together. Events
// already being routed finish with the previous pair.
func (r *Router) Reconfigure(settings announce.Settings, ruleList []rules.Rule) {
	r.policy.Store(&policy{
		announcer: announce.New(settings),
		rules:     rules.Compile(ruleList, r.logger),
	})
}

func (r *Router) HandleEvent(evt command.Event) {
	r.hub.PublishEvent(evt)
	r.speak(evt)
}

func (r *Router) HandleState(change live.StateChange) {
	r.hub.PublishConnection(change)
}

func (r *Router) HandlePopularity(roomID int64, value uint32) {
	r.hub.PublishPopularity(roomID, value)
}

func (r *Router) speak(evt command.Event) {
	if r.speech == nil {
		return
	}
	p := r.policy.Load()
	ann, ok := p.announcer.Announce(evt)
	if !ok {
		return
	}
	text := p.rules.Apply(ann.Text)
	priority := tts.PriorityNormal
	if ann.High {
		priority = tts.PriorityHigh
	}
	job, err := r.speech.Enqueue(text, priority, evt.RoomID)
	if err == nil {
		return
	}
	attrs := []any{
		slog.Int64("room_id", evt.RoomID),
		slog.String("type", string(evt.Type)),
		slog.String("priority", priority.String()),
		slogError(err),
	}
	if job.Key != "" {
		attrs = append(attrs, slog.String("key", job.Key))
	}
	switch {
	case errors.Is(err, tts.ErrDisabled), errors.Is(err, tts.ErrEmptyText):
		r.logger.Debug("announcement skipped", attrs...)
	default:
		r.logger.Warn("announcement rejected", attrs...)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
