package router

import (
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/livevoice/internal/fanout"
	"github.com/loqalabs/livevoice/internal/tts"
)

// Rooms starts and stops room connections. *live.Manager satisfies it.
type Rooms interface {
	Subscribe(roomID int64) error
	Unsubscribe(roomID int64) bool
	Rooms() []int64
}

// Relay is the inbound surface for API layers: speech requests and
// reference-counted room subscriptions.
type Relay struct {
	rooms  Rooms
	hub    *fanout.Hub
	speech Speech
	logger *slog.Logger

	mu     sync.Mutex
	grace  time.Duration
	refs   map[int64]int
	timers map[int64]*time.Timer
}

// NewRelay builds a relay. A room whose last subscription is released stays
// connected for grace before it is stopped.
func NewRelay(rooms Rooms, hub *fanout.Hub, speech Speech, grace time.Duration, logger *slog.Logger) *Relay {
	return &Relay{
		rooms:  rooms,
		hub:    hub,
		speech: speech,
		grace:  grace,
		logger: logger.With(slog.String("component", "relay")),
		refs:   make(map[int64]int),
		timers: make(map[int64]*time.Timer),
	}
}

// SetGrace changes the idle grace period for releases after the call.
func (r *Relay) SetGrace(grace time.Duration) {
	r.mu.Lock()
	r.grace = grace
	r.mu.Unlock()
}

// Enqueue parses priority ("HIGH" or "NORMAL") and admits text.
func (r *Relay) Enqueue(text, priority string, roomID int64) (tts.Job, error) {
	p, err := tts.ParsePriority(priority)
	if err != nil {
		return tts.Job{}, err
	}
	return r.speech.Enqueue(text, p, roomID)
}

func (r *Relay) Cancel(key string) bool { return r.speech.Cancel(key) }

func (r *Relay) QueueState() tts.QueueState { return r.speech.State() }

// Subscription is a fan-out subscription holding a reference on its room.
type Subscription struct {
	*fanout.Subscription
	once    sync.Once
	release func()
}

// Close releases the room reference and the fan-out subscription.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.Subscription.Close()
		s.release()
	})
}

// Subscribe starts roomID when it is not already relayed and returns a
// subscription to its messages. Each subscription must be closed.
func (r *Relay) Subscribe(roomID int64, buffer int) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[roomID]; ok {
		t.Stop()
		delete(r.timers, roomID)
	}
	// The manager may have dropped the room (single-room replacement), so
	// subscribing is repeated for every reference; it is a no-op when live.
	if err := r.rooms.Subscribe(roomID); err != nil {
		if r.refs[roomID] == 0 {
			delete(r.refs, roomID)
		}
		return nil, err
	}
	r.refs[roomID]++
	sub := &Subscription{Subscription: r.hub.Subscribe(roomID, buffer)}
	sub.release = func() { r.release(roomID) }
	return sub, nil
}

func (r *Relay) release(roomID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refs[roomID] == 0 {
		return
	}
	r.refs[roomID]--
	if r.refs[roomID] > 0 {
		return
	}
	delete(r.refs, roomID)
	if r.grace <= 0 {
		r.stopRoom(roomID)
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(r.grace, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.timers[roomID] != timer {
			return
		}
		delete(r.timers, roomID)
		if r.refs[roomID] == 0 {
			r.stopRoom(roomID)
		}
	})
	r.timers[roomID] = timer
}

func (r *Relay) stopRoom(roomID int64) {
	if r.rooms.Unsubscribe(roomID) {
		r.logger.Info("room released", slog.Int64("room_id", roomID))
	}
}

// Subscribers reports live references for roomID.
func (r *Relay) Subscribers(roomID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs[roomID]
}

// Close stops pending release timers. Rooms stay up; the manager owns them.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for room, t := range r.timers {
		t.Stop()
		delete(r.timers, room)
	}
}
