// Package fanout distributes live events, connection changes and speech job
// status to in-process subscribers.
package fanout

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/livevoice/internal/command"
	"github.com/loqalabs/livevoice/internal/live"
	"github.com/loqalabs/livevoice/internal/tts"
)

// DefaultBuffer is used when Subscribe is given a non-positive size.
const DefaultBuffer = 256

// AllRooms subscribes to every room.
const AllRooms int64 = 0

type Kind string

const (
	KindEvent      Kind = "event"
	KindStatus     Kind = "status"
	KindConnection Kind = "connection"
	KindPopularity Kind = "popularity"
)

// Message is one delivery. Exactly one of the payload fields is set,
// selected by Kind.
type Message struct {
	Kind       Kind              `json:"kind"`
	RoomID     int64             `json:"room_id"`
	Event      *command.Event    `json:"event,omitempty"`
	Status     *tts.StatusUpdate `json:"status,omitempty"`
	Connection *live.StateChange `json:"connection,omitempty"`
	Popularity uint32            `json:"popularity,omitempty"`
	At         time.Time         `json:"at"`
}

// Subscription receives messages on C until Close is called or the hub shuts
// down, after which C is closed.
type Subscription struct {
	C <-chan Message

	id      uint64
	room    int64
	hub     *Hub
	ch      chan Message
	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
}

// Room returns the room the subscription listens to, or AllRooms.
func (s *Subscription) Room() int64 { return s.room }

// Dropped returns how many messages were discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s)
	s.shutdown()
}

func (s *Subscription) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// deliver never blocks: when the buffer is full the oldest message is
// discarded to make room.
func (s *Subscription) deliver(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- msg:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

// Hub routes messages to subscriptions keyed by room id.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[int64]map[uint64]*Subscription
	nextID uint64
	closed bool
	log    *slog.Logger
	now    func() time.Time
}

func New(log *slog.Logger) *Hub {
	return &Hub{
		rooms: make(map[int64]map[uint64]*Subscription),
		log:   log.With(slog.String("component", "fanout")),
		now:   time.Now,
	}
}

// Subscribe registers a listener for roomID (AllRooms for every room) with a
// private buffer of the given size.
func (h *Hub) Subscribe(roomID int64, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Message, buffer)
	sub := &Subscription{C: ch, ch: ch, room: roomID, hub: h}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.shutdown()
		return sub
	}
	h.nextID++
	sub.id = h.nextID
	subs, ok := h.rooms[roomID]
	if !ok {
		subs = make(map[uint64]*Subscription)
		h.rooms[roomID] = subs
	}
	subs[sub.id] = sub
	count := len(subs)
	h.mu.Unlock()

	h.log.Debug("subscriber added", slog.Int64("room_id", roomID), slog.Int("subscribers", count))
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.rooms[sub.room]
	if !ok {
		return
	}
	if _, ok := subs[sub.id]; !ok {
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(h.rooms, sub.room)
	}
	h.log.Debug("subscriber removed", slog.Int64("room_id", sub.room), slog.Uint64("dropped", sub.Dropped()))
}

// PublishEvent delivers evt to subscribers of its room and to global subscribers.
func (h *Hub) PublishEvent(evt command.Event) {
	h.publishRoom(Message{Kind: KindEvent, RoomID: evt.RoomID, Event: &evt, At: h.now().UTC()})
}

// PublishConnection delivers a connection state change for one room.
func (h *Hub) PublishConnection(change live.StateChange) {
	h.publishRoom(Message{Kind: KindConnection, RoomID: change.RoomID, Connection: &change, At: h.now().UTC()})
}

// PublishPopularity delivers a heartbeat popularity value for one room.
func (h *Hub) PublishPopularity(roomID int64, value uint32) {
	h.publishRoom(Message{Kind: KindPopularity, RoomID: roomID, Popularity: value, At: h.now().UTC()})
}

// PublishStatus delivers a job status change to every subscriber.
func (h *Hub) PublishStatus(update tts.StatusUpdate) {
	msg := Message{Kind: KindStatus, RoomID: update.RoomID, Status: &update, At: h.now().UTC()}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, subs := range h.rooms {
		for _, sub := range subs {
			sub.deliver(msg)
		}
	}
}

func (h *Hub) publishRoom(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.rooms[msg.RoomID] {
		sub.deliver(msg)
	}
	if msg.RoomID == AllRooms {
		return
	}
	for _, sub := range h.rooms[AllRooms] {
		sub.deliver(msg)
	}
}

// Subscribers returns the number of listeners registered for roomID.
func (h *Hub) Subscribers(roomID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// Stats reports how many rooms have listeners and the total listener count.
func (h *Hub) Stats() (rooms, subscribers int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rooms = len(h.rooms)
	for _, subs := range h.rooms {
		subscribers += len(subs)
	}
	return rooms, subscribers
}

// Close ends every subscription. Later Subscribe calls return closed
// subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	rooms := h.rooms
	h.rooms = make(map[int64]map[uint64]*Subscription)
	h.mu.Unlock()

	for _, subs := range rooms {
		for _, sub := range subs {
			sub.shutdown()
		}
	}
}
