package rooms

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/livevoice/internal/fanout"
	"github.com/loqalabs/livevoice/internal/live"
)

type RoomInfo struct {
	RoomID       int64      `json:"room_id"`
	State        live.State `json:"state"`
	Attempt      int        `json:"attempt,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	Changed      time.Time  `json:"changed"`
	Popularity   uint32     `json:"popularity"`
	PopularityAt time.Time  `json:"popularity_at,omitempty"`
	Events       uint64     `json:"events"`
	Healthy      bool       `json:"healthy"`
}

// Registry tracks the connection state of every room seen on the fan-out.
// A room is healthy while active and receiving heartbeat replies within the
// stale timeout.
type Registry struct {
	log        *slog.Logger
	staleAfter time.Duration
	sub        *fanout.Subscription
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	mu    sync.RWMutex
	rooms map[int64]*RoomInfo

	meter      metric.Meter
	roomGauge  metric.Int64ObservableGauge
	stateGauge metric.Int64ObservableGauge
}

func NewRegistry(ctx context.Context, hub *fanout.Hub, staleAfter time.Duration, log *slog.Logger) *Registry {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		log:        log.With(slog.String("component", "room-registry")),
		staleAfter: staleAfter,
		sub:        hub.Subscribe(fanout.AllRooms, fanout.DefaultBuffer),
		cancel:     cancel,
		rooms:      make(map[int64]*RoomInfo),
		meter:      otel.Meter("github.com/loqalabs/livevoice/rooms"),
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	r.wg.Add(2)
	go r.consume(ctx)
	go r.monitorHealth(ctx)
	return r
}

func (r *Registry) Close() {
	r.cancel()
	r.sub.Close()
	r.wg.Wait()
}

func (r *Registry) consume(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-r.sub.C:
			if !ok {
				return
			}
			r.apply(msg)
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	defer r.wg.Done()
	interval := r.staleAfter / 2
	if interval <= 0 || interval > time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth(time.Now())
		}
	}
}

func (r *Registry) apply(msg fanout.Message) {
	if msg.RoomID == fanout.AllRooms {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[msg.RoomID]
	if !ok {
		room = &RoomInfo{RoomID: msg.RoomID, State: live.StateDisconnected}
		r.rooms[msg.RoomID] = room
	}
	switch msg.Kind {
	case fanout.KindConnection:
		if msg.Connection == nil {
			return
		}
		room.State = msg.Connection.State
		room.Attempt = msg.Connection.Attempt
		if msg.Connection.Error != "" {
			room.LastError = msg.Connection.Error
		}
		room.Changed = msg.Connection.At
		// A fresh session has not proven liveness yet; count from now.
		if room.State == live.StateActive {
			room.PopularityAt = msg.Connection.At
		}
	case fanout.KindPopularity:
		room.Popularity = msg.Popularity
		room.PopularityAt = msg.At
	case fanout.KindEvent:
		room.Events++
	}
	room.Healthy = r.healthy(room, time.Now())
}

func (r *Registry) healthy(room *RoomInfo, now time.Time) bool {
	if room.State != live.StateActive {
		return false
	}
	if r.staleAfter <= 0 {
		return true
	}
	return now.Sub(room.PopularityAt) <= r.staleAfter
}

func (r *Registry) evaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, room := range r.rooms {
		if healthy := r.healthy(room, now); healthy != room.Healthy {
			room.Healthy = healthy
			if !healthy {
				r.log.Warn("room stale", slog.Int64("room_id", room.RoomID), slog.String("state", string(room.State)))
			}
		}
	}
}

// Forget drops a room, used once nobody relays it any more.
func (r *Registry) Forget(roomID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms, roomID)
}

func (r *Registry) Get(roomID int64) (RoomInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return RoomInfo{}, false
	}
	return *room, true
}

// Query returns the rooms accepted by filter, ordered by room id. A nil
// filter matches every room.
func (r *Registry) Query(filter func(RoomInfo) bool) []RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []RoomInfo
	for _, room := range r.rooms {
		copy := *room
		if filter == nil || filter(copy) {
			results = append(results, copy)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].RoomID < results[j].RoomID })
	return results
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	gauge, err := r.meter.Int64ObservableGauge("livevoice.rooms.total", metric.WithDescription("Number of known rooms"))
	if err != nil {
		return err
	}
	stateGauge, err := r.meter.Int64ObservableGauge("livevoice.rooms.by_state", metric.WithDescription("Rooms per connection state"))
	if err != nil {
		return err
	}
	r.roomGauge = gauge
	r.stateGauge = stateGauge
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		total, byState := r.snapshotCounts()
		obs.ObserveInt64(gauge, total)
		for state, n := range byState {
			obs.ObserveInt64(stateGauge, n, metric.WithAttributes(attribute.String("state", string(state))))
		}
		return nil
	}, gauge, stateGauge)
	return err
}

func (r *Registry) snapshotCounts() (int64, map[live.State]int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byState := make(map[live.State]int64)
	for _, room := range r.rooms {
		byState[room.State]++
	}
	return int64(len(r.rooms)), byState
}

func WithState(state live.State) func(RoomInfo) bool {
	return func(room RoomInfo) bool {
		return room.State == state
	}
}

func WithHealth(healthy bool) func(RoomInfo) bool {
	return func(room RoomInfo) bool {
		return room.Healthy == healthy
	}
}
