package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

var (
	ErrInvalidRoom  = errors.New("room id must be positive")
	ErrTooManyRooms = errors.New("room limit reached")
	ErrClosed       = errors.New("connection manager closed")
)

// Manager owns one Connection per subscribed room.
type Manager struct {
	sink    Sink
	logger  *slog.Logger
	metrics *metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	opts     Options
	maxRooms int
	conns    map[int64]*Connection
}

// NewManager builds a manager. maxRooms 0 allows any number of rooms; 1
// keeps a single active room, replaced by each new Subscribe.
func NewManager(parent context.Context, opts Options, maxRooms int, sink Sink, log *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(parent)
	m := &Manager{
		sink:     sink,
		logger:   log.With(slog.String("component", "live-manager")),
		ctx:      ctx,
		cancel:   cancel,
		opts:     opts,
		maxRooms: maxRooms,
		conns:    make(map[int64]*Connection),
	}
	met, err := newMetrics()
	if err != nil {
		m.logger.Warn("failed to initialize metrics", slogError(err))
	}
	m.metrics = met
	return m
}

// Reconfigure applies new options and room limit to connections started
// afterwards. Existing sessions keep their options until resubscribed.
func (m *Manager) Reconfigure(opts Options, maxRooms int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opts = opts
	m.maxRooms = maxRooms
}

// Subscribe starts relaying roomID. Subscribing to a room already relayed is
// a no-op.
func (m *Manager) Subscribe(roomID int64) error {
	if roomID <= 0 {
		return ErrInvalidRoom
	}
	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, ok := m.conns[roomID]; ok {
		m.mu.Unlock()
		return nil
	}
	var replaced []*Connection
	switch {
	case m.maxRooms == 1:
		for id, c := range m.conns {
			replaced = append(replaced, c)
			delete(m.conns, id)
		}
	case m.maxRooms > 1 && len(m.conns) >= m.maxRooms:
		m.mu.Unlock()
		return fmt.Errorf("%w: %d rooms", ErrTooManyRooms, m.maxRooms)
	}
	conn := newConnection(m.ctx, roomID, m.opts, m.sink, m.metrics, m.logger)
	m.conns[roomID] = conn
	m.mu.Unlock()

	for _, c := range replaced {
		m.logger.Info("replacing room", slog.Int64("room_id", c.RoomID()), slog.Int64("next_room_id", roomID))
		c.Disconnect()
	}
	conn.Start()
	m.logger.Info("room subscribed", slog.Int64("room_id", roomID))
	return nil
}

// Unsubscribe disconnects roomID. It reports whether the room was relayed.
func (m *Manager) Unsubscribe(roomID int64) bool {
	m.mu.Lock()
	conn, ok := m.conns[roomID]
	delete(m.conns, roomID)
	m.mu.Unlock()
	if !ok {
		return false
	}
	conn.Disconnect()
	m.logger.Info("room unsubscribed", slog.Int64("room_id", roomID))
	return true
}

// Rooms lists relayed rooms in ascending order.
func (m *Manager) Rooms() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	rooms := make([]int64, 0, len(m.conns))
	for id := range m.conns {
		rooms = append(rooms, id)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}

// Info reports the connection for roomID.
func (m *Manager) Info(roomID int64) (Info, bool) {
	m.mu.Lock()
	conn, ok := m.conns[roomID]
	m.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	return conn.Info(), true
}

func (m *Manager) Healthy() bool { return m.ctx.Err() == nil }

// Close disconnects every room. Subscribe fails afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	m.cancel()
	conns := m.conns
	m.conns = make(map[int64]*Connection)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			c.Disconnect()
		}(c)
	}
	wg.Wait()
}
