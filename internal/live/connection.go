package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/loqalabs/livevoice/internal/command"
	"github.com/loqalabs/livevoice/internal/frame"
)

var (
	errAuthTimeout = errors.New("auth reply not received in time")
	errStale       = errors.New("heartbeat reply missed")
)

// Connection keeps one room's gateway session alive until Disconnect.
type Connection struct {
	roomID  int64
	opts    Options
	sink    Sink
	logger  *slog.Logger
	metrics *metrics
	dialer  *websocket.Dialer
	events  *command.Decoder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	start  sync.Once
	stop   sync.Once

	mu       sync.Mutex
	state    State
	attempt  int
	lastPong atomic.Int64
}

// Info is a point-in-time view of a connection.
type Info struct {
	RoomID   int64
	State    State
	Attempt  int
	LastPong time.Time
}

func newConnection(parent context.Context, roomID int64, opts Options, sink Sink, m *metrics, log *slog.Logger) *Connection {
	opts = opts.normalized()
	ctx, cancel := context.WithCancel(parent)
	logger := log.With(slog.String("component", "live"), slog.Int64("room_id", roomID))
	return &Connection{
		roomID:  roomID,
		opts:    opts,
		sink:    sink,
		logger:  logger,
		metrics: m,
		dialer:  &websocket.Dialer{HandshakeTimeout: opts.DialTimeout},
		events:  command.NewDecoder(logger),
		ctx:     ctx,
		cancel:  cancel,
		state:   StateDisconnected,
	}
}

func (c *Connection) RoomID() int64 { return c.roomID }

// Start launches the session loop. Later calls are no-ops.
func (c *Connection) Start() {
	c.start.Do(func() {
		if c.ctx.Err() != nil {
			return
		}
		c.wg.Add(1)
		go c.run()
	})
}

// Disconnect closes the socket, stops the heartbeat and suppresses further
// reconnects. It is safe from any state and waits for the session goroutines
// to exit.
func (c *Connection) Disconnect() {
	c.stop.Do(func() {
		c.start.Do(func() {})
		c.cancel()
		c.wg.Wait()
	})
}

func (c *Connection) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := Info{RoomID: c.roomID, State: c.state, Attempt: c.attempt}
	if ns := c.lastPong.Load(); ns > 0 {
		info.LastPong = time.Unix(0, ns).UTC()
	}
	return info
}

func (c *Connection) setState(state State, attempt int, err error) {
	c.mu.Lock()
	c.state = state
	c.attempt = attempt
	c.mu.Unlock()

	change := StateChange{RoomID: c.roomID, State: state, Attempt: attempt, At: time.Now().UTC()}
	if err != nil {
		change.Error = err.Error()
	}
	c.sink.HandleState(change)
}

func (c *Connection) run() {
	defer c.wg.Done()
	defer c.setState(StateDisconnected, 0, nil)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.BackoffInitial
	b.MaxInterval = c.opts.BackoffMax

	attempt := 0
	for {
		active, err := c.session(attempt)
		if c.ctx.Err() != nil {
			return
		}
		if active {
			b.Reset()
			attempt = 0
		}
		attempt++
		wait := b.NextBackOff()
		c.metrics.countReconnect(c.roomID)
		c.logger.Warn("gateway session ended, reconnecting",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait),
			slogError(err))
		c.setState(StateReconnecting, attempt, err)

		timer := time.NewTimer(wait)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session runs one socket from dial to close. It reports whether the socket
// reached StateActive.
func (c *Connection) session(attempt int) (bool, error) {
	c.setState(StateConnecting, attempt, nil)

	dialCtx, cancel := context.WithTimeout(c.ctx, c.opts.DialTimeout)
	ws, _, err := c.dialer.DialContext(dialCtx, c.opts.URL, c.opts.header())
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial gateway: %w", err)
	}
	defer ws.Close()
	unwatch := context.AfterFunc(c.ctx, func() { _ = ws.Close() })
	defer unwatch()

	c.setState(StateAuthenticating, attempt, nil)
	dec := frame.NewDecoder(c.opts.MaxFrameSize, c.logger)
	pending, err := c.authenticate(ws, dec)
	if err != nil {
		return false, err
	}

	c.setState(StateActive, 0, nil)
	c.logger.Info("gateway session active")
	for _, p := range pending {
		c.handle(p)
	}

	var replied atomic.Bool
	var stale atomic.Bool
	done := make(chan struct{})
	defer close(done)
	c.wg.Add(1)
	go c.heartbeat(ws, &replied, &stale, done)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			switch {
			case c.ctx.Err() != nil:
				return true, nil
			case stale.Load():
				return true, errStale
			default:
				return true, fmt.Errorf("read: %w", err)
			}
		}
		for _, p := range c.feed(dec, data) {
			if p.Operation == frame.OpHeartbeatReply {
				replied.Store(true)
			}
			c.handle(p)
		}
	}
}

// authenticate sends the op 7 handshake and waits for the op 8 reply.
// Packets that arrive in the same read after the reply are returned.
func (c *Connection) authenticate(ws *websocket.Conn, dec *frame.Decoder) ([]frame.Packet, error) {
	payload, err := sonic.Marshal(authPayload{
		UID:      c.opts.UID,
		RoomID:   c.roomID,
		ProtoVer: c.opts.ProtoVer,
		Platform: c.opts.Platform,
		Type:     c.opts.AuthType,
		Key:      c.opts.Token,
		Buvid:    c.opts.Buvid,
	})
	if err != nil {
		return nil, fmt.Errorf("encode auth: %w", err)
	}
	msg := frame.Encode(frame.Frame{Version: frame.VersionInt, Operation: frame.OpAuth, Sequence: 1, Payload: payload})
	if err := ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		return nil, fmt.Errorf("send auth: %w", err)
	}

	deadline := time.Now().Add(c.opts.AuthTimeout)
	if err := ws.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if time.Now().After(deadline) {
				return nil, errAuthTimeout
			}
			return nil, fmt.Errorf("await auth reply: %w", err)
		}
		packets := c.feed(dec, data)
		for i, p := range packets {
			if p.Operation != frame.OpAuthReply {
				c.logger.Debug("packet before auth reply ignored", slog.Uint64("op", uint64(p.Operation)))
				continue
			}
			var reply authReply
			if len(p.Body) > 0 {
				if err := sonic.Unmarshal(p.Body, &reply); err != nil {
					return nil, fmt.Errorf("decode auth reply: %w", err)
				}
			}
			if reply.Code != 0 {
				return nil, fmt.Errorf("auth rejected with code %d", reply.Code)
			}
			if err := ws.SetReadDeadline(time.Time{}); err != nil {
				return nil, err
			}
			return packets[i+1:], nil
		}
	}
}

// heartbeat sends op 2 every interval. A tick with no op 3 reply since the
// previous tick closes the socket.
func (c *Connection) heartbeat(ws *websocket.Conn, replied, stale *atomic.Bool, done <-chan struct{}) {
	defer c.wg.Done()
	ping := frame.Encode(frame.Frame{Version: frame.VersionInt, Operation: frame.OpHeartbeat, Sequence: 1})
	send := func() bool {
		if err := ws.WriteMessage(websocket.BinaryMessage, ping); err != nil {
			c.logger.Debug("heartbeat write failed", slogError(err))
			return false
		}
		return true
	}
	if !send() {
		return
	}
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if !replied.Swap(false) {
				c.logger.Warn("heartbeat reply missed, closing socket")
				stale.Store(true)
				_ = ws.Close()
				return
			}
			if !send() {
				return
			}
		}
	}
}

func (c *Connection) feed(dec *frame.Decoder, data []byte) []frame.Packet {
	before := dec.Stats().Dropped
	packets, err := dec.Feed(data)
	if err != nil {
		c.metrics.countError(c.roomID, "resync")
		c.logger.Warn("frame stream resynchronized", slogError(err))
	}
	if dropped := dec.Stats().Dropped - before; dropped > 0 {
		for i := 0; i < dropped; i++ {
			c.metrics.countError(c.roomID, "dropped")
		}
	}
	for _, p := range packets {
		c.metrics.countPackets(c.roomID, p.Operation, 1)
	}
	return packets
}

func (c *Connection) handle(p frame.Packet) {
	switch p.Operation {
	case frame.OpHeartbeatReply:
		c.lastPong.Store(time.Now().UnixNano())
		if p.Version == frame.VersionInt {
			c.sink.HandlePopularity(c.roomID, p.Value)
		}
	case frame.OpNotification:
		if !p.IsJSON() {
			c.logger.Debug("non-json notification skipped", slog.Uint64("version", uint64(p.Version)))
			return
		}
		for _, evt := range c.events.Decode(c.roomID, p.Body) {
			c.sink.HandleEvent(evt)
		}
	case frame.OpAuthReply:
	default:
		c.logger.Debug("unhandled operation", slog.Uint64("op", uint64(p.Operation)))
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
