package live

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/livevoice/internal/command"
	"github.com/loqalabs/livevoice/internal/frame"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingSink struct {
	mu     sync.Mutex
	events []command.Event
	states []StateChange
	pops   []uint32
}

func (s *recordingSink) HandleEvent(evt command.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *recordingSink) HandleState(change StateChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, change)
}

func (s *recordingSink) HandlePopularity(_ int64, value uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pops = append(s.pops, value)
}

func (s *recordingSink) snapshot() ([]command.Event, []StateChange, []uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]command.Event(nil), s.events...), append([]StateChange(nil), s.states...), append([]uint32(nil), s.pops...)
}

func (s *recordingSink) count(room int64, state State) int {
	_, states, _ := s.snapshot()
	n := 0
	for _, c := range states {
		if c.RoomID == room && c.State == state {
			n++
		}
	}
	return n
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// gateway is a scripted fake of the broadcast endpoint.
type gateway struct {
	t   *testing.T
	srv *httptest.Server
	url string

	authCode       atomic.Int32
	silent         atomic.Bool
	dropAfterAuth  atomic.Int32
	noHeartbeatAck atomic.Bool

	mu       sync.Mutex
	dials    int
	auths    []authPayload
	onActive func(ws *websocket.Conn)
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	g := &gateway{t: t}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		g.serve(ws)
	}))
	g.url = "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/sub"
	t.Cleanup(g.srv.Close)
	return g
}

func (g *gateway) dialCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dials
}

func (g *gateway) authPayloads() []authPayload {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]authPayload(nil), g.auths...)
}

func (g *gateway) setOnActive(fn func(ws *websocket.Conn)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onActive = fn
}

func (g *gateway) serve(ws *websocket.Conn) {
	g.mu.Lock()
	g.dials++
	g.mu.Unlock()

	_, data, err := ws.ReadMessage()
	if err != nil {
		return
	}
	packets, err := frame.Decode(data)
	if err != nil || len(packets) != 1 || packets[0].Operation != frame.OpAuth {
		g.t.Errorf("expected a single auth frame, got %v (%v)", packets, err)
		return
	}
	var auth authPayload
	if err := json.Unmarshal(packets[0].Body, &auth); err != nil {
		g.t.Errorf("decode auth payload: %v", err)
		return
	}
	g.mu.Lock()
	g.auths = append(g.auths, auth)
	onActive := g.onActive
	g.mu.Unlock()

	if g.silent.Load() {
		_, _, _ = ws.ReadMessage()
		return
	}
	reply := `{"code":` + strconv.Itoa(int(g.authCode.Load())) + `}`
	if err := ws.WriteMessage(websocket.BinaryMessage, frame.Encode(frame.Frame{
		Version: frame.VersionInt, Operation: frame.OpAuthReply, Sequence: 1, Payload: []byte(reply),
	})); err != nil {
		return
	}
	if g.authCode.Load() != 0 {
		return
	}
	if g.dropAfterAuth.Load() > 0 {
		g.dropAfterAuth.Add(-1)
		return
	}
	if onActive != nil {
		onActive(ws)
	}
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if len(data) < frame.HeaderSize || binary.BigEndian.Uint32(data[8:12]) != frame.OpHeartbeat {
			continue
		}
		if g.noHeartbeatAck.Load() {
			continue
		}
		if err := ws.WriteMessage(websocket.BinaryMessage, frame.EncodeInt(frame.OpHeartbeatReply, 1234)); err != nil {
			return
		}
	}
}

func testOptions(url string) Options {
	opts := DefaultOptions()
	opts.URL = url
	opts.Token = "tok"
	opts.UID = 42
	opts.DialTimeout = time.Second
	opts.AuthTimeout = 200 * time.Millisecond
	opts.HeartbeatInterval = 30 * time.Millisecond
	opts.BackoffInitial = 5 * time.Millisecond
	opts.BackoffMax = 20 * time.Millisecond
	return opts
}

func startConnection(t *testing.T, room int64, opts Options, sink Sink) *Connection {
	t.Helper()
	m, _ := newMetrics()
	c := newConnection(context.Background(), room, opts, sink, m, newLogger())
	t.Cleanup(c.Disconnect)
	c.Start()
	return c
}

func notification(t *testing.T, body string) frame.Frame {
	t.Helper()
	return frame.Frame{Version: frame.VersionJSON, Operation: frame.OpNotification, Payload: []byte(body)}
}

func TestConnectionAuthenticatesAndRelays(t *testing.T) {
	gw := newGateway(t)
	gw.setOnActive(func(ws *websocket.Conn) {
		zlibbed, err := frame.EncodeCompressed(frame.VersionZlib, frame.OpNotification,
			notification(t, `{"cmd":"DANMU_MSG","info":[[],"first",[7,"alice"]]}`),
			notification(t, `{"cmd":"DANMU_MSG","info":[[],"second",[8,"bob"]]}`),
		)
		if err != nil {
			t.Errorf("encode zlib: %v", err)
			return
		}
		brotlied, err := frame.EncodeCompressed(frame.VersionBrotli, frame.OpNotification,
			notification(t, `{"cmd":"SEND_GIFT","data":{"uname":"carol","giftName":"rose","num":2,"total_coin":2000}}`),
		)
		if err != nil {
			t.Errorf("encode brotli: %v", err)
			return
		}
		_ = ws.WriteMessage(websocket.BinaryMessage, zlibbed)
		_ = ws.WriteMessage(websocket.BinaryMessage, brotlied)
	})

	sink := &recordingSink{}
	c := startConnection(t, 1001, testOptions(gw.url), sink)

	waitUntil(t, "three events and a popularity update", func() bool {
		events, _, pops := sink.snapshot()
		return len(events) == 3 && len(pops) > 0
	})

	events, states, pops := sink.snapshot()
	if events[0].Content != "first" || events[1].Content != "second" || events[2].Type != command.TypeGift {
		t.Fatalf("events out of order or malformed: %+v", events)
	}
	for _, evt := range events {
		if evt.RoomID != 1001 {
			t.Fatalf("expected room id on events, got %d", evt.RoomID)
		}
	}
	if pops[0] != 1234 {
		t.Fatalf("expected popularity 1234, got %d", pops[0])
	}
	want := []State{StateConnecting, StateAuthenticating, StateActive}
	for i, s := range want {
		if states[i].State != s {
			t.Fatalf("expected state %d to be %s, got %+v", i, s, states)
		}
	}

	auths := gw.authPayloads()
	if len(auths) != 1 {
		t.Fatalf("expected one auth, got %d", len(auths))
	}
	got := auths[0]
	if got.RoomID != 1001 || got.UID != 42 || got.Key != "tok" || got.ProtoVer != 3 || got.Platform != "web" || got.Type != 2 {
		t.Fatalf("unexpected auth payload %+v", got)
	}
	if info := c.Info(); info.State != StateActive || info.LastPong.IsZero() {
		t.Fatalf("unexpected info %+v", info)
	}

	c.Disconnect()
	_, states, _ = sink.snapshot()
	if last := states[len(states)-1]; last.State != StateDisconnected {
		t.Fatalf("expected final disconnected state, got %+v", last)
	}
	if n := sink.count(1001, StateReconnecting); n != 0 {
		t.Fatalf("disconnect should not reconnect, saw %d reconnecting states", n)
	}
	dials := gw.dialCount()
	time.Sleep(50 * time.Millisecond)
	if gw.dialCount() != dials {
		t.Fatalf("connection redialed after disconnect")
	}
}

func TestConnectionReconnectsAfterDrop(t *testing.T) {
	gw := newGateway(t)
	gw.dropAfterAuth.Store(2)
	sink := &recordingSink{}
	startConnection(t, 7, testOptions(gw.url), sink)

	waitUntil(t, "third session active", func() bool {
		return sink.count(7, StateActive) >= 3
	})
	_, states, _ := sink.snapshot()
	for _, c := range states {
		if c.State == StateReconnecting && c.Attempt != 1 {
			t.Fatalf("backoff should reset after each active session, got attempt %d", c.Attempt)
		}
	}
}

func TestConnectionRetriesRejectedAuth(t *testing.T) {
	gw := newGateway(t)
	gw.authCode.Store(-101)
	sink := &recordingSink{}
	c := startConnection(t, 9, testOptions(gw.url), sink)

	waitUntil(t, "repeated auth attempts", func() bool {
		return sink.count(9, StateReconnecting) >= 3
	})
	_, states, _ := sink.snapshot()
	attempts := 0
	for _, s := range states {
		if s.State == StateActive {
			t.Fatalf("rejected auth must not reach active")
		}
		if s.State == StateReconnecting {
			attempts++
			if s.Attempt != attempts || !strings.Contains(s.Error, "-101") {
				t.Fatalf("unexpected reconnect change %+v", s)
			}
		}
	}

	gw.authCode.Store(0)
	waitUntil(t, "recovery", func() bool { return c.Info().State == StateActive })
}

func TestConnectionAuthTimeout(t *testing.T) {
	gw := newGateway(t)
	gw.silent.Store(true)
	sink := &recordingSink{}
	startConnection(t, 11, testOptions(gw.url), sink)

	waitUntil(t, "auth timeout", func() bool { return sink.count(11, StateReconnecting) >= 1 })
	_, states, _ := sink.snapshot()
	for _, s := range states {
		if s.State == StateReconnecting && s.Error != errAuthTimeout.Error() {
			t.Fatalf("expected auth timeout error, got %q", s.Error)
		}
	}
}

func TestConnectionClosesStaleSocket(t *testing.T) {
	gw := newGateway(t)
	gw.noHeartbeatAck.Store(true)
	sink := &recordingSink{}
	startConnection(t, 12, testOptions(gw.url), sink)

	waitUntil(t, "stale reconnect", func() bool { return sink.count(12, StateReconnecting) >= 1 })
	_, states, _ := sink.snapshot()
	for _, s := range states {
		if s.State == StateReconnecting {
			if s.Error != errStale.Error() {
				t.Fatalf("expected stale heartbeat error, got %q", s.Error)
			}
			break
		}
	}
}

func TestDisconnectBeforeStartAndWhileDialing(t *testing.T) {
	sink := &recordingSink{}
	m, _ := newMetrics()
	idle := newConnection(context.Background(), 1, testOptions("ws://127.0.0.1:1/sub"), sink, m, newLogger())
	idle.Disconnect()
	idle.Start()
	if _, states, _ := sink.snapshot(); len(states) != 0 {
		t.Fatalf("never-started connection should not emit states, got %+v", states)
	}

	failing := startConnection(t, 2, testOptions("ws://127.0.0.1:1/sub"), sink)
	waitUntil(t, "dial failure", func() bool { return sink.count(2, StateReconnecting) >= 1 })
	failing.Disconnect()
	failing.Disconnect()
	if failing.Info().State != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", failing.Info().State)
	}
}
