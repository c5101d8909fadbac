package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"

	"github.com/loqalabs/livevoice/internal/bus"
	"github.com/loqalabs/livevoice/internal/config"
	"github.com/loqalabs/livevoice/internal/eventstore"
	"github.com/loqalabs/livevoice/internal/fanout"
	"github.com/loqalabs/livevoice/internal/live"
	"github.com/loqalabs/livevoice/internal/natsserver"
	"github.com/loqalabs/livevoice/internal/protocol"
	"github.com/loqalabs/livevoice/internal/rooms"
	"github.com/loqalabs/livevoice/internal/router"
	"github.com/loqalabs/livevoice/internal/tts"
)

// Subjects retained in the JetStream stream. Request subjects are left out so
// the stream never answers a request with a publish ack.
var streamSubjects = []string{
	protocol.SubjectEventPrefix + ".>",
	protocol.SubjectRoomStatePrefix + ".>",
	protocol.SubjectPopularity,
	protocol.SubjectTTSStatus,
}

type Runtime struct {
	mu          sync.Mutex
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	listener    net.Listener
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup
	started     chan struct{}

	cancel      context.CancelFunc
	nats        *natsserver.EmbeddedServer
	bus         *bus.Client
	store       *eventstore.Store
	archiver    *eventstore.Archiver
	hub         *fanout.Hub
	registry    *rooms.Registry
	scheduler   *tts.Scheduler
	gradio      *tts.GradioEngine
	router      *router.Router
	manager     *live.Manager
	relay       *router.Relay
	ttsService  *tts.Service
	roomService *router.RoomService
	forwarder   *router.Forwarder
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		started: make(chan struct{}),
	}
}

// Started is closed once every component is up and the HTTP server listens.
func (r *Runtime) Started() <-chan struct{} { return r.started }

// Addr is the HTTP listen address, valid after Started.
func (r *Runtime) Addr() string {
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// Relay is the inbound surface for API layers, valid after Started.
func (r *Runtime) Relay() *router.Relay { return r.relay }

// Registry reports room connection state, valid after Started.
func (r *Runtime) Registry() *rooms.Registry { return r.registry }

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startComponents(ctx); err != nil {
		r.stopComponents()
		r.closeTelemetry()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/debug/rooms", r.handleRooms)
	mux.HandleFunc("/debug/queue", r.handleQueue)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		r.stopComponents()
		r.closeTelemetry()
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	r.listener = ln
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	close(r.started)
	r.logger.Info("runtime started", slog.String("addr", ln.Addr().String()))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.stopComponents()
	r.wg.Wait()
	r.closeTelemetry()

	return nil
}

func (r *Runtime) startComponents(parent context.Context) error {
	cfg := r.cfg
	// Components outlive the caller's context so shutdown can run in order.
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	r.cancel = cancel

	r.hub = fanout.New(r.logger)

	if cfg.Bus.Enabled {
		srv, err := natsserver.Start(cfg.Bus, r.logger)
		if err != nil {
			return err
		}
		r.nats = srv
		busCfg := cfg.Bus
		if srv != nil {
			busCfg.Servers = []string{srv.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return err
		}
		r.bus = client
		if cfg.Bus.Stream != "" {
			maxAge := time.Duration(cfg.Bus.StreamMaxAge) * time.Hour
			if err := client.EnsureStream(cfg.Bus.Stream, streamSubjects, maxAge); err != nil {
				r.logger.Warn("jetstream stream unavailable", slog.String("error", err.Error()))
			}
		}
	}

	store, err := eventstore.Open(ctx, cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store
	r.archiver = eventstore.NewArchiver(ctx, store, r.hub, r.logger)
	r.registry = rooms.NewRegistry(ctx, r.hub, ms(cfg.Gateway.StaleAfterMS), r.logger)

	engine, gradio, err := newEngine(cfg.TTS, r.logger)
	if err != nil {
		return err
	}
	player, err := newPlayer(cfg.TTS)
	if err != nil {
		return fmt.Errorf("tts player: %w", err)
	}
	r.scheduler = tts.NewScheduler(ctx, ttsSettings(cfg.TTS), engine, player, r.hub.PublishStatus, r.logger)
	r.scheduler.Start()
	if gradio != nil {
		r.gradio = gradio
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			gradio.Watch(ctx, ms(cfg.TTS.Gradio.ProbeIntervalMS))
		}()
	}

	r.router = router.New(r.hub, r.scheduler, cfg.Announce, cfg.Rules, r.logger)
	r.manager = live.NewManager(ctx, liveOptions(cfg.Gateway), cfg.Gateway.MaxRooms, r.router, r.logger)
	r.relay = router.NewRelay(r.manager, r.hub, r.scheduler, ms(cfg.Gateway.IdleGraceMS), r.logger)

	if r.bus != nil {
		r.ttsService = tts.NewService(r.scheduler, r.bus, r.logger)
		if err := r.ttsService.Start(); err != nil {
			return fmt.Errorf("start tts service: %w", err)
		}
		r.roomService = router.NewRoomService(r.manager, r.bus, r.logger)
		if err := r.roomService.Start(); err != nil {
			return fmt.Errorf("start room service: %w", err)
		}
		r.forwarder = router.NewForwarder(ctx, r.hub, r.bus.Conn(), cfg.Fanout.Buffer, r.logger)
	}

	for _, room := range cfg.Gateway.Rooms {
		if err := r.manager.Subscribe(room); err != nil {
			r.logger.Warn("failed to subscribe configured room", slog.Int64("room_id", room), slog.String("error", err.Error()))
		}
	}
	return nil
}

// stopComponents tears down in reverse dependency order: ingest first, then
// speech, then the sinks that record what happened.
func (r *Runtime) stopComponents() {
	if r.manager != nil {
		r.manager.Close()
	}
	if r.relay != nil {
		r.relay.Close()
	}
	if r.ttsService != nil {
		r.ttsService.Close()
	}
	if r.roomService != nil {
		r.roomService.Close()
	}
	if r.scheduler != nil {
		r.scheduler.Close()
	}
	if r.forwarder != nil {
		r.forwarder.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.archiver != nil {
		r.archiver.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close failed", slog.String("error", err.Error()))
		}
	}
	if r.hub != nil {
		r.hub.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

// Reconfigure applies cfg to running components. Announcement settings,
// rules, queue settings, gateway options and the room list take effect
// immediately; engine, playback, bus and store changes need a restart.
func (r *Runtime) Reconfigure(cfg config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.cfg
	r.cfg = cfg
	if r.router == nil {
		return
	}

	r.router.Reconfigure(cfg.Announce, cfg.Rules)
	r.scheduler.Reconfigure(ttsSettings(cfg.TTS))
	r.manager.Reconfigure(liveOptions(cfg.Gateway), cfg.Gateway.MaxRooms)
	r.relay.SetGrace(ms(cfg.Gateway.IdleGraceMS))
	if r.gradio != nil {
		r.gradio.Update(gradioOptions(cfg.TTS.Gradio))
	}

	previous := make(map[int64]bool, len(prev.Gateway.Rooms))
	for _, room := range prev.Gateway.Rooms {
		previous[room] = true
	}
	for _, room := range cfg.Gateway.Rooms {
		if previous[room] {
			delete(previous, room)
			continue
		}
		if err := r.manager.Subscribe(room); err != nil {
			r.logger.Warn("failed to subscribe configured room", slog.Int64("room_id", room), slog.String("error", err.Error()))
		}
	}
	for room := range previous {
		r.manager.Unsubscribe(room)
	}

	if prev.TTS.Engine != cfg.TTS.Engine || prev.TTS.Command != cfg.TTS.Command ||
		prev.TTS.Playback != cfg.TTS.Playback || !reflect.DeepEqual(prev.Bus, cfg.Bus) ||
		prev.EventStore != cfg.EventStore {
		r.logger.Warn("some configuration changes require a restart")
	}
	r.logger.Info("configuration reloaded",
		slog.Int("rules", len(cfg.Rules)),
		slog.Int("rooms", len(cfg.Gateway.Rooms)))
}

func (r *Runtime) healthy() bool {
	if !r.ready.Load() {
		return false
	}
	if !r.manager.Healthy() || !r.scheduler.Healthy() {
		return false
	}
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	return true
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleRooms(w http.ResponseWriter, req *http.Request) {
	var filter func(rooms.RoomInfo) bool
	if state := req.URL.Query().Get("state"); state != "" {
		filter = func(info rooms.RoomInfo) bool { return strings.EqualFold(string(info.State), state) }
	}
	r.writeJSON(w, r.registry.Query(filter))
}

func (r *Runtime) handleQueue(w http.ResponseWriter, _ *http.Request) {
	r.writeJSON(w, r.scheduler.State())
}

func (r *Runtime) writeJSON(w http.ResponseWriter, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		r.logger.Warn("failed to encode response", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}
