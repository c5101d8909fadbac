package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/livevoice/tts"

// SynthesisDurationMetric is the histogram of per-job synthesis time.
const SynthesisDurationMetric = "livevoice.tts.synthesis.duration"

// Settings is the immutable scheduler configuration. Reconfigure swaps the
// whole value.
type Settings struct {
	Enabled      bool
	Capacity     int
	Overflow     OverflowPolicy
	GainDB       float64
	Voice        Voice
	SynthTimeout time.Duration
}

// DefaultSettings matches the configuration defaults.
func DefaultSettings() Settings {
	return Settings{
		Enabled:      true,
		Capacity:     5,
		Overflow:     OverflowReject,
		SynthTimeout: 60 * time.Second,
	}
}

// Scheduler owns the bounded priority queue and the single playback worker.
type Scheduler struct {
	engine Engine
	player Player
	sink   StatusSink
	logger *slog.Logger
	tracer trace.Tracer

	settings atomic.Pointer[Settings]

	mu      sync.Mutex
	queue   queue
	playing *Job
	stop    context.CancelFunc
	wake    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	newKey func() string
	now    func() time.Time

	enqueued metric.Int64Counter
	rejected metric.Int64Counter
	finished metric.Int64Counter
	synth    metric.Float64Histogram
}

// NewScheduler builds a scheduler. Call Start to launch the worker. A nil
// sink discards status updates.
func NewScheduler(parent context.Context, settings Settings, engine Engine, player Player, sink StatusSink, log *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(parent)
	if sink == nil {
		sink = func(StatusUpdate) {}
	}
	s := &Scheduler{
		engine: engine,
		player: player,
		sink:   sink,
		logger: log.With(slog.String("component", "tts-scheduler")),
		tracer: otel.Tracer(instrumentationName),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		newKey: uuid.NewString,
		now:    time.Now,
	}
	s.settings.Store(&settings)
	if err := s.initMetrics(); err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return s
}

func (s *Scheduler) initMetrics() error {
	fallback := noop.NewMeterProvider().Meter(instrumentationName)
	s.enqueued, _ = fallback.Int64Counter("enqueued")
	s.rejected, _ = fallback.Int64Counter("rejected")
	s.finished, _ = fallback.Int64Counter("finished")
	s.synth, _ = fallback.Float64Histogram("synthesis")

	meter := otel.Meter(instrumentationName)
	var err error
	if s.enqueued, err = meter.Int64Counter("livevoice.tts.jobs.enqueued", metric.WithDescription("Jobs admitted to the speech queue")); err != nil {
		return err
	}
	if s.rejected, err = meter.Int64Counter("livevoice.tts.jobs.rejected", metric.WithDescription("Enqueue calls refused at admission")); err != nil {
		return err
	}
	if s.finished, err = meter.Int64Counter("livevoice.tts.jobs.finished", metric.WithDescription("Jobs that reached a terminal status")); err != nil {
		return err
	}
	if s.synth, err = meter.Float64Histogram(SynthesisDurationMetric, metric.WithUnit("s"), metric.WithDescription("Time spent synthesizing one job")); err != nil {
		return err
	}
	depth, err := meter.Int64ObservableGauge("livevoice.tts.queue.depth", metric.WithDescription("Pending jobs"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		s.mu.Lock()
		n := s.queue.len()
		s.mu.Unlock()
		obs.ObserveInt64(depth, int64(n))
		return nil
	}, depth)
	return err
}

// Start launches the playback worker.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
}

// Close stops the worker, cancelling any job in flight and every pending job.
func (s *Scheduler) Close() {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()

		s.mu.Lock()
		defer s.mu.Unlock()
		for j := s.queue.pop(); j != nil; j = s.queue.pop() {
			s.transition(j, StatusCancelled, "shutdown")
		}
	})
}

// Healthy reports whether the worker is running.
func (s *Scheduler) Healthy() bool { return s.ctx.Err() == nil }

// Settings returns the snapshot in use.
func (s *Scheduler) Settings() Settings { return *s.settings.Load() }

// Reconfigure installs a new settings snapshot. Jobs beyond a reduced
// capacity are cancelled, oldest NORMAL first. The job in flight keeps the
// settings it started with.
func (s *Scheduler) Reconfigure(settings Settings) {
	s.settings.Store(&settings)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.queue.trim(settings.Capacity) {
		s.transition(j, StatusCancelled, "evicted")
	}
}

// Enqueue admits text for playback and returns immediately. On ErrQueueFull
// the returned job carries the generated key and a cancelled status, which
// is also reported to the sink.
func (s *Scheduler) Enqueue(text string, priority Priority, roomID int64) (Job, error) {
	settings := s.settings.Load()
	if priority != PriorityHigh {
		priority = PriorityNormal
	}

	if s.ctx.Err() != nil {
		return Job{}, ErrClosed
	}
	if !settings.Enabled {
		s.reject(priority, "disabled")
		return Job{}, ErrDisabled
	}
	text = strings.TrimSpace(text)
	if text == "" {
		s.reject(priority, "empty")
		return Job{}, ErrEmptyText
	}
	if s.engine == nil || !s.engine.Ready() {
		s.reject(priority, "not_ready")
		return Job{}, ErrEngineNotReady
	}

	job := &Job{
		Key:        s.newKey(),
		Text:       text,
		Priority:   priority,
		RoomID:     roomID,
		EnqueuedAt: s.now().UTC(),
		Status:     StatusPending,
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return Job{}, ErrClosed
	}
	evicted, ok := s.queue.admit(priority, settings.Capacity, settings.Overflow)
	if !ok {
		job.Status = StatusCancelled
		s.emit(job, "queue full")
		s.mu.Unlock()
		s.reject(priority, "full")
		return *job, ErrQueueFull
	}
	if evicted != nil {
		s.transition(evicted, StatusCancelled, "evicted")
	}
	s.queue.push(job)
	s.emit(job, "")
	snapshot := *job
	s.mu.Unlock()

	s.enqueued.Add(context.Background(), 1, metric.WithAttributes(attribute.String("priority", priority.String())))
	s.signal()
	return snapshot, nil
}

func (s *Scheduler) reject(priority Priority, reason string) {
	s.rejected.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("priority", priority.String()),
		attribute.String("reason", reason),
	))
}

// Cancel removes a pending job, or interrupts the playing one. Interrupting
// is best effort: the worker reports cancelled once synthesis or playback
// observes the cancellation. It returns false when key is unknown or already
// finished.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j := s.queue.remove(key); j != nil {
		s.transition(j, StatusCancelled, "cancelled")
		return true
	}
	if s.playing != nil && s.playing.Key == key && s.stop != nil {
		s.stop()
		return true
	}
	return false
}

// State returns the job in flight and pending jobs in play order.
func (s *Scheduler) State() QueueState {
	settings := s.settings.Load()
	st := QueueState{
		Capacity: settings.Capacity,
		Policy:   settings.Overflow,
		Enabled:  settings.Enabled,
		Ready:    s.engine != nil && s.engine.Ready(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playing != nil {
		playing := *s.playing
		st.Playing = &playing
	}
	st.Pending = s.queue.snapshot()
	return st
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	for {
		job, ctx := s.next()
		if job == nil {
			return
		}
		s.play(ctx, job)
	}
}

// next blocks until a job is pending and marks it playing.
func (s *Scheduler) next() (*Job, context.Context) {
	for {
		s.mu.Lock()
		if s.ctx.Err() != nil {
			s.mu.Unlock()
			return nil, nil
		}
		if j := s.queue.pop(); j != nil {
			ctx, cancel := context.WithCancel(s.ctx)
			s.playing = j
			s.stop = cancel
			s.transition(j, StatusPlaying, "")
			s.mu.Unlock()
			return j, ctx
		}
		s.mu.Unlock()

		select {
		case <-s.ctx.Done():
			return nil, nil
		case <-s.wake:
		}
	}
}

func (s *Scheduler) play(ctx context.Context, job *Job) {
	settings := s.settings.Load()
	ctx, span := s.tracer.Start(ctx, "tts.job",
		trace.WithAttributes(
			attribute.String("tts.key", job.Key),
			attribute.String("tts.priority", job.Priority.String()),
			attribute.Int64("tts.room_id", job.RoomID),
			attribute.Int("tts.text_length", len(job.Text)),
		))
	defer span.End()

	err := s.render(ctx, job, *settings)
	status, reason := StatusDone, ""
	switch {
	case err != nil && ctx.Err() != nil:
		status, reason = StatusCancelled, "cancelled"
	case err != nil:
		status, reason = StatusCancelled, err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("speech job failed", slog.String("key", job.Key), slogError(err))
	case ctx.Err() != nil:
		status, reason = StatusCancelled, "cancelled"
	}

	s.mu.Lock()
	if s.stop != nil {
		s.stop()
	}
	s.playing = nil
	s.stop = nil
	s.transition(job, status, reason)
	s.mu.Unlock()
}

func (s *Scheduler) render(ctx context.Context, job *Job, settings Settings) error {
	synthCtx := ctx
	if settings.SynthTimeout > 0 {
		var cancel context.CancelFunc
		synthCtx, cancel = context.WithTimeout(ctx, settings.SynthTimeout)
		defer cancel()
	}
	started := time.Now()
	clip, err := s.engine.Synthesize(synthCtx, SynthRequest{Key: job.Key, Text: job.Text, Voice: settings.Voice})
	s.synth.Record(ctx, time.Since(started).Seconds())
	if err != nil {
		return fmt.Errorf("synthesize: %w", err)
	}
	if len(clip.Data) == 0 {
		return errors.New("synthesize: engine returned no audio")
	}
	s.logger.Debug("speech synthesized",
		slog.String("key", job.Key),
		slog.Int("bytes", len(clip.Data)),
		slog.Duration("elapsed", time.Since(started)))

	if settings.GainDB != 0 {
		adjusted, err := ApplyGain(clip, settings.GainDB)
		if err != nil {
			s.logger.Warn("gain not applied", slog.String("key", job.Key), slogError(err))
		} else {
			clip = adjusted
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.player.Play(ctx, clip); err != nil {
		return fmt.Errorf("play: %w", err)
	}
	return nil
}

// transition updates j and reports it. Callers hold s.mu.
func (s *Scheduler) transition(j *Job, status Status, reason string) {
	j.Status = status
	s.emit(j, reason)
	if status.Terminal() {
		s.finished.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", string(status))))
	}
}

func (s *Scheduler) emit(j *Job, reason string) {
	s.sink(StatusUpdate{Key: j.Key, RoomID: j.RoomID, Status: j.Status, Reason: reason, At: s.now().UTC()})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
