package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/livevoice/internal/config"
	"github.com/loqalabs/livevoice/internal/protocol"
	"github.com/loqalabs/livevoice/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.HTTP.Port = 0
	cfg.Bus.Enabled = false
	cfg.EventStore.RetentionMode = "ephemeral"
	return cfg
}

func startRuntime(t *testing.T, cfg config.Config) *Runtime {
	t.Helper()
	rt := New(cfg, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()

	select {
	case <-rt.Started():
	case err := <-done:
		cancel()
		t.Fatalf("runtime exited early: %v", err)
	case <-time.After(10 * time.Second):
		cancel()
		t.Fatal("runtime did not start")
	}
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("runtime returned error: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("runtime did not stop")
		}
	})
	return rt
}

func get(t *testing.T, rt *Runtime, path string) (int, []byte) {
	t.Helper()
	resp, err := http.Get("http://" + rt.Addr() + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, body
}

func TestSettingsMapping(t *testing.T) {
	cfg := config.Default()
	cfg.TTS.OverflowPolicy = "EVICT"
	cfg.TTS.Voice = "alto"

	settings := ttsSettings(cfg.TTS)
	if settings.Overflow != tts.OverflowEvict || settings.Capacity != 5 || settings.Voice.Name != "alto" {
		t.Fatalf("unexpected tts settings %+v", settings)
	}
	if settings.SynthTimeout != time.Minute {
		t.Fatalf("unexpected synth timeout %v", settings.SynthTimeout)
	}

	opts := liveOptions(cfg.Gateway)
	if opts.HeartbeatInterval != 30*time.Second || opts.BackoffMax != 30*time.Second || opts.ProtoVer != 3 {
		t.Fatalf("unexpected live options %+v", opts)
	}

	g := gradioOptions(cfg.TTS.Gradio)
	if g.RepetitionPenalty != 1.35 || g.RequestTimeout != time.Minute || g.SampleSteps != "32" {
		t.Fatalf("unexpected gradio options %+v", g)
	}
}

func TestComponentFactories(t *testing.T) {
	cfg := config.Default().TTS
	if _, gradio, err := newEngine(cfg, newLogger()); err != nil || gradio != nil {
		t.Fatalf("mock engine: %v", err)
	}
	cfg.Engine = "gradio"
	if engine, gradio, err := newEngine(cfg, newLogger()); err != nil || gradio == nil || engine.Ready() {
		t.Fatalf("gradio engine should start unready: %v", err)
	}
	cfg.Engine = "whisper"
	if _, _, err := newEngine(cfg, newLogger()); err == nil {
		t.Fatal("expected unknown engine error")
	}
	if _, err := newPlayer(config.TTSConfig{Playback: config.PlaybackConfig{Mode: "mock"}}); err != nil {
		t.Fatalf("mock player: %v", err)
	}
	if _, err := newPlayer(config.TTSConfig{Playback: config.PlaybackConfig{Mode: "exec", Command: `ffplay "-i`}}); err == nil {
		t.Fatal("unterminated quote in player command should fail")
	}
	if _, err := newPlayer(config.TTSConfig{Playback: config.PlaybackConfig{Mode: "alsa"}}); err == nil {
		t.Fatal("expected unknown playback mode error")
	}
}

func TestRuntimeServesHealthAndQueue(t *testing.T) {
	rt := startRuntime(t, testConfig(t))

	if code, body := get(t, rt, "/healthz"); code != http.StatusOK || string(body) != "ok" {
		t.Fatalf("unexpected healthz %d %s", code, body)
	}
	if code, _ := get(t, rt, "/readyz"); code != http.StatusOK {
		t.Fatalf("unexpected readyz %d", code)
	}

	if _, err := rt.Relay().Enqueue("hello there", "NORMAL", 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	code, body := get(t, rt, "/debug/queue")
	if code != http.StatusOK {
		t.Fatalf("unexpected queue status %d", code)
	}
	var state tts.QueueState
	if err := json.Unmarshal(body, &state); err != nil {
		t.Fatalf("decode queue: %v", err)
	}
	if state.Capacity != 5 || !state.Enabled {
		t.Fatalf("unexpected queue state %+v", state)
	}

	if code, body := get(t, rt, "/debug/rooms"); code != http.StatusOK || len(body) == 0 {
		t.Fatalf("unexpected rooms response %d %s", code, body)
	}
	if code, body := get(t, rt, "/debug/rooms?state=active"); code != http.StatusOK || string(body) != "null" {
		t.Fatalf("no room should be active, got %d %s", code, body)
	}
}

func TestRuntimeReconfigure(t *testing.T) {
	rt := startRuntime(t, testConfig(t))

	cfg := testConfig(t)
	cfg.TTS.Capacity = 2
	cfg.TTS.Enabled = false
	rt.Reconfigure(cfg)

	if got := rt.Relay().QueueState(); got.Capacity != 2 || got.Enabled {
		t.Fatalf("scheduler not reconfigured: %+v", got)
	}
	if _, err := rt.Relay().Enqueue("hello", "", 0); err != tts.ErrDisabled {
		t.Fatalf("expected disabled after reload, got %v", err)
	}
}

func TestRuntimeBusEnqueue(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = t.TempDir()
	rt := startRuntime(t, cfg)

	nc, err := nats.Connect(rt.nats.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()

	statuses := make(chan *nats.Msg, 8)
	sub, err := nc.ChanSubscribe(protocol.SubjectTTSStatus, statuses)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	data, _ := json.Marshal(protocol.EnqueueRequest{Text: "from the bus", Priority: "HIGH"})
	msg, err := nc.Request(protocol.SubjectTTSEnqueue, data, 5*time.Second)
	if err != nil {
		t.Fatalf("enqueue request: %v", err)
	}
	var reply protocol.EnqueueReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if !reply.OK || reply.Key == "" {
		t.Fatalf("unexpected reply %+v", reply)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case m := <-statuses:
			var update tts.StatusUpdate
			if err := json.Unmarshal(m.Data, &update); err != nil {
				t.Fatalf("decode status: %v", err)
			}
			if update.Key == reply.Key && update.Status == tts.StatusDone {
				return
			}
		case <-deadline:
			t.Fatal("job never reported done on the bus")
		}
	}
}
