package rooms

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/livevoice/internal/command"
	"github.com/loqalabs/livevoice/internal/fanout"
	"github.com/loqalabs/livevoice/internal/live"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func waitFor(t *testing.T, r *Registry, room int64, cond func(RoomInfo) bool) RoomInfo {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if info, ok := r.Get(room); ok && cond(info) {
			return info
		}
		time.Sleep(5 * time.Millisecond)
	}
	info, _ := r.Get(room)
	t.Fatalf("room %d never reached expected state, last %+v", room, info)
	return RoomInfo{}
}

func TestRegistryTracksConnectionStream(t *testing.T) {
	hub := fanout.New(newLogger())
	defer hub.Close()
	reg := NewRegistry(context.Background(), hub, time.Minute, newLogger())
	defer reg.Close()

	now := time.Now().UTC()
	hub.PublishConnection(live.StateChange{RoomID: 5, State: live.StateReconnecting, Attempt: 2, Error: "dial gateway: refused", At: now})
	info := waitFor(t, reg, 5, func(i RoomInfo) bool { return i.State == live.StateReconnecting })
	if info.Attempt != 2 || info.LastError != "dial gateway: refused" || info.Healthy {
		t.Fatalf("unexpected reconnecting info %+v", info)
	}

	hub.PublishConnection(live.StateChange{RoomID: 5, State: live.StateActive, At: now})
	hub.PublishPopularity(5, 777)
	hub.PublishEvent(command.Event{Type: command.TypeChat, RoomID: 5})
	info = waitFor(t, reg, 5, func(i RoomInfo) bool { return i.Events == 1 })
	if info.State != live.StateActive || info.Popularity != 777 || !info.Healthy {
		t.Fatalf("unexpected active info %+v", info)
	}
	if info.LastError == "" {
		t.Fatalf("last error should survive recovery")
	}

	hub.PublishConnection(live.StateChange{RoomID: 6, State: live.StateConnecting, At: now})
	waitFor(t, reg, 6, func(i RoomInfo) bool { return i.State == live.StateConnecting })

	active := reg.Query(WithState(live.StateActive))
	if len(active) != 1 || active[0].RoomID != 5 {
		t.Fatalf("unexpected active rooms %+v", active)
	}
	all := reg.Query(nil)
	if len(all) != 2 || all[0].RoomID != 5 || all[1].RoomID != 6 {
		t.Fatalf("expected rooms ordered by id, got %+v", all)
	}

	reg.Forget(6)
	if _, ok := reg.Get(6); ok {
		t.Fatalf("room 6 should be forgotten")
	}
}

func TestRegistryMarksStaleRooms(t *testing.T) {
	hub := fanout.New(newLogger())
	defer hub.Close()
	reg := NewRegistry(context.Background(), hub, time.Hour, newLogger())
	defer reg.Close()

	now := time.Now().UTC()
	hub.PublishConnection(live.StateChange{RoomID: 9, State: live.StateActive, At: now})
	waitFor(t, reg, 9, func(i RoomInfo) bool { return i.Healthy })

	reg.evaluateHealth(now.Add(2 * time.Hour))
	info, _ := reg.Get(9)
	if info.Healthy {
		t.Fatalf("room without heartbeat replies should be stale")
	}
	if got := reg.Query(WithHealth(false)); len(got) != 1 {
		t.Fatalf("expected one unhealthy room, got %+v", got)
	}

	total, byState := reg.snapshotCounts()
	if total != 1 || byState[live.StateActive] != 1 {
		t.Fatalf("unexpected counts %d %v", total, byState)
	}
}
