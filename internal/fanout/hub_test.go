package fanout

import (
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/livevoice/internal/command"
	"github.com/loqalabs/livevoice/internal/live"
	"github.com/loqalabs/livevoice/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func drain(sub *Subscription) []Message {
	var out []Message
	for {
		select {
		case msg, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestEventsRouteByRoom(t *testing.T) {
	h := New(newLogger())
	room1 := h.Subscribe(1, 8)
	room2 := h.Subscribe(2, 8)
	global := h.Subscribe(AllRooms, 8)

	h.PublishEvent(command.Event{Type: command.TypeChat, RoomID: 1, Content: "a"})
	h.PublishEvent(command.Event{Type: command.TypeChat, RoomID: 2, Content: "b"})

	if got := drain(room1); len(got) != 1 || got[0].Event.Content != "a" {
		t.Fatalf("room 1 received %+v", got)
	}
	if got := drain(room2); len(got) != 1 || got[0].Event.Content != "b" {
		t.Fatalf("room 2 received %+v", got)
	}
	got := drain(global)
	if len(got) != 2 || got[0].Event.Content != "a" || got[1].Event.Content != "b" {
		t.Fatalf("global subscriber should see both in order, got %+v", got)
	}
}

func TestStatusReachesEverySubscriber(t *testing.T) {
	h := New(newLogger())
	subs := []*Subscription{h.Subscribe(1, 4), h.Subscribe(2, 4), h.Subscribe(AllRooms, 4)}
	h.PublishStatus(tts.StatusUpdate{Key: "k", RoomID: 1, Status: tts.StatusPending})
	for i, sub := range subs {
		got := drain(sub)
		if len(got) != 1 || got[0].Kind != KindStatus || got[0].Status.Key != "k" {
			t.Fatalf("subscriber %d received %+v", i, got)
		}
	}
}

func TestConnectionAndPopularity(t *testing.T) {
	h := New(newLogger())
	sub := h.Subscribe(7, 4)
	h.PublishConnection(live.StateChange{RoomID: 7, State: live.StateActive})
	h.PublishPopularity(7, 42)
	got := drain(sub)
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].Kind != KindConnection || got[0].Connection.State != live.StateActive {
		t.Fatalf("unexpected connection message %+v", got[0])
	}
	if got[1].Kind != KindPopularity || got[1].Popularity != 42 {
		t.Fatalf("unexpected popularity message %+v", got[1])
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	h := New(newLogger())
	slow := h.Subscribe(1, 2)
	fast := h.Subscribe(1, 16)

	for i := 0; i < 5; i++ {
		h.PublishPopularity(1, uint32(i))
	}

	got := drain(slow)
	if len(got) != 2 || got[0].Popularity != 3 || got[1].Popularity != 4 {
		t.Fatalf("expected the two newest messages, got %+v", got)
	}
	if slow.Dropped() != 3 {
		t.Fatalf("expected 3 dropped, got %d", slow.Dropped())
	}
	if n := len(drain(fast)); n != 5 {
		t.Fatalf("fast subscriber should be unaffected, got %d", n)
	}
}

func TestLateSubscriberSeesNoHistory(t *testing.T) {
	h := New(newLogger())
	h.PublishPopularity(1, 1)
	sub := h.Subscribe(1, 4)
	if got := drain(sub); len(got) != 0 {
		t.Fatalf("expected no history, got %+v", got)
	}
}

func TestCloseUnregisters(t *testing.T) {
	h := New(newLogger())
	sub := h.Subscribe(3, 4)
	if h.Subscribers(3) != 1 {
		t.Fatalf("expected one subscriber")
	}
	sub.Close()
	sub.Close()
	if h.Subscribers(3) != 0 {
		t.Fatalf("expected subscriber removed")
	}
	if _, ok := <-sub.C; ok {
		t.Fatalf("expected closed channel")
	}
	h.PublishPopularity(3, 1)

	other := h.Subscribe(4, 4)
	h.Close()
	if _, ok := <-other.C; ok {
		t.Fatalf("expected hub close to end subscriptions")
	}
	late := h.Subscribe(4, 4)
	if _, ok := <-late.C; ok {
		t.Fatalf("expected subscription after close to be closed")
	}
	if rooms, subs := h.Stats(); rooms != 0 || subs != 0 {
		t.Fatalf("expected empty hub, got %d/%d", rooms, subs)
	}
}
