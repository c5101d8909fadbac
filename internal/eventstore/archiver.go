package eventstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"github.com/loqalabs/livevoice/internal/fanout"
)

const pruneInterval = time.Hour

// Archiver copies every fan-out message into the store.
type Archiver struct {
	store  *Store
	sub    *fanout.Subscription
	log    *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewArchiver(ctx context.Context, store *Store, hub *fanout.Hub, log *slog.Logger) *Archiver {
	ctx, cancel := context.WithCancel(ctx)
	a := &Archiver{
		store:  store,
		sub:    hub.Subscribe(fanout.AllRooms, fanout.DefaultBuffer),
		log:    log.With(slog.String("component", "archiver")),
		cancel: cancel,
	}
	a.wg.Add(1)
	go a.run(ctx)
	return a
}

func (a *Archiver) Close() {
	a.cancel()
	a.sub.Close()
	a.wg.Wait()
	if dropped := a.sub.Dropped(); dropped > 0 {
		a.log.Warn("archiver fell behind", slog.Uint64("dropped", dropped))
	}
}

func (a *Archiver) run(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.store.Prune(ctx); err != nil {
				a.log.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		case msg, ok := <-a.sub.C:
			if !ok {
				return
			}
			rec, ok := toRecord(msg)
			if !ok {
				continue
			}
			if err := a.store.Append(ctx, rec); err != nil && ctx.Err() == nil {
				a.log.Warn("failed to archive message", slog.String("kind", rec.Kind), slog.String("error", err.Error()))
			}
		}
	}
}

func toRecord(msg fanout.Message) (Record, bool) {
	rec := Record{RoomID: msg.RoomID, CreatedAt: msg.At}
	switch msg.Kind {
	case fanout.KindEvent:
		if msg.Event == nil {
			return rec, false
		}
		rec.Kind = KindEvent
		rec.Type = string(msg.Event.Type)
		rec.Sender = msg.Event.Sender
		rec.Content = msg.Event.Content
		rec.Payload, _ = sonic.Marshal(msg.Event)
	case fanout.KindStatus:
		if msg.Status == nil {
			return rec, false
		}
		rec.Kind = KindStatus
		rec.Type = string(msg.Status.Status)
		rec.JobKey = msg.Status.Key
		rec.Content = msg.Status.Reason
	case fanout.KindConnection:
		if msg.Connection == nil {
			return rec, false
		}
		rec.Kind = KindConnection
		rec.Type = string(msg.Connection.State)
		rec.Content = msg.Connection.Error
	default:
		// popularity is too chatty to archive
		return rec, false
	}
	return rec, true
}
