package router

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/nats-io/nats.go"

	"github.com/loqalabs/livevoice/internal/bus"
	"github.com/loqalabs/livevoice/internal/fanout"
	"github.com/loqalabs/livevoice/internal/protocol"
)

// Publisher is the subset of *nats.Conn the forwarder needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Forwarder copies every fan-out message onto the bus.
type Forwarder struct {
	pub    Publisher
	sub    *fanout.Subscription
	logger *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewForwarder(parent context.Context, hub *fanout.Hub, pub Publisher, buffer int, logger *slog.Logger) *Forwarder {
	ctx, cancel := context.WithCancel(parent)
	f := &Forwarder{
		pub:    pub,
		sub:    hub.Subscribe(fanout.AllRooms, buffer),
		logger: logger.With(slog.String("component", "bus-forwarder")),
		cancel: cancel,
	}
	f.wg.Add(1)
	go f.run(ctx)
	return f
}

func (f *Forwarder) Close() {
	f.cancel()
	f.sub.Close()
	f.wg.Wait()
	if dropped := f.sub.Dropped(); dropped > 0 {
		f.logger.Warn("forwarder fell behind", slog.Uint64("dropped", dropped))
	}
}

func (f *Forwarder) run(ctx context.Context) {
	defer f.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-f.sub.C:
			if !ok {
				return
			}
			subject, payload, ok := subjectFor(msg)
			if !ok {
				continue
			}
			data, err := sonic.Marshal(payload)
			if err != nil {
				f.logger.Warn("failed to encode bus message", slog.String("kind", string(msg.Kind)), slogError(err))
				continue
			}
			if err := f.pub.Publish(subject, data); err != nil {
				f.logger.Warn("failed to publish bus message", slog.String("subject", subject), slogError(err))
			}
		}
	}
}

func subjectFor(msg fanout.Message) (string, any, bool) {
	switch msg.Kind {
	case fanout.KindEvent:
		if msg.Event == nil {
			return "", nil, false
		}
		return protocol.EventSubject(msg.RoomID), msg.Event, true
	case fanout.KindConnection:
		if msg.Connection == nil {
			return "", nil, false
		}
		return protocol.RoomStateSubject(msg.RoomID), msg.Connection, true
	case fanout.KindStatus:
		if msg.Status == nil {
			return "", nil, false
		}
		return protocol.SubjectTTSStatus, msg.Status, true
	case fanout.KindPopularity:
		return protocol.SubjectPopularity, protocol.Popularity{
			RoomID:    msg.RoomID,
			Value:     msg.Popularity,
			Timestamp: msg.At,
		}, true
	default:
		return "", nil, false
	}
}

// RoomService answers room subscribe, unsubscribe and list requests on the
// bus. Rooms started here are not reference counted.
type RoomService struct {
	rooms  Rooms
	bus    *bus.Client
	subs   []*nats.Subscription
	logger *slog.Logger
}

func NewRoomService(rooms Rooms, busClient *bus.Client, logger *slog.Logger) *RoomService {
	return &RoomService{
		rooms:  rooms,
		bus:    busClient,
		logger: logger.With(slog.String("component", "room-service")),
	}
}

func (s *RoomService) Start() error {
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectRoomSubscribe:   s.handleSubscribe,
		protocol.SubjectRoomUnsubscribe: s.handleUnsubscribe,
		protocol.SubjectRoomList:        s.handleList,
	}
	for subject, handler := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			s.Close()
			return err
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *RoomService) Close() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *RoomService) Healthy() bool { return len(s.subs) > 0 }

func (s *RoomService) handleSubscribe(msg *nats.Msg) {
	var req protocol.RoomRequest
	if err := sonic.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, protocol.RoomReply{Rooms: s.rooms.Rooms(), Error: err.Error()})
		return
	}
	if err := s.rooms.Subscribe(req.RoomID); err != nil {
		s.logger.Warn("room subscribe refused", slog.Int64("room_id", req.RoomID), slogError(err))
		s.respond(msg, protocol.RoomReply{Rooms: s.rooms.Rooms(), Error: err.Error()})
		return
	}
	s.respond(msg, protocol.RoomReply{OK: true, Rooms: s.rooms.Rooms()})
}

func (s *RoomService) handleUnsubscribe(msg *nats.Msg) {
	var req protocol.RoomRequest
	if err := sonic.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, protocol.RoomReply{Rooms: s.rooms.Rooms(), Error: err.Error()})
		return
	}
	ok := s.rooms.Unsubscribe(req.RoomID)
	s.respond(msg, protocol.RoomReply{OK: ok, Rooms: s.rooms.Rooms()})
}

func (s *RoomService) handleList(msg *nats.Msg) {
	s.respond(msg, protocol.RoomReply{OK: true, Rooms: s.rooms.Rooms()})
}

func (s *RoomService) respond(msg *nats.Msg, reply protocol.RoomReply) {
	if msg.Reply == "" {
		return
	}
	if reply.Rooms == nil {
		reply.Rooms = []int64{}
	}
	data, err := sonic.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to marshal reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send reply", slog.String("subject", msg.Subject), slogError(err))
	}
}
