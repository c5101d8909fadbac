package tts

import (
	"errors"
	"log/slog"

	"github.com/bytedance/sonic"
	"github.com/nats-io/nats.go"

	"github.com/loqalabs/livevoice/internal/bus"
	"github.com/loqalabs/livevoice/internal/protocol"
)

// Service exposes a Scheduler on the message bus.
type Service struct {
	sched  *Scheduler
	bus    *bus.Client
	subs   []*nats.Subscription
	logger *slog.Logger
}

func NewService(sched *Scheduler, busClient *bus.Client, log *slog.Logger) *Service {
	return &Service{
		sched:  sched,
		bus:    busClient,
		logger: log.With(slog.String("component", "tts-service")),
	}
}

func (s *Service) Start() error {
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectTTSEnqueue: s.handleEnqueue,
		protocol.SubjectTTSCancel:  s.handleCancel,
		protocol.SubjectTTSState:   s.handleState,
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

func (s *Service) Close() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool { return len(s.subs) > 0 && s.sched.Healthy() }

func (s *Service) handleEnqueue(msg *nats.Msg) {
	var req protocol.EnqueueRequest
	if err := sonic.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode enqueue request", slogError(err))
		s.respond(msg, protocol.EnqueueReply{Error: protocol.ErrCodeBadRequest, Reason: err.Error()})
		return
	}
	priority, err := ParsePriority(req.Priority)
	if err != nil {
		s.respond(msg, protocol.EnqueueReply{Error: protocol.ErrCodeBadRequest, Reason: err.Error()})
		return
	}
	job, err := s.sched.Enqueue(req.Text, priority, req.RoomID)
	if err != nil {
		s.respond(msg, protocol.EnqueueReply{Key: job.Key, Error: ErrorCode(err), Reason: err.Error()})
		return
	}
	s.respond(msg, protocol.EnqueueReply{OK: true, Key: job.Key})
}

func (s *Service) handleCancel(msg *nats.Msg) {
	var req protocol.CancelRequest
	if err := sonic.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode cancel request", slogError(err))
		s.respond(msg, protocol.CancelReply{})
		return
	}
	s.respond(msg, protocol.CancelReply{OK: s.sched.Cancel(req.Key)})
}

func (s *Service) handleState(msg *nats.Msg) {
	s.respond(msg, s.sched.State())
}

func (s *Service) respond(msg *nats.Msg, reply any) {
	if msg.Reply == "" {
		return
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

// ErrorCode maps admission errors to wire codes.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrDisabled):
		return protocol.ErrCodeDisabled
	case errors.Is(err, ErrEmptyText):
		return protocol.ErrCodeEmptyText
	case errors.Is(err, ErrEngineNotReady):
		return protocol.ErrCodeNotReady
	case errors.Is(err, ErrQueueFull):
		return protocol.ErrCodeQueueFull
	default:
		return protocol.ErrCodeUnavailable
	}
}
