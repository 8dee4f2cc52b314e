package fanout

import (
	"context"

	"github.com/oklog/ulid/v2"

	"github.com/yndnr/rnode-go/internal/cluster"
	"github.com/yndnr/rnode-go/internal/core/domain"
)

// subOp is a standing subscription in the operation log. Subscriptions live
// on the bootstrap member only; memberKey is its key there.
type subOp struct {
	topic     string
	handler   domain.MessageHandler
	memberKey string
}

// Subscribe implements transport.Transport. The subscription is made on the
// bootstrap member and moves with it when the bootstrap is replaced.
func (s *Session) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (string, error) {
	if handler == nil {
		return "", domain.ErrInvalidArgument.WithDetails("message handler is nil")
	}
	if err := s.enter(ctx); err != nil {
		return "", err
	}
	op := &subOp{topic: topic, handler: handler}
	err := s.coord.One(ctx, func(ctx context.Context, m cluster.Member) error {
		key, err := m.Conn.Subscribe(ctx, topic, handler)
		if err != nil {
			return err
		}
		op.memberKey = key
		return nil
	})
	if err != nil {
		return "", err
	}
	public := ulid.Make().String()
	s.mu.Lock()
	s.subs[public] = op
	s.mu.Unlock()
	return public, nil
}

// Unsubscribe implements transport.Transport. Unknown keys are ignored.
func (s *Session) Unsubscribe(ctx context.Context, key string) error {
	if err := s.enter(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	op := s.subs[key]
	var memberKey string
	if op != nil {
		memberKey = op.memberKey
	}
	s.mu.Unlock()
	if op == nil {
		s.logger.Warn("subscription not found", "key", key)
		return nil
	}
	err := s.coord.One(ctx, func(ctx context.Context, m cluster.Member) error {
		return m.Conn.Unsubscribe(ctx, memberKey)
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.subs, key)
	s.mu.Unlock()
	return nil
}

// UnsubscribeAll drops every subscription on every member, in reverse
// member order, carrying on past failures.
func (s *Session) UnsubscribeAll(ctx context.Context) error {
	if err := s.enter(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.subs = make(map[string]*subOp)
	s.mu.Unlock()
	return s.coord.Waterfall(ctx, func(ctx context.Context, m cluster.Member) error {
		if u, ok := m.Conn.(unsubscribeAller); ok {
			return u.UnsubscribeAll(ctx)
		}
		return nil
	}, true, true)
}

// resubscribe replays every subscription on the bootstrap member.
func (s *Session) resubscribe(ctx context.Context) {
	s.mu.Lock()
	ops := make([]*subOp, 0, len(s.subs))
	for _, op := range s.subs {
		ops = append(ops, op)
	}
	boot := s.boot
	s.mu.Unlock()

	for _, op := range ops {
		key, err := boot.Subscribe(ctx, op.topic, op.handler)
		if err != nil {
			s.metrics.RecordReplay("subscribe", "error")
			s.logger.Error("subscription replay failed", "topic", op.topic, "error", err)
			continue
		}
		s.mu.Lock()
		op.memberKey = key
		s.mu.Unlock()
		s.metrics.RecordReplay("subscribe", "ok")
	}
}
