package fanout

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/yndnr/rnode-go/internal/core/domain"
	"github.com/yndnr/rnode-go/internal/session"
)

// Registry memoizes promotions per bootstrap connection id. A session
// stays registered under the id of every bootstrap it has had.
type Registry struct {
	cfg   Config
	group singleflight.Group

	mu       sync.Mutex
	promoted map[string]*Session
}

// NewRegistry creates an empty Registry promoting with cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, promoted: make(map[string]*Session)}
}

// Promote returns the fan-out session for boot, creating and starting it on
// first use. Concurrent calls for the same connection share one promotion,
// which runs under the first caller's ctx. A failed promotion is not
// remembered.
func (r *Registry) Promote(ctx context.Context, boot *session.Session) (*Session, error) {
	if boot == nil {
		return nil, domain.ErrInvalidArgument.WithDetails("bootstrap session is nil")
	}
	key := boot.ConnectionID()
	if s, ok := r.Lookup(key); ok {
		return s, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		if s, ok := r.Lookup(key); ok {
			return s, nil
		}
		s, err := newSession(r.cfg, boot)
		if err != nil {
			return nil, err
		}
		if err := s.start(ctx); err != nil {
			s.cancel()
			_ = s.coord.Finalize(context.WithoutCancel(ctx))
			return nil, err
		}
		s.mu.Lock()
		s.release = func() { r.forget(s) }
		s.alias = func(key string) { r.alias(s, key) }
		s.mu.Unlock()
		r.mu.Lock()
		r.promoted[key] = s
		r.mu.Unlock()
		s.logger.Info("session promoted", "connection_id", key, "members", s.Members())
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Lookup returns the fan-out session promoted from connection id key.
func (r *Registry) Lookup(key string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.promoted[key]
	return s, ok
}

// Demote closes every member except the bootstrap, stops the coordinator,
// forgets the fan-out session and returns the bootstrap session, which
// stays open with its own mounts and subscriptions.
func (r *Registry) Demote(ctx context.Context, s *Session) (*session.Session, error) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	r.forget(s)
	s.cancel()

	err := s.teardown(ctx)
	s.logger.Info("session demoted", "connection_id", s.key)
	return s.Bootstrap(), err
}

// forget drops every id s is registered under. Callers mark s closed first,
// so that a concurrent alias cannot outlive it.
func (r *Registry) forget(s *Session) {
	r.mu.Lock()
	for k, v := range r.promoted {
		if v == s {
			delete(r.promoted, k)
		}
	}
	r.mu.Unlock()
}

func (r *Registry) alias(s *Session, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	if cur, ok := r.promoted[key]; ok && cur != s {
		s.logger.Warn("connection id already promoted, not aliasing", "connection_id", key)
		return
	}
	r.promoted[key] = s
}

// CloseAll closes every promoted session.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	seen := make(map[*Session]bool, len(r.promoted))
	all := make([]*Session, 0, len(r.promoted))
	for _, s := range r.promoted {
		if !seen[s] {
			seen[s] = true
			all = append(all, s)
		}
	}
	r.promoted = make(map[string]*Session)
	r.mu.Unlock()

	var first error
	for _, s := range all {
		if err := s.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
