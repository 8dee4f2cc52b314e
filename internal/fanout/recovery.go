package fanout

import (
	"context"
	"time"

	"github.com/yndnr/rnode-go/internal/cluster"
	"github.com/yndnr/rnode-go/internal/core/domain"
	"github.com/yndnr/rnode-go/internal/session"
)

// standingMounts returns a snapshot of the operation log's mounts.
func (s *Session) standingMounts() map[string]*mountOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*mountOp, len(s.mounts))
	for h, op := range s.mounts {
		out[h] = op
	}
	return out
}

// memberJoined replays every standing mount on a new member. It runs with
// the member lock held; an error keeps the member out until the next
// membership change.
func (s *Session) memberJoined(ctx context.Context, m cluster.Member) error {
	if err := m.Conn.Open(ctx); err != nil {
		return err
	}
	done := make([]*mountOp, 0)
	for public, op := range s.standingMounts() {
		if err := s.mountOn(ctx, m, public, op); err != nil {
			s.metrics.RecordReplay("mount", "error")
			for _, d := range done {
				_ = s.unmountOn(ctx, m, d)
			}
			return err
		}
		done = append(done, op)
		s.metrics.RecordReplay("mount", "ok")
	}
	s.logger.Info("member joined, mounts replayed", "member", m.ID, "mounts", len(done))
	return nil
}

// memberLeft forgets the member's mounts and closes its connection.
func (s *Session) memberLeft(ctx context.Context, m cluster.Member) {
	id := m.Conn.ConnectionID()
	for _, op := range s.standingMounts() {
		op.drop(id)
	}
	if err := m.Conn.Close(ctx); err != nil {
		s.logger.Warn("closing departed member failed", "member", m.ID, "error", err)
	}
}

// locksExpired remounts the singleton mounts whose lock was lost, so that
// they only come back once the lock is held again.
func (s *Session) locksExpired(keys []string) {
	lost := make(map[string]bool, len(keys))
	for _, k := range keys {
		lost[k] = true
	}
	for public, op := range s.standingMounts() {
		if !op.mode.RequiresLock() || !lost[op.path] {
			continue
		}
		s.logger.Warn("lock lost, remounting", "path", op.path, "handle", public)
		go s.replay(public, op)
	}
}

// replay remounts op until it succeeds, the mount is removed or the session
// is closed.
func (s *Session) replay(public string, op *mountOp) {
	for {
		err := s.remount(s.life, public, op)
		if err == nil {
			s.metrics.RecordReplay("mount", "ok")
			return
		}
		if s.life.Err() != nil {
			return
		}
		s.metrics.RecordReplay("mount", "error")
		s.logger.Error("mount replay failed, retrying", "path", op.path, "handle", public, "error", err, "retry_in", s.cfg.InitRetryInterval)
		t := time.NewTimer(s.cfg.InitRetryInterval)
		select {
		case <-t.C:
		case <-s.life.Done():
			t.Stop()
			return
		}
	}
}

// bootstrapClosed replaces a bootstrap member that left the cluster: the
// coordinator is torn down, a new bootstrap connection is opened, the
// coordinator is restarted from it and the operation log is replayed.
// Operations wait while this runs.
func (s *Session) bootstrapClosed(m cluster.Member) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	select {
	case <-s.ready:
	default:
		s.mu.Unlock()
		return // already recovering
	}
	s.ready = make(chan struct{})
	ready := s.ready
	old := s.boot
	s.mu.Unlock()
	defer close(ready)

	ctx := s.life
	s.logger.Warn("bootstrap member left, recovering", "member", m.ID)
	if err := s.teardown(ctx); err != nil {
		s.logger.Warn("cluster teardown incomplete", "error", err)
	}
	if err := old.Close(ctx); err != nil {
		s.logger.Warn("closing old bootstrap failed", "error", err)
	}

	boot, err := s.reconnect(ctx)
	if err != nil {
		s.logger.Error("bootstrap recovery aborted", "error", err)
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = boot.Close(context.WithoutCancel(ctx))
		return
	}
	s.boot = boot
	alias := s.alias
	s.mu.Unlock()
	if alias != nil {
		alias(boot.ConnectionID())
	}

	if err := s.coord.Initialize(ctx, boot); err != nil {
		s.logger.Error("cluster re-initialization aborted", "error", err)
		return
	}
	if ctx.Err() != nil {
		// Closed while initializing.
		_ = s.coord.Finalize(context.WithoutCancel(ctx))
		return
	}
	s.resubscribe(ctx)

	for public, op := range s.standingMounts() {
		finished := make(chan struct{})
		go func() {
			defer close(finished)
			s.replay(public, op)
		}()
		t := time.NewTimer(s.cfg.ReplayTimeout)
		select {
		case <-finished:
			t.Stop()
		case <-t.C:
			s.metrics.RecordReplay("mount", "timeout")
			s.logger.Warn("mount replay slow, continuing in background", "path", op.path, "handle", public)
		}
	}
	s.logger.Info("bootstrap recovered", "connection_id", boot.ConnectionID(), "members", s.Members())
}

// reconnect obtains and opens a replacement bootstrap, retrying until it
// works or the session is closed.
func (s *Session) reconnect(ctx context.Context) (*session.Session, error) {
	old := s.Bootstrap()
	for {
		boot, err := s.cfg.Reconnect(ctx, old)
		if err == nil {
			if err = boot.Open(ctx); err == nil {
				return boot, nil
			}
			_ = boot.Close(context.WithoutCancel(ctx))
		}
		s.logger.Error("bootstrap reconnect failed, retrying", "error", err, "retry_in", s.cfg.InitRetryInterval)
		t := time.NewTimer(s.cfg.InitRetryInterval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, domain.ErrCancelled.WithDetails("fan-out session closed during recovery")
		}
	}
}
