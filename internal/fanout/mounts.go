package fanout

import (
	"context"
	"errors"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/yndnr/rnode-go/internal/cluster"
	"github.com/yndnr/rnode-go/internal/core/domain"
)

// mountOp is a standing mount in the operation log.
type mountOp struct {
	path    string
	mode    domain.MountMode
	handler domain.ProxyHandler
	opts    domain.MountOptions

	mu      sync.Mutex
	handles map[string]string // member connection id -> member mount handle
}

func (op *mountOp) handle(connID string) (string, bool) {
	op.mu.Lock()
	defer op.mu.Unlock()
	h, ok := op.handles[connID]
	return h, ok
}

func (op *mountOp) set(connID, handle string) {
	op.mu.Lock()
	op.handles[connID] = handle
	op.mu.Unlock()
}

func (op *mountOp) drop(connID string) {
	op.mu.Lock()
	delete(op.handles, connID)
	op.mu.Unlock()
}

func (op *mountOp) reset() map[string]string {
	op.mu.Lock()
	defer op.mu.Unlock()
	old := op.handles
	op.handles = make(map[string]string)
	return old
}

// mountOn mounts op on member m. Connection hooks stay with the bootstrap;
// OnRemount reports the public handle.
func (s *Session) mountOn(ctx context.Context, m cluster.Member, public string, op *mountOp) error {
	o := op.opts
	if !m.Bootstrap {
		o.OnDisconnect, o.OnReconnect = nil, nil
	}
	if fn := op.opts.OnRemount; fn != nil {
		o.OnRemount = func(string) { fn(public) }
	}
	h, err := m.Conn.Mount(ctx, op.path, op.mode, op.handler, &o)
	if err != nil {
		return err
	}
	op.set(m.Conn.ConnectionID(), h)
	return nil
}

func (s *Session) unmountOn(ctx context.Context, m cluster.Member, op *mountOp) error {
	h, ok := op.handle(m.Conn.ConnectionID())
	if !ok {
		return nil
	}
	if err := m.Conn.Unmount(ctx, h); err != nil {
		return err
	}
	op.drop(m.Conn.ConnectionID())
	return nil
}

// Mount implements transport.Transport. Singleton mounts first take the
// cluster-wide lock for path, which may block until another node gives it
// up. The mount is then made on every member. The returned handle is stable
// for the lifetime of the mount, whatever happens to the members.
func (s *Session) Mount(ctx context.Context, path string, mode domain.MountMode, handler domain.ProxyHandler, opts *domain.MountOptions) (string, error) {
	if path == "" {
		return "", domain.ErrInvalidArgument.WithDetails("mount path is empty")
	}
	if !mode.Valid() {
		return "", domain.ErrInvalidMountMode.WithDetailsf("unknown mode %q", mode)
	}
	if handler == nil {
		return "", domain.ErrInvalidArgument.WithDetails("proxy handler is nil")
	}
	if err := s.enter(ctx); err != nil {
		return "", err
	}

	op := &mountOp{path: path, mode: mode, handler: handler, handles: make(map[string]string)}
	if opts != nil {
		op.opts = *opts
	}
	public := ulid.Make().String()
	if err := s.establish(ctx, public, op, true); err != nil {
		return "", err
	}
	s.logger.Info("mounted on cluster", "path", path, "mode", mode, "handle", public, "members", len(s.coord.Members()))
	return public, nil
}

// errUnmounted stops the replay of a mount that was removed meanwhile.
var errUnmounted = errors.New("mount was removed")

// establish takes the lock if needed, mounts op on every member and records
// it under public. On failure the partial mounts and the lock are undone.
// A replay (fresh unset) only proceeds while public still names op.
func (s *Session) establish(ctx context.Context, public string, op *mountOp, fresh bool) error {
	if op.mode.RequiresLock() {
		if err := s.coord.AcquireLock(ctx, op.path); err != nil {
			return err
		}
	}
	err := s.coord.WithMemberLock(ctx, "mount "+op.path, func(ctx context.Context) error {
		if !fresh && !s.standing(public, op) {
			return errUnmounted
		}
		err := s.coord.All(ctx, func(ctx context.Context, m cluster.Member) error {
			return s.mountOn(ctx, m, public, op)
		})
		if err != nil {
			s.undo(context.WithoutCancel(ctx), op)
			return err
		}
		s.mu.Lock()
		s.mounts[public] = op
		s.mu.Unlock()
		return nil
	})
	if err != nil && op.mode.RequiresLock() {
		_ = s.coord.AbandonLock(context.WithoutCancel(ctx), op.path, true)
	}
	if errors.Is(err, errUnmounted) {
		return nil
	}
	return err
}

func (s *Session) standing(public string, op *mountOp) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mounts[public] == op
}

// undo removes whatever part of op is mounted. Callers hold the member lock.
func (s *Session) undo(ctx context.Context, op *mountOp) {
	for _, m := range s.coord.Members() {
		if err := s.unmountOn(ctx, m, op); err != nil {
			s.logger.Warn("rollback unmount failed", "path", op.path, "member", m.ID, "error", err)
		}
	}
}

// Unmount implements transport.Transport. Unknown handles are ignored.
func (s *Session) Unmount(ctx context.Context, handle string) error {
	if err := s.enter(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	op := s.mounts[handle]
	s.mu.Unlock()
	if op == nil {
		s.logger.Warn("mount handle not found", "handle", handle)
		return nil
	}

	err := s.coord.WithMemberLock(ctx, "unmount "+op.path, func(ctx context.Context) error {
		if err := s.coord.All(ctx, func(ctx context.Context, m cluster.Member) error {
			return s.unmountOn(ctx, m, op)
		}); err != nil {
			return err
		}
		s.mu.Lock()
		delete(s.mounts, handle)
		s.mu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}
	if op.mode.RequiresLock() {
		if err := s.coord.AbandonLock(ctx, op.path, false); err != nil {
			return err
		}
	}
	s.logger.Info("unmounted from cluster", "path", op.path, "handle", handle)
	return nil
}

// UnmountAll removes every mount from every member and abandons every
// singleton lock, ignoring release failures.
func (s *Session) UnmountAll(ctx context.Context) error {
	if err := s.enter(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	ops := make([]*mountOp, 0, len(s.mounts))
	for _, op := range s.mounts {
		ops = append(ops, op)
	}
	s.mounts = make(map[string]*mountOp)
	s.mu.Unlock()

	err := s.coord.WithMemberLock(ctx, "unmount all", func(ctx context.Context) error {
		return s.coord.All(ctx, func(ctx context.Context, m cluster.Member) error {
			if u, ok := m.Conn.(unmountAller); ok {
				return u.UnmountAll(ctx)
			}
			for _, op := range ops {
				if err := s.unmountOn(ctx, m, op); err != nil {
					s.logger.Warn("unmount failed, dropping", "path", op.path, "member", m.ID, "error", err)
				}
			}
			return nil
		})
	})
	for _, op := range ops {
		if op.mode.RequiresLock() {
			_ = s.coord.AbandonLock(ctx, op.path, true)
		}
	}
	return err
}

// Mounts returns the standing mounts keyed by public handle, with the
// member handles each one currently has.
func (s *Session) Mounts() map[string]MountInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]MountInfo, len(s.mounts))
	for h, op := range s.mounts {
		op.mu.Lock()
		members := make(map[string]string, len(op.handles))
		for k, v := range op.handles {
			members[k] = v
		}
		op.mu.Unlock()
		out[h] = MountInfo{Path: op.path, Mode: op.mode, Members: members}
	}
	return out
}

// MountInfo describes a standing fan-out mount.
type MountInfo struct {
	Path    string
	Mode    domain.MountMode
	Members map[string]string // member connection id -> member mount handle
}

// remount re-establishes op under its existing public handle after its
// lock was lost: it is unmounted everywhere, the lock is taken again and
// the mount is fanned out anew.
func (s *Session) remount(ctx context.Context, public string, op *mountOp) error {
	_ = s.coord.WithMemberLock(ctx, "unmount "+op.path, func(ctx context.Context) error {
		for _, m := range s.coord.Members() {
			if err := s.unmountOn(ctx, m, op); err != nil {
				s.logger.Debug("stale unmount failed", "path", op.path, "member", m.ID, "error", err)
			}
		}
		op.reset()
		return nil
	})
	return s.establish(ctx, public, op, false)
}
