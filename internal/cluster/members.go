package cluster

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/yndnr/rnode-go/internal/core/domain"
)

// Members returns the bootstrap member followed by the discovered peers.
func (c *Coordinator) Members() []Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bootstrap.Conn == nil {
		return nil
	}
	out := make([]Member, 0, len(c.peers)+1)
	out = append(out, c.bootstrap)
	return append(out, c.peers...)
}

// WithMemberLock runs fn while holding the member lock, which keeps
// membership changes from interleaving with it. The lock is bypassed in
// non-redundant mode.
func (c *Coordinator) WithMemberLock(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if c.NonRedundant() {
		return fn(ctx)
	}
	if err := c.lock.Lock(ctx, op); err != nil {
		return err
	}
	defer c.lock.Unlock(op)
	return fn(ctx)
}

// All runs fn against every member concurrently and returns the first error.
func (c *Coordinator) All(ctx context.Context, fn func(ctx context.Context, m Member) error) error {
	members := c.Members()
	if len(members) == 0 {
		return domain.ErrNoMember
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range members {
		g.Go(func() error { return fn(gctx, m) })
	}
	return g.Wait()
}

// One runs fn against the bootstrap member.
func (c *Coordinator) One(ctx context.Context, fn func(ctx context.Context, m Member) error) error {
	members := c.Members()
	if len(members) == 0 {
		return domain.ErrNoMember
	}
	return fn(ctx, members[0])
}

// Waterfall runs fn against each member in order, or in reverse order. It
// stops at the first error unless continueOnError is set, in which case
// errors are logged and nil is returned.
func (c *Coordinator) Waterfall(ctx context.Context, fn func(ctx context.Context, m Member) error, reverse, continueOnError bool) error {
	members := c.Members()
	if reverse {
		for i, j := 0, len(members)-1; i < j; i, j = i+1, j-1 {
			members[i], members[j] = members[j], members[i]
		}
	}
	for _, m := range members {
		if err := fn(ctx, m); err != nil {
			if !continueOnError {
				return err
			}
			c.logger.Warn("waterfall step failed, continuing", "member", m.ID, "error", err)
		}
	}
	return nil
}
