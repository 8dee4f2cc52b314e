package cluster

import (
	"context"
	"sort"
	"strings"

	"github.com/spaolacci/murmur3"
)

// fingerprint hashes a member id set independently of its order.
func fingerprint(ids []string) uint32 {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return murmur3.Sum32([]byte(strings.Join(sorted, "\x00")))
}

func (c *Coordinator) startWatch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watchCancel != nil || c.runCtx == nil {
		return
	}
	ctx, cancel := context.WithCancel(c.runCtx)
	done := make(chan struct{})
	c.watchCancel, c.watchDone = cancel, done
	go func() {
		defer close(done)
		c.watch(ctx)
	}()
}

func (c *Coordinator) stopWatch() {
	c.mu.Lock()
	cancel, done := c.watchCancel, c.watchDone
	c.watchCancel, c.watchDone = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// watch follows membership changes until ctx ends.
func (c *Coordinator) watch(ctx context.Context) {
	for {
		ids, err := c.cfg.Backend.WatchMembers(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Warn("member watch failed, retrying", "error", err, "retry_in", c.cfg.WatchRetryInterval)
			if err := c.wait(ctx, c.cfg.WatchRetryInterval); err != nil {
				return
			}
			continue
		}
		c.apply(ctx, ids)
	}
}

// apply reconciles the member list with ids.
func (c *Coordinator) apply(ctx context.Context, ids []string) {
	fp := fingerprint(ids)
	c.mu.Lock()
	if fp == c.fingerprint {
		c.mu.Unlock()
		return
	}
	c.fingerprint = fp
	c.mu.Unlock()
	c.logger.Info("cluster membership changed", "members", ids)

	current := make(map[string]bool, len(ids))
	for _, id := range ids {
		current[id] = true
	}

	err := c.WithMemberLock(ctx, "membership", func(ctx context.Context) error {
		c.leave(ctx, current)
		c.join(ctx, ids)
		return nil
	})
	if err != nil {
		// Interrupted before anything was applied; look again next time.
		c.mu.Lock()
		c.fingerprint = 0
		c.mu.Unlock()
		return
	}
	c.metrics.SetMembers(len(c.Members()))
}

// leave removes peers missing from current. Callers hold the member lock.
func (c *Coordinator) leave(ctx context.Context, current map[string]bool) {
	c.mu.Lock()
	var gone []Member
	kept := c.peers[:0:0]
	for _, m := range c.peers {
		if current[m.ID] {
			kept = append(kept, m)
		} else {
			gone = append(gone, m)
		}
	}
	c.peers = kept
	boot := c.bootstrap
	orphan := !current[boot.ID] && !c.orphaned
	if orphan {
		c.orphaned = true
	}
	c.mu.Unlock()

	for _, m := range gone {
		c.logger.Warn("member left", "member", m.ID)
		if c.cfg.OnLeave != nil {
			c.cfg.OnLeave(ctx, m)
		}
	}
	if orphan {
		c.logger.Warn("bootstrap member left the cluster", "member", boot.ID)
		if c.cfg.OnBootstrapClosed != nil {
			go c.cfg.OnBootstrapClosed(boot)
		}
	}
}

// join adds members of ids not known yet. Callers hold the member lock.
func (c *Coordinator) join(ctx context.Context, ids []string) {
	c.mu.Lock()
	known := map[string]bool{c.bootstrap.ID: true}
	for _, m := range c.peers {
		known[m.ID] = true
	}
	boot := c.bootstrap.Conn
	c.mu.Unlock()

	for _, id := range ids {
		if known[id] {
			continue
		}
		known[id] = true
		conn, err := c.cfg.Dial(boot, id)
		if err != nil {
			c.logger.Error("cannot create member connection", "member", id, "error", err)
			c.forgetFingerprint()
			continue
		}
		m := Member{ID: id, Conn: conn}
		if c.cfg.OnJoin != nil {
			if err := c.cfg.OnJoin(ctx, m); err != nil {
				c.logger.Error("member join failed", "member", id, "error", err)
				_ = conn.Close(context.WithoutCancel(ctx))
				c.forgetFingerprint()
				continue
			}
		}
		c.mu.Lock()
		c.peers = append(c.peers, m)
		c.mu.Unlock()
		c.logger.Info("member joined", "member", id)
	}
}

// forgetFingerprint makes the next watch result be applied even when it
// equals the current one, so that failed joins are retried.
func (c *Coordinator) forgetFingerprint() {
	c.mu.Lock()
	c.fingerprint = 0
	c.mu.Unlock()
}
