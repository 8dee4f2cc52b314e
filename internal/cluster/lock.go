package cluster

import (
	"context"
	"sort"

	"github.com/yndnr/rnode-go/internal/core/domain"
)

// AcquireLock blocks until the cluster-wide lock for key is held.
//
// Holds are counted: a key already held by this coordinator is taken again
// without asking the backend, and the backend lock is released with the
// last matching AbandonLock.
//
// Contention is retried after the backend's lock delay and backend errors
// after LockRetryInterval. While the coordinator is suspended the retries
// pause. Finalize makes a pending call fail with domain.ErrCancelled.
func (c *Coordinator) AcquireLock(ctx context.Context, key string) error {
	if key == "" {
		return domain.ErrInvalidArgument.WithDetails("lock key is empty")
	}
	if err := c.check(); err != nil {
		return err
	}
	if c.NonRedundant() {
		c.logger.Warn("skipping lock acquisition in non-redundant mode", "key", key)
		return nil
	}

	if c.retain(key) {
		c.logger.Debug("lock already held, reusing", "key", key)
		return nil
	}

	octx, cancel := c.opContext(ctx)
	defer cancel()
	for {
		ok, err := c.cfg.Backend.AcquireLock(octx, key)
		switch {
		case err != nil:
			if octx.Err() != nil {
				return c.cancelled(ctx, err)
			}
			c.metrics.RecordLockAcquisition("error")
			c.logger.Error("lock acquisition failed, retrying", "key", key, "error", err, "retry_in", c.cfg.LockRetryInterval)
			if err := c.wait(octx, c.cfg.LockRetryInterval); err != nil {
				return c.cancelled(ctx, err)
			}
		case !ok:
			c.metrics.RecordLockAcquisition("contended")
			c.logger.Warn("lock is held elsewhere, retrying", "key", key, "retry_in", c.cfg.Backend.LockDelay())
			if err := c.wait(octx, c.cfg.Backend.LockDelay()); err != nil {
				return c.cancelled(ctx, err)
			}
		default:
			c.hold(key)
			c.metrics.RecordLockAcquisition("acquired")
			c.logger.Info("lock acquired", "key", key)
			return nil
		}
	}
}

// TryAcquireLock makes a single attempt and fails with
// domain.ErrLockAcquisition when the lock is held elsewhere.
func (c *Coordinator) TryAcquireLock(ctx context.Context, key string) error {
	if key == "" {
		return domain.ErrInvalidArgument.WithDetails("lock key is empty")
	}
	if err := c.check(); err != nil {
		return err
	}
	if c.NonRedundant() {
		return nil
	}
	if c.retain(key) {
		return nil
	}
	octx, cancel := c.opContext(ctx)
	defer cancel()
	ok, err := c.cfg.Backend.AcquireLock(octx, key)
	if err != nil {
		c.metrics.RecordLockAcquisition("error")
		return domain.ErrLockAcquisition.WithDetails(key).WithCause(c.cancelled(ctx, err))
	}
	if !ok {
		c.metrics.RecordLockAcquisition("contended")
		return domain.ErrLockAcquisition.WithDetailsf("%s is held elsewhere", key)
	}
	c.hold(key)
	c.metrics.RecordLockAcquisition("acquired")
	return nil
}

// AbandonLock drops one hold of key and releases the backend lock with the
// last one. Failures are retried every LockRetryInterval unless ignoreErr
// is set, in which case the key is forgotten anyway.
func (c *Coordinator) AbandonLock(ctx context.Context, key string, ignoreErr bool) error {
	if c.NonRedundant() {
		c.logger.Warn("skipping lock release in non-redundant mode", "key", key)
		return nil
	}
	if c.State() == StateStopped {
		return domain.ErrCancelled.WithDetails("cluster coordinator is stopped")
	}
	if n := c.unhold(key); n > 0 {
		c.logger.Debug("lock still in use", "key", key, "holders", n)
		return nil
	}

	octx, cancel := c.opContext(ctx)
	defer cancel()
	for {
		err := c.cfg.Backend.ReleaseLock(octx, key)
		if err == nil {
			c.logger.Info("lock released", "key", key)
			return nil
		}
		if ignoreErr {
			c.logger.Warn("lock release failed, ignoring", "key", key, "error", err)
			return nil
		}
		if octx.Err() != nil {
			return c.cancelled(ctx, err)
		}
		c.logger.Error("lock release failed, retrying", "key", key, "error", err, "retry_in", c.cfg.LockRetryInterval)
		if err := c.wait(octx, c.cfg.LockRetryInterval); err != nil {
			return c.cancelled(ctx, err)
		}
	}
}

// HeldKeys returns the keys whose lock is currently held, sorted.
func (c *Coordinator) HeldKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.held))
	for k := range c.held {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// retain adds a hold to key if it is already held.
func (c *Coordinator) retain(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held[key] == 0 {
		return false
	}
	c.held[key]++
	return true
}

func (c *Coordinator) hold(key string) {
	c.mu.Lock()
	c.held[key]++
	n := len(c.held)
	c.mu.Unlock()
	c.metrics.SetLocksHeld(n)
}

// unhold drops one hold of key and returns the holds left.
func (c *Coordinator) unhold(key string) int {
	c.mu.Lock()
	left := c.held[key] - 1
	if left <= 0 {
		left = 0
		delete(c.held, key)
	} else {
		c.held[key] = left
	}
	n := len(c.held)
	c.mu.Unlock()
	c.metrics.SetLocksHeld(n)
	return left
}

// lockExpired is called by the backend when every lock was lost.
func (c *Coordinator) lockExpired() {
	c.mu.Lock()
	keys := make([]string, 0, len(c.held))
	for k := range c.held {
		keys = append(keys, k)
	}
	c.held = make(map[string]int)
	c.mu.Unlock()
	sort.Strings(keys)
	c.metrics.SetLocksHeld(0)

	c.logger.Warn("cluster locks expired", "keys", keys)
	if c.cfg.OnLockExpired != nil {
		go c.cfg.OnLockExpired(keys)
	}
}
