package conn

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/yndnr/rnode-go/internal/core/domain"
)

// Func opens or closes the underlying transport.
type Func func(ctx context.Context) error

// HandleConfig configures a Handle.
type HandleConfig struct {
	// Name identifies the connection in logs and errors, typically the core
	// node URL.
	Name string

	Open  Func
	Close Func

	// OpenTimeout bounds a shared open attempt. Zero means no bound beyond
	// the callers' contexts.
	OpenTimeout time.Duration

	Logger *slog.Logger
}

// Handle guards the open/close lifecycle of one transport.
//
// At most one open or close transition runs at a time. Concurrent EnsureOpen
// callers share a single attempt and observe the same outcome.
type Handle struct {
	cfg    HandleConfig
	logger *slog.Logger

	mu        sync.Mutex // serializes open/close transitions
	isOpen    atomic.Bool
	suspended atomic.Bool
	flight    singleflight.Group
}

// NewHandle creates a closed Handle.
func NewHandle(cfg HandleConfig) *Handle {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handle{
		cfg:    cfg,
		logger: logger.With("component", "conn", "core_node", cfg.Name),
	}
}

// Name returns the configured connection name.
func (h *Handle) Name() string { return h.cfg.Name }

// IsOpen reports whether the transport is currently open.
func (h *Handle) IsOpen() bool { return h.isOpen.Load() }

// EnsureOpen opens the transport if it is not open yet.
//
// A failed attempt is reported as domain.ErrConnection. If ctx ends first the
// caller stops waiting, but the shared attempt keeps running for the others.
func (h *Handle) EnsureOpen(ctx context.Context) error {
	if err := h.Check(); err != nil {
		return err
	}
	if h.isOpen.Load() {
		return nil
	}

	ch := h.flight.DoChan("open", func() (any, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.isOpen.Load() {
			return nil, nil
		}

		octx := context.WithoutCancel(ctx)
		if h.cfg.OpenTimeout > 0 {
			var cancel context.CancelFunc
			octx, cancel = context.WithTimeout(octx, h.cfg.OpenTimeout)
			defer cancel()
		}
		if h.cfg.Open != nil {
			if err := h.cfg.Open(octx); err != nil {
				h.logger.Warn("open failed", "error", err)
				return nil, domain.ErrConnection.WithDetails(h.cfg.Name).WithCause(err)
			}
		}
		h.isOpen.Store(true)
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the transport. It is idempotent and best effort: teardown
// errors are logged and not returned.
func (h *Handle) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.isOpen.Load() {
		return nil
	}
	if h.cfg.Close != nil {
		if err := h.cfg.Close(ctx); err != nil {
			h.logger.Warn("close failed, ignoring", "error", err)
		}
	}
	h.isOpen.Store(false)
	return nil
}

// MarkClosed records that the transport went away on its own, so that the
// next EnsureOpen opens it again.
func (h *Handle) MarkClosed() {
	h.isOpen.Store(false)
}

// Suspend gates every operation checked with Check. The transport is left up.
func (h *Handle) Suspend() {
	if h.suspended.CompareAndSwap(false, true) {
		h.logger.Info("suspended")
	}
}

// Resume lifts the suspend gate.
func (h *Handle) Resume() {
	if h.suspended.CompareAndSwap(true, false) {
		h.logger.Info("resumed")
	}
}

// Suspended reports whether the handle is suspended.
func (h *Handle) Suspended() bool { return h.suspended.Load() }

// Check returns domain.ErrSuspended while the handle is suspended.
func (h *Handle) Check() error {
	if h.suspended.Load() {
		return domain.ErrSuspended.WithDetails(h.cfg.Name)
	}
	return nil
}
