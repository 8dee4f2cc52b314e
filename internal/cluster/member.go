package cluster

import (
	"context"
	"log/slog"

	"github.com/yndnr/rnode-go/internal/transport"
)

// Conn is a connection to one member.
type Conn interface {
	transport.Transport
	// ConnectionID identifies the connection, stable across reconnects.
	ConnectionID() string
}

// Dialer creates a closed connection to memberID, reached through bootstrap.
type Dialer func(bootstrap Conn, memberID string) (Conn, error)

// Member is one replica of the cluster.
type Member struct {
	ID        string
	Conn      Conn
	Bootstrap bool
}

// Exclusive is a mutex whose Lock honours context cancellation.
type Exclusive struct {
	name   string
	ch     chan struct{}
	logger *slog.Logger
	trace  bool
}

// NewExclusive creates an unlocked Exclusive. With trace set every acquire
// and release is logged at debug level.
func NewExclusive(name string, logger *slog.Logger, trace bool) *Exclusive {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exclusive{name: name, ch: make(chan struct{}, 1), logger: logger, trace: trace}
}

// Lock blocks until the lock is held or ctx ends.
func (e *Exclusive) Lock(ctx context.Context, op string) error {
	if e.trace {
		e.logger.Debug("lock wait", "lock", e.name, "op", op)
	}
	select {
	case e.ch <- struct{}{}:
		if e.trace {
			e.logger.Debug("lock acquired", "lock", e.name, "op", op)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unlock releases the lock.
func (e *Exclusive) Unlock(op string) {
	<-e.ch
	if e.trace {
		e.logger.Debug("lock released", "lock", e.name, "op", op)
	}
}
