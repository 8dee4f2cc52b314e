package cluster

import (
	"context"
	"time"
)

// Backend binds a Coordinator to an external coordination service.
//
// Every method makes a single attempt; retrying is left to the Coordinator.
type Backend interface {
	// Init resolves the identity of the bootstrap member and the current
	// member ids, which include it. expired is called when the backend loses
	// every lock it held.
	Init(ctx context.Context, bootstrap Conn, expired func()) (self string, members []string, err error)

	// WatchMembers blocks until the member set may have changed and returns
	// the current member ids.
	WatchMembers(ctx context.Context) ([]string, error)

	// AcquireLock tries once to take the lock for key. false means another
	// holder has it.
	AcquireLock(ctx context.Context, key string) (bool, error)
	// ReleaseLock releases the lock for key.
	ReleaseLock(ctx context.Context, key string) error
	// LockDelay is how long a released or expired lock stays unavailable.
	LockDelay() time.Duration

	// Suspend pauses background work such as lock renewal; Resume restarts it.
	Suspend()
	Resume()

	// Finalize stops background work and releases backend resources.
	Finalize(ctx context.Context) error
}
