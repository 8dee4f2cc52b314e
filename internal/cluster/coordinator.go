package cluster

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yndnr/rnode-go/internal/core/domain"
	"github.com/yndnr/rnode-go/internal/telemetry/metric"
)

// State is the lifecycle state of a Coordinator.
type State int

const (
	StateStopped State = iota
	StateStarted
	StateSuspended
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "started"
	case StateSuspended:
		return "suspended"
	}
	return "stopped"
}

// Defaults applied by New for zero Config fields.
const (
	DefaultInitRetryInterval  = 10 * time.Second
	DefaultLockRetryInterval  = 10 * time.Second
	DefaultWatchRetryInterval = 60 * time.Second
)

// Config configures a Coordinator.
type Config struct {
	Backend Backend
	Dial    Dialer

	// NonRedundant lets a failed Initialize fall back to a bootstrap-only
	// cluster without locking instead of retrying.
	NonRedundant bool

	InitRetryInterval  time.Duration
	LockRetryInterval  time.Duration
	WatchRetryInterval time.Duration

	// OnJoin runs with the member lock held before a new member is added.
	// An error keeps the member out until the next membership change.
	OnJoin func(ctx context.Context, m Member) error
	// OnLeave runs with the member lock held after a member was removed.
	OnLeave func(ctx context.Context, m Member)
	// OnBootstrapClosed runs in its own goroutine when the bootstrap member
	// leaves the cluster.
	OnBootstrapClosed func(m Member)
	// OnLockExpired runs in its own goroutine with the keys that were held
	// when the backend lost its locks.
	OnLockExpired func(keys []string)

	// TraceLocks logs every member lock acquire and release.
	TraceLocks bool

	Metrics *metric.Registry
	Logger  *slog.Logger
}

// Coordinator tracks cluster members and cluster-wide locks.
type Coordinator struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Registry
	lock    *Exclusive // member lock

	initMu sync.Mutex // serializes Initialize and Finalize

	mu           sync.Mutex
	state        State
	nonRedundant bool
	bootstrap    Member
	peers        []Member
	held         map[string]int // key -> holders within this coordinator
	fingerprint  uint32
	orphaned     bool // bootstrap left the catalog
	runCtx       context.Context
	runCancel    context.CancelFunc
	suspended    chan struct{} // closed while suspended
	resumed      chan struct{} // closed while not suspended
	watchCancel  context.CancelFunc
	watchDone    chan struct{}
}

// New creates a stopped Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Backend == nil && !cfg.NonRedundant {
		return nil, domain.ErrInvalidArgument.WithDetails("cluster backend is nil")
	}
	if cfg.Dial == nil {
		return nil, domain.ErrInvalidArgument.WithDetails("member dialer is nil")
	}
	if cfg.InitRetryInterval <= 0 {
		cfg.InitRetryInterval = DefaultInitRetryInterval
	}
	if cfg.LockRetryInterval <= 0 {
		cfg.LockRetryInterval = DefaultLockRetryInterval
	}
	if cfg.WatchRetryInterval <= 0 {
		cfg.WatchRetryInterval = DefaultWatchRetryInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "cluster")

	resumed := make(chan struct{})
	close(resumed)
	return &Coordinator{
		cfg:       cfg,
		logger:    logger,
		metrics:   cfg.Metrics,
		lock:      NewExclusive("member", logger, cfg.TraceLocks),
		held:      make(map[string]int),
		suspended: make(chan struct{}),
		resumed:   resumed,
	}, nil
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// NonRedundant reports whether the coordinator runs bootstrap-only.
func (c *Coordinator) NonRedundant() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonRedundant
}

// Bootstrap returns the bootstrap member.
func (c *Coordinator) Bootstrap() Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bootstrap
}

// Initialize starts the coordinator from bootstrap. Backend failures are
// retried every InitRetryInterval, or degrade to non-redundant mode when
// configured. Calling Initialize on a started coordinator is a no-op.
func (c *Coordinator) Initialize(ctx context.Context, bootstrap Conn) error {
	if bootstrap == nil {
		return domain.ErrInvalidArgument.WithDetails("bootstrap connection is nil")
	}
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if c.State() != StateStopped {
		return nil
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.runCtx, c.runCancel = runCtx, runCancel
	c.orphaned = false
	c.fingerprint = 0
	c.mu.Unlock()

	for {
		err := c.start(ctx, bootstrap)
		if err == nil {
			return nil
		}
		if c.cfg.NonRedundant {
			c.logger.Warn("cluster initialization failed, running in non-redundant mode", "error", err)
			c.mu.Lock()
			c.nonRedundant = true
			c.bootstrap = Member{ID: uuid.NewString(), Conn: bootstrap, Bootstrap: true}
			c.peers = nil
			c.state = StateStarted
			c.mu.Unlock()
			c.metrics.SetMembers(1)
			return nil
		}
		c.logger.Error("cluster initialization failed, retrying", "error", err, "retry_in", c.cfg.InitRetryInterval)

		t := time.NewTimer(c.cfg.InitRetryInterval)
		select {
		case <-t.C:
		case <-runCtx.Done():
			t.Stop()
			return domain.ErrCancelled.WithDetails("cluster finalized during initialization")
		case <-ctx.Done():
			t.Stop()
			runCancel()
			return ctx.Err()
		}
	}
}

func (c *Coordinator) start(ctx context.Context, bootstrap Conn) error {
	if c.cfg.Backend == nil {
		return errors.New("no cluster backend configured")
	}
	octx, cancel := c.opContext(ctx)
	defer cancel()
	self, ids, err := c.cfg.Backend.Init(octx, bootstrap, c.lockExpired)
	if err != nil {
		return err
	}
	peers := make([]Member, 0, len(ids))
	for _, id := range ids {
		if id == self {
			continue
		}
		conn, err := c.cfg.Dial(bootstrap, id)
		if err != nil {
			return err
		}
		peers = append(peers, Member{ID: id, Conn: conn})
	}

	c.mu.Lock()
	c.nonRedundant = false
	c.bootstrap = Member{ID: self, Conn: bootstrap, Bootstrap: true}
	c.peers = peers
	c.fingerprint = fingerprint(ids)
	c.state = StateStarted
	c.mu.Unlock()
	c.metrics.SetMembers(len(peers) + 1)
	c.logger.Info("cluster initialized", "self", self, "members", ids)

	c.startWatch()
	return nil
}

// Finalize stops the coordinator. Lock acquisitions still pending fail with
// domain.ErrCancelled. Connections of the non-bootstrap members are closed;
// the bootstrap connection is left to the caller.
func (c *Coordinator) Finalize(ctx context.Context) error {
	// Abort a retrying Initialize before waiting for it.
	c.mu.Lock()
	if c.runCancel != nil {
		c.runCancel()
	}
	c.mu.Unlock()

	c.initMu.Lock()
	defer c.initMu.Unlock()

	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return nil
	}
	if c.state == StateSuspended {
		close(c.resumed)
		c.suspended = make(chan struct{})
	}
	c.state = StateStopped
	nonRedundant := c.nonRedundant
	c.held = make(map[string]int)
	c.mu.Unlock()

	// Peers are dropped only once no join can be in flight.
	c.stopWatch()
	c.mu.Lock()
	peers := c.peers
	c.peers = nil
	c.mu.Unlock()
	c.metrics.SetLocksHeld(0)
	c.metrics.SetMembers(0)

	var errs []error
	for _, m := range peers {
		if err := m.Conn.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if !nonRedundant && c.cfg.Backend != nil {
		if err := c.cfg.Backend.Finalize(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	c.logger.Info("cluster finalized")
	return err
}

// Suspend pauses membership watching, lock renewal and lock retries
// without discarding members or held locks.
func (c *Coordinator) Suspend() {
	c.mu.Lock()
	if c.state != StateStarted {
		c.mu.Unlock()
		return
	}
	c.state = StateSuspended
	close(c.suspended)
	c.resumed = make(chan struct{})
	c.mu.Unlock()

	c.stopWatch()
	if c.cfg.Backend != nil && !c.NonRedundant() {
		c.cfg.Backend.Suspend()
	}
	c.logger.Info("cluster suspended")
}

// Resume restarts what Suspend paused.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	if c.state != StateSuspended {
		c.mu.Unlock()
		return
	}
	c.state = StateStarted
	close(c.resumed)
	c.suspended = make(chan struct{})
	nonRedundant := c.nonRedundant
	c.mu.Unlock()

	if c.cfg.Backend != nil && !nonRedundant {
		c.cfg.Backend.Resume()
		c.startWatch()
	}
	c.logger.Info("cluster resumed")
}

// check fails unless the coordinator is started.
func (c *Coordinator) check() error {
	switch c.State() {
	case StateSuspended:
		return domain.ErrSuspended.WithDetails("cluster coordinator")
	case StateStopped:
		return domain.ErrCancelled.WithDetails("cluster coordinator is stopped")
	}
	return nil
}

// opContext returns a context cancelled by ctx or by Finalize.
func (c *Coordinator) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	c.mu.Lock()
	run := c.runCtx
	c.mu.Unlock()
	octx, cancel := context.WithCancel(ctx)
	if run == nil {
		cancel()
		return octx, cancel
	}
	stop := context.AfterFunc(run, cancel)
	return octx, func() {
		stop()
		cancel()
	}
}

// cancelled maps an error observed after Finalize to domain.ErrCancelled.
func (c *Coordinator) cancelled(ctx context.Context, err error) error {
	if c.State() == StateStopped {
		return domain.ErrCancelled.WithCause(err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// wait sleeps for d. It returns early, without error, when the coordinator
// is suspended and later resumed, so that the caller retries at once.
func (c *Coordinator) wait(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	suspended := c.suspended
	c.mu.Unlock()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-suspended:
	case <-ctx.Done():
		return c.cancelled(ctx, ctx.Err())
	}
	return c.awaitRunning(ctx)
}

// awaitRunning blocks while the coordinator is suspended.
func (c *Coordinator) awaitRunning(ctx context.Context) error {
	for {
		c.mu.Lock()
		state, resumed := c.state, c.resumed
		c.mu.Unlock()
		switch state {
		case StateStarted:
			return nil
		case StateStopped:
			return domain.ErrCancelled.WithDetails("cluster coordinator is stopped")
		}
		select {
		case <-resumed:
		case <-ctx.Done():
			return c.cancelled(ctx, ctx.Err())
		}
	}
}
