package fanout

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/yndnr/rnode-go/internal/cluster"
	"github.com/yndnr/rnode-go/internal/core/domain"
	"github.com/yndnr/rnode-go/internal/session"
	"github.com/yndnr/rnode-go/internal/telemetry/metric"
	"github.com/yndnr/rnode-go/internal/transport"
)

// DefaultReplayTimeout bounds how long recovery waits for one replayed
// operation before moving on and letting it finish in the background.
const DefaultReplayTimeout = 30 * time.Second

// Reconnector returns a closed replacement for a bootstrap connection that
// left the cluster.
type Reconnector func(ctx context.Context, old *session.Session) (*session.Session, error)

// Config configures promotion.
type Config struct {
	// NewBackend creates the coordination backend of one promoted session.
	// Nil means non-redundant operation.
	NewBackend func() cluster.Backend

	// NonRedundant degrades to a bootstrap-only cluster when the backend
	// cannot be initialized.
	NonRedundant bool

	InitRetryInterval  time.Duration
	LockRetryInterval  time.Duration
	WatchRetryInterval time.Duration
	ReplayTimeout      time.Duration
	TraceLocks         bool

	// Reconnect defaults to a fresh session with the same settings.
	Reconnect Reconnector
	// Dial defaults to DialMember.
	Dial cluster.Dialer

	Metrics *metric.Registry
	Logger  *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.ReplayTimeout <= 0 {
		c.ReplayTimeout = DefaultReplayTimeout
	}
	if c.InitRetryInterval <= 0 {
		c.InitRetryInterval = cluster.DefaultInitRetryInterval
	}
	if c.Reconnect == nil {
		c.Reconnect = func(_ context.Context, old *session.Session) (*session.Session, error) {
			return old.Clone(old.BasePath())
		}
	}
	if c.Dial == nil {
		c.Dial = DialMember
	}
	if c.NewBackend == nil {
		c.NonRedundant = true
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// DialMember reaches memberID through the bootstrap's core node at
// "<basePath>/<memberID>" with the bootstrap's credentials.
func DialMember(bootstrap cluster.Conn, memberID string) (cluster.Conn, error) {
	s, ok := bootstrap.(*session.Session)
	if !ok {
		return nil, domain.ErrInvalidArgument.WithDetailsf("cannot dial members through %T", bootstrap)
	}
	return s.Clone(path.Join("/", s.BasePath(), memberID))
}

type unmountAller interface {
	UnmountAll(ctx context.Context) error
}

type unsubscribeAller interface {
	UnsubscribeAll(ctx context.Context) error
}

// Session fans operations out over the members of a cluster.
type Session struct {
	cfg     Config
	key     string
	logger  *slog.Logger
	metrics *metric.Registry
	coord   *cluster.Coordinator

	// life ends on Close; background replays run under it.
	life   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	boot    *session.Session
	mounts  map[string]*mountOp
	subs    map[string]*subOp
	ready   chan struct{} // closed unless recovering
	closed  bool
	release func()           // removes the session from its Registry
	alias   func(key string) // registers a replacement bootstrap's connection id
}

var (
	_ transport.Transport = (*Session)(nil)
	_ transport.Suspender = (*Session)(nil)
)

func newSession(cfg Config, boot *session.Session) (*Session, error) {
	cfg.applyDefaults()
	life, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	close(ready)
	s := &Session{
		cfg:     cfg,
		key:     boot.ConnectionID(),
		logger:  cfg.Logger.With("component", "fanout", "core_node", boot.URL()+boot.BasePath()),
		metrics: cfg.Metrics,
		life:    life,
		cancel:  cancel,
		boot:    boot,
		mounts:  make(map[string]*mountOp),
		subs:    make(map[string]*subOp),
		ready:   ready,
	}

	var backend cluster.Backend
	if cfg.NewBackend != nil {
		backend = cfg.NewBackend()
	}
	coord, err := cluster.New(cluster.Config{
		Backend:            backend,
		Dial:               cfg.Dial,
		NonRedundant:       cfg.NonRedundant,
		InitRetryInterval:  cfg.InitRetryInterval,
		LockRetryInterval:  cfg.LockRetryInterval,
		WatchRetryInterval: cfg.WatchRetryInterval,
		OnJoin:             s.memberJoined,
		OnLeave:            s.memberLeft,
		OnBootstrapClosed:  s.bootstrapClosed,
		OnLockExpired:      s.locksExpired,
		TraceLocks:         cfg.TraceLocks,
		Metrics:            cfg.Metrics,
		Logger:             cfg.Logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	s.coord = coord
	return s, nil
}

// start opens the bootstrap and initializes the coordinator.
func (s *Session) start(ctx context.Context) error {
	if err := s.Bootstrap().Open(ctx); err != nil {
		return err
	}
	return s.coord.Initialize(ctx, s.Bootstrap())
}

// Bootstrap returns the current bootstrap session.
func (s *Session) Bootstrap() *session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boot
}

// Coordinator returns the cluster coordinator.
func (s *Session) Coordinator() *cluster.Coordinator { return s.coord }

// Members returns the ids of the current members, bootstrap first.
func (s *Session) Members() []string {
	ms := s.coord.Members()
	ids := make([]string, 0, len(ms))
	for _, m := range ms {
		ids = append(ids, m.ID)
	}
	return ids
}

// ConnectionID returns the id under which the session was promoted.
func (s *Session) ConnectionID() string { return s.key }

// enter waits for a running recovery and fails once the session is closed.
func (s *Session) enter(ctx context.Context) error {
	s.mu.Lock()
	closed, ready := s.closed, s.ready
	s.mu.Unlock()
	if closed {
		return domain.ErrCancelled.WithDetails("fan-out session closed")
	}
	select {
	case <-ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrCancelled.WithDetails("fan-out session closed")
	}
	return nil
}

// Open implements transport.Transport. It reopens the bootstrap and starts
// the coordinator if needed.
func (s *Session) Open(ctx context.Context) error {
	if err := s.enter(ctx); err != nil {
		return err
	}
	return s.start(ctx)
}

// Close implements transport.Transport. It closes every member, stops the
// coordinator and closes the bootstrap. A closed Session cannot be reused.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	release := s.release
	s.mu.Unlock()
	s.cancel()
	if release != nil {
		release()
	}

	err := s.teardown(ctx)
	err = errors.Join(err, s.Bootstrap().Close(ctx))
	s.logger.Info("fan-out session closed")
	return err
}

// teardown finalizes the coordinator, which closes the non-bootstrap
// members after its membership watch has stopped.
func (s *Session) teardown(ctx context.Context) error {
	return s.coord.Finalize(ctx)
}

// Fetch implements transport.Transport. Requests go to the bootstrap member.
func (s *Session) Fetch(ctx context.Context, path string, opts *transport.FetchOptions) (*http.Response, error) {
	if err := s.enter(ctx); err != nil {
		return nil, err
	}
	var resp *http.Response
	err := s.coord.One(ctx, func(ctx context.Context, m cluster.Member) error {
		var err error
		resp, err = m.Conn.Fetch(ctx, path, opts)
		return err
	})
	return resp, err
}

// Publish implements transport.Transport by publishing through every member.
func (s *Session) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := s.enter(ctx); err != nil {
		return err
	}
	return s.coord.All(ctx, func(ctx context.Context, m cluster.Member) error {
		return m.Conn.Publish(ctx, topic, payload)
	})
}

// Suspend implements transport.Suspender. Members, mounts, subscriptions and
// held locks survive until Resume.
func (s *Session) Suspend() {
	s.coord.Suspend()
	for _, m := range s.coord.Members() {
		if sp, ok := m.Conn.(transport.Suspender); ok {
			sp.Suspend()
		}
	}
}

// Resume implements transport.Suspender.
func (s *Session) Resume() {
	for _, m := range s.coord.Members() {
		if sp, ok := m.Conn.(transport.Suspender); ok {
			sp.Resume()
		}
	}
	s.coord.Resume()
}
