package session

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/yndnr/rnode-go/internal/conn"
	"github.com/yndnr/rnode-go/internal/core/domain"
	"github.com/yndnr/rnode-go/internal/telemetry/metric"
	"github.com/yndnr/rnode-go/internal/transport"
	"github.com/yndnr/rnode-go/internal/transport/pubsub"
	"github.com/yndnr/rnode-go/internal/transport/rpc"
)

// DefaultTokenRefreshPath is the core node endpoint that issues a fresh
// access token.
const DefaultTokenRefreshPath = "/core.JWTUpdate"

// Config configures a Session.
type Config struct {
	// URL is the core node URL.
	URL      string
	BasePath string

	Credentials domain.Credentials

	// TokenRefreshPath is appended to URL to renew the access token.
	TokenRefreshPath string
	// MinRefreshInterval is the shortest delay between two refreshes.
	// Default 30s.
	MinRefreshInterval time.Duration
	// OnTokenUpdate is called with every refreshed token, for persistence.
	OnTokenUpdate func(token string)

	// RPC and PubSub carry transport tuning. Their URL, BasePath,
	// Credentials, TLSConfig, Metrics and Logger are taken from Config.
	RPC    rpc.Config
	PubSub pubsub.Config

	TLSConfig *tls.Config
	// HTTPClient serves Fetch. Built from TLSConfig when nil.
	HTTPClient *http.Client

	Metrics *metric.Registry
	Logger  *slog.Logger
}

// Session is a point-to-point connection to one core node.
type Session struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Registry
	client  *http.Client
	handle  *conn.Handle

	rpc    *rpc.Transport
	pubsub *pubsub.Transport

	mu          sync.Mutex
	creds       domain.Credentials
	stopRefresh context.CancelFunc
	refreshDone chan struct{}
}

var _ transport.Transport = (*Session)(nil)

// New creates a closed Session.
func New(cfg Config) (*Session, error) {
	if cfg.URL == "" {
		return nil, domain.ErrInvalidArgument.WithDetails("core node url is empty")
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.TokenRefreshPath == "" {
		cfg.TokenRefreshPath = DefaultTokenRefreshPath
	}
	if !strings.HasPrefix(cfg.TokenRefreshPath, "/") {
		cfg.TokenRefreshPath = "/" + cfg.TokenRefreshPath
	}
	if cfg.MinRefreshInterval <= 0 {
		cfg.MinRefreshInterval = MinRefreshInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	rc := cfg.RPC
	rc.URL, rc.BasePath, rc.Credentials = cfg.URL, cfg.BasePath, cfg.Credentials
	rc.TLSConfig, rc.Metrics, rc.Logger = cfg.TLSConfig, cfg.Metrics, cfg.Logger
	rt, err := rpc.New(rc)
	if err != nil {
		return nil, err
	}
	pc := cfg.PubSub
	pc.URL, pc.BasePath, pc.Credentials = cfg.URL, cfg.BasePath, cfg.Credentials
	pc.TLSConfig, pc.Metrics, pc.Logger = cfg.TLSConfig, cfg.Metrics, cfg.Logger
	pt, err := pubsub.New(pc)
	if err != nil {
		return nil, err
	}

	client := cfg.HTTPClient
	if client == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = cfg.TLSConfig
		client = &http.Client{Transport: tr}
	}

	s := &Session{
		cfg:     cfg,
		logger:  logger.With("component", "session", "core_node", cfg.URL+cfg.BasePath),
		metrics: cfg.Metrics,
		client:  client,
		rpc:     rt,
		pubsub:  pt,
		creds:   cfg.Credentials,
	}
	s.handle = conn.NewHandle(conn.HandleConfig{
		Name:   cfg.URL + cfg.BasePath,
		Open:   s.open,
		Close:  s.close,
		Logger: cfg.Logger,
	})
	return s, nil
}

// Clone returns a new closed Session to the same core node under basePath,
// carrying the current credentials. Cluster members are reached this way.
func (s *Session) Clone(basePath string) (*Session, error) {
	cfg := s.cfg
	cfg.BasePath = basePath
	cfg.Credentials = s.Credentials()
	cfg.RPC.NodeID = ""
	cfg.OnTokenUpdate = nil
	return New(cfg)
}

func (s *Session) open(ctx context.Context) error {
	if exp, ok, err := domain.TokenExpiry(s.Credentials().Token); err == nil && ok && !exp.After(time.Now()) {
		s.logger.Info("access token expired, refreshing before connect")
		if _, err := s.RefreshToken(ctx); err != nil {
			s.logger.Error("initial token refresh failed, connecting with the stale token", "error", err)
		}
	}
	s.startRefresh()
	if err := s.rpc.Open(ctx); err != nil {
		s.haltRefresh()
		return err
	}
	if err := s.pubsub.Open(ctx); err != nil {
		s.haltRefresh()
		_ = s.rpc.Close(ctx)
		return err
	}
	s.logger.Info("session opened", "connection_id", s.ConnectionID())
	return nil
}

func (s *Session) close(ctx context.Context) error {
	s.haltRefresh()
	err := errors.Join(s.pubsub.Close(ctx), s.rpc.Close(ctx))
	s.logger.Info("session closed")
	return err
}

// ensure opens the session unless its RPC channel is already up, which is
// the case while connect listeners run during the first Open.
func (s *Session) ensure(ctx context.Context) error {
	if err := s.handle.Check(); err != nil {
		return err
	}
	if s.handle.IsOpen() || s.rpc.Connected() {
		return nil
	}
	return s.handle.EnsureOpen(ctx)
}

// Open connects both transports and arms the token refresh timer.
func (s *Session) Open(ctx context.Context) error { return s.handle.EnsureOpen(ctx) }

// Close stops the token refresh timer and closes both transports. Standing
// mounts and subscriptions are restored by a later Open.
func (s *Session) Close(ctx context.Context) error { return s.handle.Close(ctx) }

// Handle exposes the lifecycle handle.
func (s *Session) Handle() *conn.Handle { return s.handle }

// Suspend gates every operation on the session and both transports without
// tearing anything down.
func (s *Session) Suspend() {
	s.handle.Suspend()
	s.rpc.Suspend()
	s.pubsub.Suspend()
}

// Resume lifts Suspend.
func (s *Session) Resume() {
	s.pubsub.Resume()
	s.rpc.Resume()
	s.handle.Resume()
}

// URL returns the core node URL.
func (s *Session) URL() string { return s.cfg.URL }

// BasePath returns the path prefix of the node this session talks to.
func (s *Session) BasePath() string { return s.cfg.BasePath }

// ConnectionID returns the stable node id used in the register handshake.
func (s *Session) ConnectionID() string { return s.rpc.ConnectionID() }

// UserInfo returns the attributes resolved by the last register handshake.
func (s *Session) UserInfo() json.RawMessage { return s.rpc.UserInfo() }

// Connected reports whether the RPC channel is up and registered.
func (s *Session) Connected() bool { return s.rpc.Connected() }

// OnConnect registers fn to run after every (re)connect of the RPC channel.
func (s *Session) OnConnect(fn conn.Listener) string { return s.rpc.OnConnect(fn) }

// OnDisconnect registers fn to run after every drop of the RPC channel.
func (s *Session) OnDisconnect(fn conn.Listener) string { return s.rpc.OnDisconnect(fn) }

// RemoveListener removes a listener added by OnConnect or OnDisconnect.
func (s *Session) RemoveListener(id string) { s.rpc.RemoveListener(id) }

// Credentials returns the current credentials.
func (s *Session) Credentials() domain.Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds
}

// SetToken replaces the access token on the session and both transports.
// The transports present it on their next handshake.
func (s *Session) SetToken(token string) {
	s.mu.Lock()
	s.creds.Token = token
	c := s.creds
	s.mu.Unlock()
	s.rpc.SetCredentials(c)
	s.pubsub.SetCredentials(c)
}

// Mount registers handler at path on the core node.
func (s *Session) Mount(ctx context.Context, path string, mode domain.MountMode, handler domain.ProxyHandler, opts *domain.MountOptions) (string, error) {
	if err := s.ensure(ctx); err != nil {
		return "", err
	}
	return s.rpc.Mount(ctx, path, mode, handler, opts)
}

// Unmount removes a mount created by Mount.
func (s *Session) Unmount(ctx context.Context, handle string) error {
	if err := s.ensure(ctx); err != nil {
		return err
	}
	return s.rpc.Unmount(ctx, handle)
}

// UnmountAll removes every standing mount.
func (s *Session) UnmountAll(ctx context.Context) error {
	return s.rpc.UnmountAll(ctx)
}

// Mounts returns the standing mounts.
func (s *Session) Mounts() []rpc.MountInfo { return s.rpc.Mounts() }

// Subscribe registers handler for topic.
func (s *Session) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (string, error) {
	if err := s.ensure(ctx); err != nil {
		return "", err
	}
	return s.pubsub.Subscribe(ctx, topic, handler)
}

// Unsubscribe removes a subscription created by Subscribe.
func (s *Session) Unsubscribe(ctx context.Context, key string) error {
	if err := s.ensure(ctx); err != nil {
		return err
	}
	return s.pubsub.Unsubscribe(ctx, key)
}

// UnsubscribeAll removes every subscription.
func (s *Session) UnsubscribeAll(ctx context.Context) error {
	return s.pubsub.UnsubscribeAll(ctx)
}

// Publish sends payload to topic with the retain flag set.
func (s *Session) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := s.ensure(ctx); err != nil {
		return err
	}
	return s.pubsub.Publish(ctx, topic, payload)
}
