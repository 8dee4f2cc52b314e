package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/yndnr/rnode-go/internal/cluster"
	"github.com/yndnr/rnode-go/internal/cluster/consul"
	"github.com/yndnr/rnode-go/internal/conn"
	"github.com/yndnr/rnode-go/internal/core/domain"
	"github.com/yndnr/rnode-go/internal/fanout"
	"github.com/yndnr/rnode-go/internal/infra/tlsroots"
	"github.com/yndnr/rnode-go/internal/node/config"
	"github.com/yndnr/rnode-go/internal/session"
	"github.com/yndnr/rnode-go/internal/telemetry/metric"
	"github.com/yndnr/rnode-go/internal/transport"
	"github.com/yndnr/rnode-go/internal/transport/pubsub"
	"github.com/yndnr/rnode-go/internal/transport/rpc"
)

// Options carries the collaborators of a Node that do not come from
// configuration.
type Options struct {
	Metrics *metric.Registry
	Logger  *slog.Logger

	// Broker overrides the MQTT client factory.
	Broker pubsub.BrokerFactory
	// UpstreamClient forwards requests of configured mounts.
	UpstreamClient *http.Client
	// OnTokenUpdate receives every refreshed access token.
	OnTokenUpdate func(token string)
}

// Node is one rnode instance.
type Node struct {
	cfg          *config.NodeConfig
	opts         Options
	logger       *slog.Logger
	registry     *fanout.Registry
	onConnect    *conn.Listeners
	onDisconnect *conn.Listeners

	mu      sync.Mutex
	running bool
	certs   *tlsroots.Watcher
	boot    *session.Session
	fan     *fanout.Session
}

// New validates cfg and returns a stopped Node.
func New(cfg *config.NodeConfig, opts Options) (*Node, error) {
	if err := config.Verify(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts.Logger = logger
	n := &Node{
		cfg:          cfg,
		opts:         opts,
		logger:       logger.With("component", "node"),
		onConnect:    conn.NewListeners("node connect", logger),
		onDisconnect: conn.NewListeners("node disconnect", logger),
	}
	if cfg.Cluster.Enabled {
		n.registry = fanout.NewRegistry(n.fanoutConfig())
	}
	return n, nil
}

func (n *Node) sessionConfig() session.Config {
	c, t := n.cfg.Core, n.cfg.Transport
	return session.Config{
		URL:      c.URL,
		BasePath: c.BasePath,
		Credentials: domain.Credentials{
			UserID:   c.UserID,
			Password: c.Password,
			Token:    c.Token,
		},
		TokenRefreshPath: c.TokenRefreshPath,
		OnTokenUpdate:    n.opts.OnTokenUpdate,
		RPC: rpc.Config{
			Path:                  t.WSPath,
			MessageName:           t.WSMessageName,
			MaxFrameSize:          t.MaxFrameSize,
			RequestTimeout:        t.RequestTimeout,
			ReconnectInterval:     t.ReconnectInterval,
			RegisterRetryInterval: t.RegisterRetryInterval,
		},
		PubSub: pubsub.Config{
			Path:      t.MQTTPath,
			Port:      t.MQTTPort,
			Proto:     t.MQTTProto,
			KeepAlive: t.KeepAlive,
			Broker:    n.opts.Broker,
		},
		Metrics: n.opts.Metrics,
		Logger:  n.opts.Logger,
	}
}

func (n *Node) fanoutConfig() fanout.Config {
	cl := n.cfg.Cluster
	return fanout.Config{
		NewBackend: func() cluster.Backend {
			bc := cl.Consul.ConsulBackend()
			bc.Logger = n.opts.Logger
			return consul.New(bc)
		},
		NonRedundant:       cl.NonRedundant,
		InitRetryInterval:  cl.InitRetryInterval,
		LockRetryInterval:  cl.LockRetryInterval,
		WatchRetryInterval: cl.Consul.QueryRetryInterval,
		ReplayTimeout:      cl.ReplayTimeout,
		TraceLocks:         cl.TraceLocks,
		Metrics:            n.opts.Metrics,
		Logger:             n.opts.Logger,
	}
}

// Start connects to the core node, promotes the session when clustering is
// enabled, publishes the configured mounts and notifies connect listeners.
// Starting a running Node is a no-op.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return nil
	}
	if err := n.start(ctx); err != nil {
		n.mu.Unlock()
		return err
	}
	n.running = true
	n.mu.Unlock()

	n.logger.Info("node started", "core_node", n.cfg.Core.URL+n.cfg.Core.BasePath,
		"clustered", n.cfg.Cluster.Enabled, "mounts", len(n.cfg.Mounts))
	n.onConnect.Notify(ctx)
	return nil
}

func (n *Node) start(ctx context.Context) error {
	tlsCfg, certs, err := tlsroots.NewClientConfig(tlsroots.ClientOptions{
		CAFile:             n.cfg.Core.TLSCAFile,
		CADir:              n.cfg.Core.TLSCADir,
		ExcludeSystemRoots: n.cfg.Core.TLSExcludeSystemRoots,
		CertFile:           n.cfg.Core.TLSCertFile,
		KeyFile:            n.cfg.Core.TLSKeyFile,
		Logger:             n.opts.Logger,
	})
	if err != nil {
		return err
	}
	sc := n.sessionConfig()
	sc.TLSConfig = tlsCfg
	boot, err := session.New(sc)
	if err != nil {
		if certs != nil {
			certs.Stop()
		}
		return err
	}
	n.certs, n.boot = certs, boot

	if n.registry != nil {
		n.fan, err = n.registry.Promote(ctx, boot)
	} else {
		err = boot.Open(ctx)
	}
	if err != nil {
		n.logger.Error("node start failed", "error", err)
		n.fan = nil
		_ = n.shutdown(context.WithoutCancel(ctx), false)
		return err
	}
	if err := n.mountConfigured(ctx); err != nil {
		n.logger.Error("node start failed", "error", err)
		_ = n.shutdown(context.WithoutCancel(ctx), true)
		return err
	}
	return nil
}

func (n *Node) mountConfigured(ctx context.Context) error {
	t := n.transportLocked()
	for _, m := range n.cfg.Mounts {
		h, err := NewUpstream(m.Upstream, n.opts.UpstreamClient, n.logger)
		if err != nil {
			return err
		}
		mode, err := domain.ParseMountMode(m.Mode)
		if err != nil {
			return err
		}
		if _, err := t.Mount(ctx, m.Path, mode, h, &domain.MountOptions{Option: m.Option}); err != nil {
			return fmt.Errorf("mount %s: %w", m.Path, err)
		}
		n.logger.Info("upstream mounted", "path", m.Path, "mode", mode, "upstream", m.Upstream)
	}
	return nil
}

type unmountAller interface {
	UnmountAll(ctx context.Context) error
}

type unsubscribeAller interface {
	UnsubscribeAll(ctx context.Context) error
}

// shutdown releases everything start acquired, withdrawing standing mounts
// and subscriptions first when drain is set. Callers hold mu.
func (n *Node) shutdown(ctx context.Context, drain bool) error {
	var errs []error
	if t := n.transportLocked(); t != nil && drain {
		if u, ok := t.(unmountAller); ok {
			errs = append(errs, u.UnmountAll(ctx))
		}
		if u, ok := t.(unsubscribeAller); ok {
			errs = append(errs, u.UnsubscribeAll(ctx))
		}
	}
	switch {
	case n.fan != nil:
		// The fan-out session closes its bootstrap itself.
		errs = append(errs, n.fan.Close(ctx))
	case n.boot != nil:
		errs = append(errs, n.boot.Close(ctx))
	}
	if n.certs != nil {
		n.certs.Stop()
	}
	n.boot, n.fan, n.certs = nil, nil, nil
	return errors.Join(errs...)
}

// Stop unmounts, unsubscribes, closes the session and notifies disconnect
// listeners. Stopping a stopped Node is a no-op.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	err := n.shutdown(ctx, true)
	n.mu.Unlock()

	n.onDisconnect.Notify(ctx)
	if err != nil {
		n.logger.Warn("node stopped with errors", "error", err)
		return err
	}
	n.logger.Info("node stopped")
	return nil
}

func (n *Node) transportLocked() transport.Transport {
	switch {
	case n.fan != nil:
		return n.fan
	case n.boot != nil:
		return n.boot
	}
	return nil
}

// Transport returns the active session: a fan-out session when clustered,
// the point-to-point session otherwise, or nil before Start.
func (n *Node) Transport() transport.Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.transportLocked()
}

// Session returns the point-to-point session to the core node. When
// clustered it is the current bootstrap connection.
func (n *Node) Session() *session.Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fan != nil {
		return n.fan.Bootstrap()
	}
	return n.boot
}

// Members returns the cluster member ids, or nil when not clustered.
func (n *Node) Members() []string {
	n.mu.Lock()
	fan := n.fan
	n.mu.Unlock()
	if fan == nil {
		return nil
	}
	return fan.Members()
}

// Self returns the member id of the core node the bootstrap session is
// connected to, or "" when not clustered.
func (n *Node) Self() string {
	n.mu.Lock()
	fan := n.fan
	n.mu.Unlock()
	if fan == nil {
		return ""
	}
	return fan.Coordinator().Bootstrap().ID
}

// Mount validates mode and mounts handler at path on the active session.
func (n *Node) Mount(ctx context.Context, path, mode string, handler domain.ProxyHandler, opts *domain.MountOptions) (string, error) {
	m, err := domain.ParseMountMode(mode)
	if err != nil {
		return "", err
	}
	t := n.Transport()
	if t == nil {
		return "", domain.ErrConnection.WithDetails("node is not started")
	}
	return t.Mount(ctx, path, m, handler, opts)
}

// Suspend pauses the active session without losing its standing state.
func (n *Node) Suspend() {
	if s, ok := n.Transport().(transport.Suspender); ok {
		s.Suspend()
	}
}

// Resume undoes Suspend.
func (n *Node) Resume() {
	if s, ok := n.Transport().(transport.Suspender); ok {
		s.Resume()
	}
}

// OnConnect registers fn to run after every successful Start.
func (n *Node) OnConnect(fn conn.Listener) string { return n.onConnect.Add(fn) }

// OnDisconnect registers fn to run after every Stop.
func (n *Node) OnDisconnect(fn conn.Listener) string { return n.onDisconnect.Add(fn) }

// RemoveListener removes a listener registered with OnConnect or
// OnDisconnect.
func (n *Node) RemoveListener(id string) {
	n.onConnect.Remove(id)
	n.onDisconnect.Remove(id)
}
