package pubsub

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/yndnr/rnode-go/internal/conn"
	"github.com/yndnr/rnode-go/internal/core/domain"
	"github.com/yndnr/rnode-go/internal/telemetry/metric"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultPath      = "/m"
	DefaultKeepAlive = 30 * time.Second
)

// Config configures a Transport.
type Config struct {
	// URL is the core node URL. The MQTT endpoint lives on the same host.
	URL      string
	BasePath string
	// Path of the MQTT websocket endpoint. Default "/m".
	Path string
	// Port overrides the port of URL.
	Port string
	// Proto is "ws" or "wss". Inferred from URL when empty.
	Proto     string
	KeepAlive time.Duration

	Credentials domain.Credentials
	TLSConfig   *tls.Config
	Broker      BrokerFactory

	Metrics *metric.Registry
	Logger  *slog.Logger
}

type subscription struct {
	key     string
	pattern string
	handler domain.MessageHandler
	// seen records concrete topics already delivered, so that a retained
	// copy is not delivered a second time.
	seen map[string]bool
}

type delivery struct {
	sub     *subscription
	topic   string
	payload []byte
}

// Transport multiplexes logical subscriptions over one Broker.
type Transport struct {
	cfg     Config
	url     string
	logger  *slog.Logger
	metrics *metric.Registry
	handle  *conn.Handle

	mu       sync.Mutex
	creds    domain.Credentials
	broker   Broker
	subs     []*subscription
	physical map[string]int    // pattern -> logical subscribers
	retained map[string][]byte // topic -> last payload
}

// New creates a closed Transport.
func New(cfg Config) (*Transport, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.Broker == nil {
		cfg.Broker = NewMQTTBroker
	}
	u, err := brokerURL(cfg)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		cfg:      cfg,
		url:      u,
		logger:   logger.With("component", "pubsub", "core_node", cfg.URL),
		metrics:  cfg.Metrics,
		creds:    cfg.Credentials,
		physical: make(map[string]int),
		retained: make(map[string][]byte),
	}
	t.handle = conn.NewHandle(conn.HandleConfig{
		Name:   cfg.URL,
		Open:   t.open,
		Close:  t.close,
		Logger: cfg.Logger,
	})
	return t, nil
}

func brokerURL(cfg Config) (string, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Host == "" {
		return "", domain.ErrInvalidArgument.WithDetailsf("core node url %q", cfg.URL)
	}
	proto := cfg.Proto
	if proto == "" {
		proto = "ws"
		if u.Scheme == "https" || u.Scheme == "wss" {
			proto = "wss"
		}
	}
	host := u.Host
	if cfg.Port != "" {
		host = net.JoinHostPort(u.Hostname(), cfg.Port)
	}
	path := "/" + strings.TrimLeft(cfg.BasePath+cfg.Path, "/")
	return proto + "://" + host + path, nil
}

// URL returns the broker URL.
func (t *Transport) URL() string { return t.url }

// Handle exposes the lifecycle handle.
func (t *Transport) Handle() *conn.Handle { return t.handle }

// Open connects to the broker and restores physical subscriptions.
func (t *Transport) Open(ctx context.Context) error { return t.handle.EnsureOpen(ctx) }

// Close disconnects. Logical subscriptions survive and are restored by Open.
func (t *Transport) Close(ctx context.Context) error { return t.handle.Close(ctx) }

// Suspend gates publish and subscribe.
func (t *Transport) Suspend() { t.handle.Suspend() }

// Resume lifts Suspend.
func (t *Transport) Resume() { t.handle.Resume() }

// SetCredentials replaces the credentials used by the next Open.
func (t *Transport) SetCredentials(c domain.Credentials) {
	t.mu.Lock()
	t.creds = c
	t.mu.Unlock()
}

func (t *Transport) open(ctx context.Context) error {
	t.mu.Lock()
	creds := t.creds
	patterns := make([]string, 0, len(t.physical))
	for p := range t.physical {
		patterns = append(patterns, p)
	}
	t.mu.Unlock()

	header := http.Header{}
	if auth := creds.Header(); auth != "" {
		header.Set("Authorization", auth)
	}
	b := t.cfg.Broker(BrokerConfig{
		URL:       t.url,
		ClientID:  "rnode-" + strings.ToLower(ulid.Make().String()),
		Username:  creds.Token,
		Header:    header,
		KeepAlive: t.cfg.KeepAlive,
		TLSConfig: t.cfg.TLSConfig,
		Logger:    t.cfg.Logger,
	})
	if err := b.Connect(ctx); err != nil {
		return err
	}
	for _, p := range patterns {
		if err := b.Subscribe(ctx, p, t.onMessage(p)); err != nil {
			b.Disconnect()
			return fmt.Errorf("restore subscription %s: %w", p, err)
		}
	}

	t.mu.Lock()
	t.broker = b
	t.mu.Unlock()
	t.logger.Info("mqtt connection opened", "url", t.url)
	return nil
}

func (t *Transport) close(context.Context) error {
	t.mu.Lock()
	b := t.broker
	t.broker = nil
	t.mu.Unlock()
	if b != nil {
		b.Disconnect()
	}
	return nil
}

func (t *Transport) ensure(ctx context.Context) (Broker, error) {
	if err := t.handle.EnsureOpen(ctx); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.broker == nil {
		return nil, domain.ErrConnection.WithDetails("mqtt not connected")
	}
	return t.broker, nil
}

// Publish sends payload to topic with at-least-once delivery and the retain
// flag set.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	b, err := t.ensure(ctx)
	if err != nil {
		return err
	}
	if err := b.Publish(ctx, topic, payload, true); err != nil {
		t.logger.Error("publish failed", "topic", topic, "error", err)
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	t.metrics.RecordMessage("pubsub", "out")
	t.logger.Debug("published", "topic", topic)
	return nil
}

// Subscribe registers handler for pattern and returns its key. A buffered
// message on a matching topic is replayed to handler once.
func (t *Transport) Subscribe(ctx context.Context, pattern string, handler domain.MessageHandler) (string, error) {
	if err := ValidatePattern(pattern); err != nil {
		return "", err
	}
	if handler == nil {
		return "", domain.ErrInvalidArgument.WithDetails("message handler is nil")
	}
	b, err := t.ensure(ctx)
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	first := t.physical[pattern] == 0
	t.physical[pattern]++
	t.mu.Unlock()

	if first {
		if err := b.Subscribe(ctx, pattern, t.onMessage(pattern)); err != nil {
			t.mu.Lock()
			t.release(pattern)
			t.mu.Unlock()
			return "", fmt.Errorf("subscribe %s: %w", pattern, err)
		}
	}

	sub := &subscription{
		key:     ulid.Make().String(),
		pattern: pattern,
		handler: handler,
		seen:    make(map[string]bool),
	}

	t.mu.Lock()
	var replay []delivery
	for topic, payload := range t.retained {
		if Match(pattern, topic) {
			sub.seen[topic] = true
			replay = append(replay, delivery{sub: sub, topic: topic, payload: payload})
		}
	}
	t.subs = append(t.subs, sub)
	t.mu.Unlock()
	t.metrics.AddSubscriptions(1)

	t.logger.Info("subscribed", "topic", pattern, "key", sub.key, "replayed", len(replay))
	t.deliver(replay)
	return sub.key, nil
}

// release drops one reference to pattern and reports whether it was the last.
// Callers hold t.mu.
func (t *Transport) release(pattern string) bool {
	t.physical[pattern]--
	if t.physical[pattern] <= 0 {
		delete(t.physical, pattern)
		return true
	}
	return false
}

// Unsubscribe removes the subscription with the given key. The physical
// subscription is removed with its last logical subscriber.
func (t *Transport) Unsubscribe(ctx context.Context, key string) error {
	t.mu.Lock()
	idx := -1
	for i, s := range t.subs {
		if s.key == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		t.mu.Unlock()
		t.logger.Warn("subscription key not found", "key", key)
		return nil
	}
	sub := t.subs[idx]
	t.subs = append(t.subs[:idx:idx], t.subs[idx+1:]...)
	last := t.release(sub.pattern)
	b := t.broker
	t.mu.Unlock()
	t.metrics.AddSubscriptions(-1)

	if last && b != nil {
		if err := b.Unsubscribe(ctx, sub.pattern); err != nil {
			t.logger.Warn("physical unsubscribe failed", "topic", sub.pattern, "error", err)
			return fmt.Errorf("unsubscribe %s: %w", sub.pattern, err)
		}
	}
	t.logger.Info("unsubscribed", "topic", sub.pattern, "key", key)
	return nil
}

// UnsubscribeAll removes every subscription, ignoring broker errors.
func (t *Transport) UnsubscribeAll(ctx context.Context) error {
	t.mu.Lock()
	patterns := make([]string, 0, len(t.physical))
	for p := range t.physical {
		patterns = append(patterns, p)
	}
	n := len(t.subs)
	t.subs = nil
	t.physical = make(map[string]int)
	b := t.broker
	t.mu.Unlock()
	t.metrics.AddSubscriptions(-float64(n))

	if b == nil {
		return nil
	}
	for _, p := range patterns {
		if err := b.Unsubscribe(ctx, p); err != nil {
			t.logger.Warn("unsubscribe failed, ignoring", "topic", p, "error", err)
		}
	}
	return nil
}

// Topics returns the patterns with a physical subscription.
func (t *Transport) Topics() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.physical))
	for p := range t.physical {
		out = append(out, p)
	}
	return out
}

// onMessage returns the broker callback of the physical subscription to
// pattern. Brokers invoke every matching physical subscription, so each
// callback only serves the logical subscribers of its own pattern.
func (t *Transport) onMessage(pattern string) func(topic string, payload []byte, retained bool) {
	return func(topic string, payload []byte, retained bool) {
		t.metrics.RecordMessage("pubsub", "in")
		data := append([]byte(nil), payload...)

		t.mu.Lock()
		if len(data) == 0 {
			delete(t.retained, topic)
		} else {
			t.retained[topic] = data
		}
		var out []delivery
		for _, s := range t.subs {
			if s.pattern != pattern {
				continue
			}
			if retained && s.seen[topic] {
				continue
			}
			s.seen[topic] = true
			out = append(out, delivery{sub: s, topic: topic, payload: data})
		}
		t.mu.Unlock()

		t.deliver(out)
	}
}

func (t *Transport) deliver(ds []delivery) {
	for _, d := range ds {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Error("subscriber panicked", "topic", d.topic, "key", d.sub.key, "panic", r)
				}
			}()
			d.sub.handler(d.topic, d.payload)
		}()
	}
}
