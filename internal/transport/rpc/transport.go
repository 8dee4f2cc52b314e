package rpc

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/yndnr/rnode-go/internal/conn"
	"github.com/yndnr/rnode-go/internal/core/domain"
	"github.com/yndnr/rnode-go/internal/telemetry/metric"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultPath                  = "/r"
	DefaultMessageName           = "ci-msg"
	DefaultMaxFrameSize          = 16 << 20
	DefaultReconnectInterval     = time.Second
	DefaultRegisterRetryInterval = 5 * time.Second
	DefaultRequestTimeout        = 30 * time.Second
)

// Config configures a Transport.
type Config struct {
	// URL is the core node URL (http, https, ws or wss).
	URL string
	// BasePath is prepended to Path, e.g. to reach a cluster member through
	// the core node.
	BasePath string
	// Path of the websocket endpoint. Default "/r".
	Path string
	// MessageName is the event name frames are tagged with. Default "ci-msg".
	MessageName string
	// MaxFrameSize limits inbound frames. Default 16 MiB.
	MaxFrameSize int64

	RequestTimeout        time.Duration
	ReconnectInterval     time.Duration
	RegisterRetryInterval time.Duration

	Credentials domain.Credentials
	// NodeID identifies this node in the register handshake. It is generated
	// when empty and reused across reconnects.
	NodeID string

	TLSConfig *tls.Config
	// Dialer overrides the gorilla/websocket dialer, mainly for tests.
	Dialer Dialer

	Metrics *metric.Registry
	Logger  *slog.Logger
}

// frame is the websocket payload: a named event carrying one message.
type frame struct {
	Event string          `json:"event"`
	Data  *domain.Message `json:"data"`
}

type result struct {
	msg *domain.Message
	err error
}

// Transport is the websocket RPC channel to one core node.
type Transport struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Registry
	url     string
	dialer  Dialer
	limiter *rate.Limiter

	handle       *conn.Handle
	onConnect    *conn.Listeners
	onDisconnect *conn.Listeners

	writeMu sync.Mutex

	mu       sync.Mutex
	creds    domain.Credentials
	ws       Conn
	ready    chan struct{} // closed once registered on the current socket
	gen      uint64        // counts registered sockets
	pending  map[string]chan result
	mounts   map[string]*registration       // by public handle
	proxies  map[string]domain.ProxyHandler // by server mount id
	userInfo json.RawMessage
	cancel   context.CancelFunc
	loopCtx  context.Context
	done     chan struct{}
}

// New creates a closed Transport.
func New(cfg Config) (*Transport, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.MessageName == "" {
		cfg.MessageName = DefaultMessageName
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.RegisterRetryInterval <= 0 {
		cfg.RegisterRetryInterval = DefaultRegisterRetryInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}

	wsURL, err := websocketURL(cfg.URL, cfg.BasePath+cfg.Path)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "rpc", "core_node", cfg.URL)

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &WebSocketDialer{TLSConfig: cfg.TLSConfig, MaxFrameSize: cfg.MaxFrameSize}
	}

	t := &Transport{
		cfg:          cfg,
		logger:       logger,
		metrics:      cfg.Metrics,
		url:          wsURL,
		dialer:       dialer,
		limiter:      rate.NewLimiter(rate.Every(cfg.ReconnectInterval), 1),
		onConnect:    conn.NewListeners("connect", logger),
		onDisconnect: conn.NewListeners("disconnect", logger),
		creds:        cfg.Credentials,
		ready:        make(chan struct{}),
		pending:      make(map[string]chan result),
		mounts:       make(map[string]*registration),
		proxies:      make(map[string]domain.ProxyHandler),
	}
	t.handle = conn.NewHandle(conn.HandleConfig{
		Name:   cfg.URL,
		Open:   t.open,
		Close:  t.close,
		Logger: cfg.Logger,
	})
	return t, nil
}

func websocketURL(raw, path string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", domain.ErrInvalidArgument.WithDetailsf("core node url %q", raw)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", domain.ErrInvalidArgument.WithDetailsf("core node url scheme %q", u.Scheme)
	}
	u.Path = "/" + strings.TrimLeft(path, "/")
	u.RawQuery = ""
	return u.String(), nil
}

// Open connects and completes the register handshake. Concurrent callers
// share one attempt.
func (t *Transport) Open(ctx context.Context) error { return t.handle.EnsureOpen(ctx) }

// Close unregisters and closes the socket. Standing mounts are kept and
// remounted by the next Open.
func (t *Transport) Close(ctx context.Context) error { return t.handle.Close(ctx) }

// Handle exposes the lifecycle handle.
func (t *Transport) Handle() *conn.Handle { return t.handle }

// Suspend gates mount and unmount without closing the socket.
func (t *Transport) Suspend() { t.handle.Suspend() }

// Resume lifts Suspend.
func (t *Transport) Resume() { t.handle.Resume() }

// ConnectionID returns the stable node id used for registration.
func (t *Transport) ConnectionID() string { return t.cfg.NodeID }

// URL returns the websocket URL.
func (t *Transport) URL() string { return t.url }

// UserInfo returns the attributes resolved by the last register handshake.
func (t *Transport) UserInfo() json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.userInfo
}

// Connected reports whether a socket is up and registered.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.ready:
		return t.ws != nil
	default:
		return false
	}
}

// generation identifies the registered socket. It changes with every
// successful handshake.
func (t *Transport) generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

// SetCredentials replaces the credentials presented on the next handshake.
func (t *Transport) SetCredentials(c domain.Credentials) {
	t.mu.Lock()
	t.creds = c
	t.mu.Unlock()
}

// OnConnect registers fn to run after every successful handshake.
func (t *Transport) OnConnect(fn conn.Listener) string { return t.onConnect.Add(fn) }

// OnDisconnect registers fn to run after every socket drop.
func (t *Transport) OnDisconnect(fn conn.Listener) string { return t.onDisconnect.Add(fn) }

// RemoveListener removes a listener registered with OnConnect or OnDisconnect.
func (t *Transport) RemoveListener(id string) {
	t.onConnect.Remove(id)
	t.onDisconnect.Remove(id)
}

func (t *Transport) header() http.Header {
	t.mu.Lock()
	auth := t.creds.Header()
	t.mu.Unlock()
	h := http.Header{}
	if auth != "" {
		h.Set("Authorization", auth)
	}
	return h
}

func (t *Transport) open(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	first := make(chan struct{})

	t.mu.Lock()
	t.loopCtx, t.cancel, t.done = loopCtx, cancel, done
	t.mu.Unlock()

	go t.supervise(loopCtx, done, first)

	select {
	case <-first:
		return nil
	case <-ctx.Done():
		t.stop()
		return ctx.Err()
	}
}

func (t *Transport) close(ctx context.Context) error {
	t.unregister(ctx)
	t.stop()
	return nil
}

// stop ends the supervisor and waits for it.
func (t *Transport) stop() {
	t.mu.Lock()
	cancel, done, ws := t.cancel, t.done, t.ws
	t.cancel = nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if ws != nil {
		_ = ws.Close()
	}
	<-done
}

// supervise dials, serves and redials until ctx ends.
func (t *Transport) supervise(ctx context.Context, done, first chan struct{}) {
	defer close(done)
	var once sync.Once
	released := func() { once.Do(func() { close(first) }) }
	everConnected := false

	for {
		if err := t.limiter.Wait(ctx); err != nil {
			return
		}
		ws, err := t.dialer.Dial(ctx, t.url, t.header())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("connect failed, retrying", "url", t.url, "error", err)
			continue
		}
		if everConnected {
			t.metrics.IncReconnect()
			t.logger.Warn("reconnected to core node")
		} else {
			t.logger.Info("connected to core node", "url", t.url)
		}
		everConnected = true

		t.serve(ctx, ws, released)
		if ctx.Err() != nil {
			return
		}
	}
}

// serve runs one socket until it drops.
func (t *Transport) serve(ctx context.Context, ws Conn, released func()) {
	t.mu.Lock()
	t.ws = ws
	t.mu.Unlock()

	readDone := make(chan struct{})
	go func() {
		t.readLoop(ws)
		close(readDone)
	}()

	if t.registerLoop(ctx, readDone) {
		t.mu.Lock()
		if t.ws == ws {
			t.gen++
			close(t.ready)
		}
		t.mu.Unlock()
		t.onConnect.Notify(ctx)
		released()
	}

	select {
	case <-readDone:
	case <-ctx.Done():
		_ = ws.Close()
		<-readDone
	}

	t.logger.Warn("disconnected from core node")
	t.onDisconnect.Notify(context.WithoutCancel(ctx))
}

func (t *Transport) readLoop(ws Conn) {
	defer t.connectionLost(ws)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.logger.Debug("read failed", "error", err)
			}
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		if f.Event != t.cfg.MessageName || f.Data == nil {
			continue
		}
		t.metrics.RecordMessage("rpc", "in")
		t.receive(f.Data)
	}
}

// connectionLost resets per-socket state and resolves every pending request
// with domain.ErrConnectionLost.
func (t *Transport) connectionLost(ws Conn) {
	_ = ws.Close()

	t.mu.Lock()
	if t.ws == ws {
		t.ws = nil
	}
	select {
	case <-t.ready:
		t.ready = make(chan struct{})
	default:
	}
	pending := t.pending
	t.pending = make(map[string]chan result)
	t.mu.Unlock()

	for id, ch := range pending {
		ch <- result{err: domain.ErrConnectionLost.WithDetails("request " + id)}
		t.metrics.AddPending(-1)
	}
}

func (t *Transport) receive(msg *domain.Message) {
	t.mu.Lock()
	ch, ok := t.pending[msg.ID]
	if ok && msg.Type != domain.TypeRequest {
		delete(t.pending, msg.ID)
	} else {
		ok = false
	}
	t.mu.Unlock()

	if ok {
		t.metrics.AddPending(-1)
		ch <- result{msg: msg}
		return
	}
	t.dispatch(msg)
}

func (t *Transport) send(ws Conn, msg *domain.Message) error {
	data, err := json.Marshal(frame{Event: t.cfg.MessageName, Data: msg})
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	t.metrics.RecordMessage("rpc", "out")
	return nil
}

// waitReady blocks until the current socket is registered.
func (t *Transport) waitReady(ctx context.Context) error {
	t.mu.Lock()
	ready, loop := t.ready, t.loopCtx
	t.mu.Unlock()
	if loop == nil {
		return domain.ErrConnection.WithDetails("transport not open")
	}
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-loop.Done():
		return domain.ErrCancelled.WithDetails("transport closed")
	}
}

// ask sends msg as an ask and waits for the correlated response. Ungated
// asks are used by the handshake itself and do not wait for registration.
func (t *Transport) ask(ctx context.Context, msg *domain.Message, gated bool) (*domain.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	defer cancel()

	if gated {
		if err := t.waitReady(ctx); err != nil {
			return nil, err
		}
	}

	msg.Ask = true
	ch := make(chan result, 1)

	t.mu.Lock()
	ws := t.ws
	if ws == nil {
		t.mu.Unlock()
		return nil, domain.ErrConnectionLost.WithDetails("not connected")
	}
	t.pending[msg.ID] = ch
	t.mu.Unlock()
	t.metrics.AddPending(1)

	start := time.Now()
	if err := t.send(ws, msg); err != nil {
		t.dropPending(msg.ID)
		t.metrics.RecordRequest(msg.Service, msg.Type, "error", time.Since(start).Seconds())
		return nil, domain.ErrConnectionLost.WithCause(err)
	}

	select {
	case r := <-ch:
		res := "ok"
		if r.err != nil {
			res = "lost"
		}
		t.metrics.RecordRequest(msg.Service, msg.Type, res, time.Since(start).Seconds())
		return r.msg, r.err
	case <-ctx.Done():
		t.dropPending(msg.ID)
		t.metrics.RecordRequest(msg.Service, msg.Type, "timeout", time.Since(start).Seconds())
		return nil, fmt.Errorf("%s/%s: %w", msg.Service, msg.Type, ctx.Err())
	}
}

func (t *Transport) dropPending(id string) {
	t.mu.Lock()
	_, ok := t.pending[id]
	delete(t.pending, id)
	t.mu.Unlock()
	if ok {
		t.metrics.AddPending(-1)
	}
}
