package consul

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/yndnr/rnode-go/internal/cluster"
	"github.com/yndnr/rnode-go/internal/core/domain"
	"github.com/yndnr/rnode-go/internal/transport"
)

// Default endpoint paths and timings.
const (
	DefaultMembersPath        = "/v1/catalog/service/hmr"
	DefaultSelfPath           = "/v1/agent/self"
	DefaultSessionCreatePath  = "/v1/session/create"
	DefaultSessionRenewPath   = "/v1/session/renew/:id"
	DefaultSessionDestroyPath = "/v1/session/destroy/:id"
	DefaultLockPath           = "/v1/kv/mounts/:key?acquire=:sessionId"
	DefaultReleasePath        = "/v1/kv/mounts/:key?release=:sessionId"

	DefaultBlockingQueryTimeout = 50 * time.Second
	DefaultSessionTTL           = 30 * time.Second
	DefaultLockDelay            = 10 * time.Second
	DefaultRenewInterval        = 10 * time.Second
	DefaultRenewErrorThreshold  = 3

	IndexHeader = "X-Consul-Index"
	TokenHeader = "X-Consul-Token"

	// keyPrefix avoids raw mount paths as kv keys, some of which the
	// service rejects.
	keyPrefix = "mountpath_"
)

// Config configures a Backend.
type Config struct {
	MembersPath        string
	SelfPath           string
	SessionCreatePath  string
	SessionRenewPath   string
	SessionDestroyPath string
	LockPath           string
	ReleasePath        string

	BlockingQueryTimeout time.Duration
	// ACLToken is sent as X-Consul-Token when set.
	ACLToken string

	SessionTTL          time.Duration
	LockDelay           time.Duration
	RenewInterval       time.Duration
	RenewErrorThreshold int

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	set := func(p *string, v string) {
		if *p == "" {
			*p = v
		}
	}
	set(&c.MembersPath, DefaultMembersPath)
	set(&c.SelfPath, DefaultSelfPath)
	set(&c.SessionCreatePath, DefaultSessionCreatePath)
	set(&c.SessionRenewPath, DefaultSessionRenewPath)
	set(&c.SessionDestroyPath, DefaultSessionDestroyPath)
	set(&c.LockPath, DefaultLockPath)
	set(&c.ReleasePath, DefaultReleasePath)
	if c.BlockingQueryTimeout <= 0 {
		c.BlockingQueryTimeout = DefaultBlockingQueryTimeout
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.LockDelay <= 0 {
		c.LockDelay = DefaultLockDelay
	}
	if c.RenewInterval <= 0 {
		c.RenewInterval = DefaultRenewInterval
	}
	if c.RenewErrorThreshold <= 0 {
		c.RenewErrorThreshold = DefaultRenewErrorThreshold
	}
}

// Backend implements cluster.Backend.
type Backend struct {
	cfg    Config
	logger *slog.Logger
	create singleflight.Group

	mu          sync.Mutex
	conn        cluster.Conn
	expired     func()
	index       uint64
	sessionID   string
	renewCancel context.CancelFunc
	renewDone   chan struct{}
	paused      bool
}

var _ cluster.Backend = (*Backend)(nil)

// New creates a Backend.
func New(cfg Config) *Backend {
	cfg.applyDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{cfg: cfg, logger: logger.With("component", "consul")}
}

// Key returns the kv key used for the lock on path.
func Key(path string) string {
	return keyPrefix + url.PathEscape(strings.TrimPrefix(path, "/"))
}

func (b *Backend) bootstrap() cluster.Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn
}

// do sends one request and returns the response when its status is 2xx.
func (b *Backend) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	conn := b.bootstrap()
	if conn == nil {
		return nil, domain.ErrConnection.WithDetails("consul backend is not initialized")
	}
	opts := &transport.FetchOptions{Method: method, Header: http.Header{}}
	if b.cfg.ACLToken != "" {
		opts.Header.Set(TokenHeader, b.cfg.ACLToken)
	}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		opts.Body = bytes.NewReader(raw)
		opts.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	resp, err := conn.Fetch(ctx, path, opts)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		b.logger.Error("unexpected status", "method", method, "path", path, "status", resp.StatusCode, "body", string(text))
		return nil, fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	return resp, nil
}

func (b *Backend) doJSON(ctx context.Context, method, path string, body, out any) error {
	resp, err := b.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.ErrProtocol.WithDetailsf("%s %s", method, path).WithCause(err)
	}
	return nil
}

type catalogEntry struct {
	ID   string `json:"ID"`
	Node string `json:"Node"`
}

type agentSelf struct {
	Config struct {
		NodeID string `json:"NodeID"`
	} `json:"Config"`
}

// Init implements cluster.Backend.
func (b *Backend) Init(ctx context.Context, bootstrap cluster.Conn, expired func()) (string, []string, error) {
	b.mu.Lock()
	b.conn, b.expired, b.index = bootstrap, expired, 0
	b.mu.Unlock()

	var self agentSelf
	if err := b.doJSON(ctx, http.MethodGet, b.cfg.SelfPath, nil, &self); err != nil {
		return "", nil, fmt.Errorf("resolve node key: %w", err)
	}
	if self.Config.NodeID == "" {
		return "", nil, domain.ErrProtocol.WithDetails("agent self has no Config.NodeID")
	}
	b.logger.Info("resolved node key", "node_id", self.Config.NodeID)

	ids, index, err := b.members(ctx, 0)
	if err != nil {
		return "", nil, fmt.Errorf("resolve members: %w", err)
	}
	b.mu.Lock()
	b.index = index
	b.mu.Unlock()
	return self.Config.NodeID, ids, nil
}

// members reads the catalog, blocking until index changes when index > 0.
func (b *Backend) members(ctx context.Context, index uint64) ([]string, uint64, error) {
	path := b.cfg.MembersPath
	if index > 0 {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		path += sep + "wait=" + formatWait(b.cfg.BlockingQueryTimeout) + "&index=" + strconv.FormatUint(index, 10)
	}
	resp, err := b.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	next, err := strconv.ParseUint(resp.Header.Get(IndexHeader), 10, 64)
	if err != nil || next == 0 {
		return nil, 0, domain.ErrProtocol.WithDetailsf("catalog: bad %s %q", IndexHeader, resp.Header.Get(IndexHeader))
	}
	var entries []catalogEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, 0, domain.ErrProtocol.WithDetails("catalog").WithCause(err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	return ids, next, nil
}

func formatWait(d time.Duration) string {
	if d%time.Second != 0 {
		return strconv.FormatInt(d.Milliseconds(), 10) + "ms"
	}
	return strconv.FormatInt(int64(d/time.Second), 10) + "s"
}

// WatchMembers implements cluster.Backend. It repeats the blocking query
// while the index is unchanged. An index that goes backwards is a reset on
// the service side and counts as a change.
func (b *Backend) WatchMembers(ctx context.Context) ([]string, error) {
	for {
		b.mu.Lock()
		index := b.index
		b.mu.Unlock()

		ids, next, err := b.members(ctx, index)
		if err != nil {
			return nil, err
		}
		switch {
		case next == index:
			b.logger.Debug("member index unchanged", "index", index)
			continue
		case next < index:
			b.logger.Info("member index reset", "from", index, "to", next)
		default:
			b.logger.Debug("member index changed", "from", index, "to", next)
		}
		b.mu.Lock()
		b.index = next
		b.mu.Unlock()
		return ids, nil
	}
}

// LockDelay implements cluster.Backend.
func (b *Backend) LockDelay() time.Duration { return b.cfg.LockDelay }

// AcquireLock implements cluster.Backend. The session is created on first
// use; concurrent callers share one creation.
func (b *Backend) AcquireLock(ctx context.Context, key string) (bool, error) {
	id, err := b.ensureSession(ctx)
	if err != nil {
		return false, err
	}
	path := expand(b.cfg.LockPath, Key(key), id)
	var ok bool
	if err := b.doJSON(ctx, http.MethodPut, path, map[string]string{"sessionId": id}, &ok); err != nil {
		return false, err
	}
	if ok {
		b.logger.Info("lock acquired", "key", Key(key), "session", id)
	}
	return ok, nil
}

// ReleaseLock implements cluster.Backend. Without a session there is
// nothing to release.
func (b *Backend) ReleaseLock(ctx context.Context, key string) error {
	b.mu.Lock()
	id := b.sessionID
	b.mu.Unlock()
	if id == "" {
		b.logger.Warn("no session, lock not released", "key", Key(key))
		return nil
	}
	var ok bool
	if err := b.doJSON(ctx, http.MethodPut, expand(b.cfg.ReleasePath, Key(key), id), map[string]string{}, &ok); err != nil {
		return err
	}
	if !ok {
		b.logger.Warn("lock release refused", "key", Key(key), "session", id)
	}
	return nil
}

func expand(tmpl, key, sessionID string) string {
	return strings.NewReplacer(":key", key, ":sessionId", sessionID, ":id", sessionID).Replace(tmpl)
}

type sessionRequest struct {
	TTL       string `json:"TTL"`
	LockDelay string `json:"LockDelay"`
}

type sessionResponse struct {
	ID string `json:"ID"`
}

func (b *Backend) ensureSession(ctx context.Context) (string, error) {
	b.mu.Lock()
	id := b.sessionID
	b.mu.Unlock()
	if id != "" {
		return id, nil
	}

	ch := b.create.DoChan("session", func() (any, error) {
		b.mu.Lock()
		id := b.sessionID
		b.mu.Unlock()
		if id != "" {
			return id, nil
		}
		var resp sessionResponse
		req := sessionRequest{TTL: formatWait(b.cfg.SessionTTL), LockDelay: formatWait(b.cfg.LockDelay)}
		if err := b.doJSON(context.WithoutCancel(ctx), http.MethodPut, b.cfg.SessionCreatePath, req, &resp); err != nil {
			return "", fmt.Errorf("create session: %w", err)
		}
		if resp.ID == "" {
			return "", domain.ErrProtocol.WithDetails("create session: no ID in response")
		}
		b.mu.Lock()
		b.sessionID = resp.ID
		b.mu.Unlock()
		b.logger.Info("session created", "session", resp.ID)
		b.startRenew(resp.ID)
		return resp.ID, nil
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return "", r.Err
		}
		return r.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SessionID returns the current session id, empty when there is none.
func (b *Backend) SessionID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionID
}

func (b *Backend) startRenew(id string) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.mu.Lock()
	b.renewCancel, b.renewDone = cancel, done
	b.mu.Unlock()
	go func() {
		defer close(done)
		b.renew(ctx, id)
	}()
}

func (b *Backend) stopRenew() {
	b.mu.Lock()
	cancel, done := b.renewCancel, b.renewDone
	b.renewCancel, b.renewDone = nil, nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// renew keeps session id alive. After RenewErrorThreshold consecutive
// failures the session is dropped and the expired callback fires.
func (b *Backend) renew(ctx context.Context, id string) {
	ticker := time.NewTicker(b.cfg.RenewInterval)
	defer ticker.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		b.mu.Lock()
		paused, current := b.paused, b.sessionID
		b.mu.Unlock()
		if paused {
			continue
		}
		if current != id {
			b.logger.Warn("session lost, renewal stopped", "session", id)
			return
		}

		var entries []json.RawMessage
		err := b.doJSON(ctx, http.MethodPut, expand(b.cfg.SessionRenewPath, "", id), nil, &entries)
		if ctx.Err() != nil {
			return
		}
		if err == nil && len(entries) > 0 {
			failures = 0
			b.logger.Debug("session renewed", "session", id)
			continue
		}
		if err == nil {
			err = fmt.Errorf("empty renew response")
		}
		failures++
		b.logger.Error("session renewal failed", "session", id, "failures", failures, "error", err)
		if failures < b.cfg.RenewErrorThreshold {
			continue
		}

		b.logger.Error("session renewal failed too often, locks expired", "session", id)
		b.mu.Lock()
		if b.sessionID == id {
			b.sessionID = ""
		}
		expired := b.expired
		b.renewCancel, b.renewDone = nil, nil
		b.mu.Unlock()
		if expired != nil {
			expired()
		}
		return
	}
}

// Suspend implements cluster.Backend by pausing session renewal.
func (b *Backend) Suspend() {
	b.mu.Lock()
	b.paused = true
	b.mu.Unlock()
}

// Resume implements cluster.Backend.
func (b *Backend) Resume() {
	b.mu.Lock()
	b.paused = false
	b.mu.Unlock()
}

// Finalize implements cluster.Backend. It stops renewal and destroys the
// session.
func (b *Backend) Finalize(ctx context.Context) error {
	b.stopRenew()
	b.mu.Lock()
	id := b.sessionID
	b.sessionID = ""
	b.mu.Unlock()
	if id == "" {
		return nil
	}
	var ok bool
	if err := b.doJSON(ctx, http.MethodPut, expand(b.cfg.SessionDestroyPath, "", id), nil, &ok); err != nil {
		b.logger.Warn("session destroy failed", "session", id, "error", err)
		return err
	}
	if !ok {
		b.logger.Warn("session destroy refused", "session", id)
	} else {
		b.logger.Info("session destroyed", "session", id)
	}
	return nil
}
