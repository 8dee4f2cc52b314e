package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/yndnr/rnode-go/internal/core/domain"
	"github.com/yndnr/rnode-go/internal/testutil"
	"github.com/yndnr/rnode-go/internal/testutil/fakebroker"
	"github.com/yndnr/rnode-go/internal/testutil/fakecore"
	"github.com/yndnr/rnode-go/internal/transport"
	"github.com/yndnr/rnode-go/internal/transport/pubsub"
	"github.com/yndnr/rnode-go/internal/transport/rpc"
)

func token(t *testing.T, exp time.Time) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "node", "exp": exp.Unix()}).
		SignedString([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newSession(t *testing.T, core *fakecore.Server, hub *fakebroker.Hub, mutate ...func(*Config)) *Session {
	t.Helper()
	cfg := Config{
		URL: core.URL,
		RPC: rpc.Config{
			ReconnectInterval:     20 * time.Millisecond,
			RegisterRetryInterval: 20 * time.Millisecond,
			RequestTimeout:        2 * time.Second,
		},
		PubSub: pubsub.Config{Broker: hub.Factory()},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestNextRefresh(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tests := []struct {
		name string
		exp  time.Time
		want time.Duration
	}{
		{"one hour", now.Add(time.Hour), time.Hour - RefreshLeeway},
		{"close to expiry", now.Add(70 * time.Second), MinRefreshInterval},
		{"already expired", now.Add(-time.Minute), MinRefreshInterval},
		{"far future", now.Add(365 * 24 * time.Hour), MaxRefreshDelay},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextRefresh(tt.exp, now, MinRefreshInterval); got != tt.want {
				t.Errorf("NextRefresh() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSession_MountSubscribePublish(t *testing.T) {
	core := fakecore.New(t)
	hub := fakebroker.NewHub()
	s := newSession(t, core, hub, func(c *Config) {
		c.Credentials = domain.Credentials{UserID: "node", Password: "pw"}
	})
	ctx := context.Background()

	if err := s.Open(ctx); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if !strings.HasPrefix(core.Authorization(""), "Basic ") {
		t.Errorf("websocket Authorization = %q", core.Authorization(""))
	}
	if hub.Clients() != 1 {
		t.Errorf("mqtt clients = %d", hub.Clients())
	}

	handle, err := s.Mount(ctx, "/svc", domain.MountLoadBalancing, domain.ProxyHandlerFunc(
		func(context.Context, *domain.ProxyRequest) (*domain.ProxyResponse, error) {
			return domain.NewProxyResponse(200, "ok"), nil
		}), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(core.Mounts("")) != 1 || len(s.Mounts()) != 1 {
		t.Fatal("mount not registered")
	}

	var got atomic.Value
	key, err := s.Subscribe(ctx, "events/+", func(topic string, payload []byte) { got.Store(topic + "=" + string(payload)) })
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Publish(ctx, "events/a", []byte("1")); err != nil {
		t.Fatal(err)
	}
	if v, _ := got.Load().(string); v != "events/a=1" {
		t.Errorf("delivered %q", v)
	}

	if err := s.Unsubscribe(ctx, key); err != nil {
		t.Fatal(err)
	}
	if err := s.Unmount(ctx, handle); err != nil {
		t.Fatal(err)
	}
	if len(core.Mounts("")) != 0 {
		t.Error("mount survived Unmount")
	}
}

func TestSession_LazyOpen(t *testing.T) {
	core := fakecore.New(t)
	s := newSession(t, core, fakebroker.NewHub())
	if _, err := s.Mount(context.Background(), "/lazy", domain.MountLocalOnly, domain.ProxyHandlerFunc(
		func(context.Context, *domain.ProxyRequest) (*domain.ProxyResponse, error) { return nil, nil }), nil); err != nil {
		t.Fatal(err)
	}
	if !s.Handle().IsOpen() {
		t.Error("Mount did not open the session")
	}
}

func TestSession_ConnectListenerMayMount(t *testing.T) {
	core := fakecore.New(t)
	s := newSession(t, core, fakebroker.NewHub())
	errs := make(chan error, 1)
	var once sync.Once
	s.OnConnect(func(ctx context.Context) error {
		once.Do(func() {
			_, err := s.Mount(ctx, "/from-listener", domain.MountLoadBalancing, domain.ProxyHandlerFunc(
				func(context.Context, *domain.ProxyRequest) (*domain.ProxyResponse, error) { return nil, nil }), nil)
			errs <- err
		})
		return nil
	})
	done := make(chan error, 1)
	go func() { done <- s.Open(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Open() deadlocked on a mounting connect listener")
	}
	if err := <-errs; err != nil {
		t.Errorf("listener Mount() error: %v", err)
	}
}

func TestSession_SuspendResume(t *testing.T) {
	core := fakecore.New(t)
	s := newSession(t, core, fakebroker.NewHub())
	ctx := context.Background()
	if _, err := s.Subscribe(ctx, "t", func(string, []byte) {}); err != nil {
		t.Fatal(err)
	}

	s.Suspend()
	if err := s.Publish(ctx, "t", nil); !errors.Is(err, domain.ErrSuspended) {
		t.Errorf("Publish() while suspended = %v", err)
	}
	if _, err := s.Fetch(ctx, "/x", nil); !errors.Is(err, domain.ErrSuspended) {
		t.Errorf("Fetch() while suspended = %v", err)
	}
	s.Resume()
	if err := s.Publish(ctx, "t", []byte("x")); err != nil {
		t.Errorf("Publish() after Resume = %v", err)
	}
}

func TestSession_Fetch(t *testing.T) {
	core := fakecore.New(t)
	core.Mux.HandleFunc("/config/app.yaml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s %s", r.Method, r.Header.Get("Authorization"))
	})
	s := newSession(t, core, fakebroker.NewHub(), func(c *Config) {
		c.Credentials = domain.Credentials{Token: "abc"}
	})
	ctx := context.Background()

	for _, path := range []string{"/config/app.yaml", core.URL + "/config/app.yaml"} {
		resp, err := s.Fetch(ctx, path, nil)
		if err != nil {
			t.Fatalf("Fetch(%q) error: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if string(body) != "GET Bearer abc" {
			t.Errorf("Fetch(%q) body = %q", path, body)
		}
	}

	resp, err := s.Fetch(ctx, "/config/app.yaml", &transport.FetchOptions{Method: http.MethodPost})
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.HasPrefix(string(body), "POST") {
		t.Errorf("method not forwarded: %q", body)
	}

	if _, err := s.Fetch(ctx, "config/app.yaml", nil); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("relative path: expected ErrInvalidArgument, got %v", err)
	}
}

func TestSession_RefreshToken(t *testing.T) {
	core := fakecore.New(t)
	fresh := token(t, time.Now().Add(time.Hour))
	var calls atomic.Int32
	core.Mux.HandleFunc(DefaultTokenRefreshPath, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") == "Bearer revoked" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprintf(w, `{"access_token":%q}`, fresh)
	})

	var persisted atomic.Value
	s := newSession(t, core, fakebroker.NewHub(), func(c *Config) {
		c.Credentials = domain.Credentials{Token: token(t, time.Now().Add(time.Hour))}
		c.OnTokenUpdate = func(tok string) { persisted.Store(tok) }
	})

	got, err := s.RefreshToken(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != fresh || s.Credentials().Token != fresh {
		t.Error("token not installed")
	}
	if v, _ := persisted.Load().(string); v != fresh {
		t.Error("OnTokenUpdate not called")
	}

	s.SetToken("revoked")
	if _, err := s.RefreshToken(context.Background()); !errors.Is(err, domain.ErrTokenRefresh) {
		t.Errorf("expected ErrTokenRefresh, got %v", err)
	}
	if s.Credentials().Token != "revoked" {
		t.Error("failed refresh replaced the token")
	}
}

func TestSession_ExpiredTokenRefreshedBeforeConnect(t *testing.T) {
	core := fakecore.New(t)
	fresh := token(t, time.Now().Add(time.Hour))
	core.Mux.HandleFunc(DefaultTokenRefreshPath, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"access_token":%q}`, fresh)
	})
	hub := fakebroker.NewHub()
	s := newSession(t, core, hub, func(c *Config) {
		c.Credentials = domain.Credentials{Token: token(t, time.Now().Add(-time.Minute))}
	})

	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	if core.Authorization("") != "Bearer "+fresh {
		t.Error("websocket handshake did not use the refreshed token")
	}
	cfgs := hub.Configs()
	if len(cfgs) != 1 || cfgs[0].Username != fresh {
		t.Error("mqtt connection did not use the refreshed token")
	}
}

func TestSession_RefreshLoopRetriesFailures(t *testing.T) {
	core := fakecore.New(t)
	var calls atomic.Int32
	core.Mux.HandleFunc(DefaultTokenRefreshPath, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	s := newSession(t, core, fakebroker.NewHub(), func(c *Config) {
		c.Credentials = domain.Credentials{Token: token(t, time.Now().Add(-time.Minute))}
		c.MinRefreshInterval = 20 * time.Millisecond
	})
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("refresh failure must not fail Open: %v", err)
	}
	testutil.Eventually(t, 2*time.Second, func() bool { return calls.Load() >= 3 }, "refresh retried")

	if err := s.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	n := calls.Load()
	testutil.Never(t, 100*time.Millisecond, func() bool { return calls.Load() > n+1 }, "refresh continued after Close")
}

func TestSession_Clone(t *testing.T) {
	core := fakecore.New(t)
	s := newSession(t, core, fakebroker.NewHub(), func(c *Config) {
		c.Credentials = domain.Credentials{Token: "abc"}
	})
	s.SetToken("def")

	member, err := s.Clone("/member-1")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = member.Close(context.Background()) })
	if member.ConnectionID() == s.ConnectionID() {
		t.Error("clone shares the node id")
	}
	if err := member.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	if core.Authorization("/member-1") != "Bearer def" {
		t.Errorf("member Authorization = %q", core.Authorization("/member-1"))
	}
	if len(core.Registrations("/member-1")) != 1 || len(core.Registrations("")) != 0 {
		t.Error("clone registered on the wrong node")
	}
}
