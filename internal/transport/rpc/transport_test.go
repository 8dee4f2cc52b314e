package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yndnr/rnode-go/internal/core/domain"
	"github.com/yndnr/rnode-go/internal/testutil"
	"github.com/yndnr/rnode-go/internal/testutil/fakecore"
)

func newTransport(t *testing.T, core *fakecore.Server, mutate ...func(*Config)) *Transport {
	t.Helper()
	cfg := Config{
		URL:                   core.URL,
		ReconnectInterval:     20 * time.Millisecond,
		RegisterRetryInterval: 20 * time.Millisecond,
		RequestTimeout:        2 * time.Second,
		Credentials:           domain.Credentials{Token: "tok"},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	tr, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr
}

func echoHandler(body string) domain.ProxyHandler {
	return domain.ProxyHandlerFunc(func(_ context.Context, req *domain.ProxyRequest) (*domain.ProxyResponse, error) {
		return domain.NewProxyResponse(200, body+":"+req.URL), nil
	})
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		in, path, want string
		wantErr        bool
	}{
		{"http://core:8080", "/r", "ws://core:8080/r", false},
		{"https://core", "/abc/r", "wss://core/abc/r", false},
		{"wss://core/ignored", "/r", "wss://core/r", false},
		{"ftp://core", "/r", "", true},
		{"::bad", "/r", "", true},
	}
	for _, tt := range tests {
		got, err := websocketURL(tt.in, tt.path)
		if (err != nil) != tt.wantErr {
			t.Errorf("websocketURL(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("websocketURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTransport_OpenRegisters(t *testing.T) {
	core := fakecore.New(t)
	tr := newTransport(t, core)

	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if !tr.Connected() {
		t.Fatal("Connected() = false after Open")
	}
	regs := core.Registrations("")
	if len(regs) != 1 || regs[0] != tr.ConnectionID() {
		t.Errorf("registrations = %v, want [%s]", regs, tr.ConnectionID())
	}
	if core.Authorization("") != "Bearer tok" {
		t.Errorf("Authorization = %q", core.Authorization(""))
	}
	var info struct{ ID string }
	if err := json.Unmarshal(tr.UserInfo(), &info); err != nil || info.ID != "user-1" {
		t.Errorf("UserInfo() = %s", tr.UserInfo())
	}
}

func TestTransport_RegisterRetried(t *testing.T) {
	core := fakecore.New(t)
	core.RejectRegister(2)
	tr := newTransport(t, core)

	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if n := core.Count("", domain.TypeRegister); n != 3 {
		t.Errorf("register attempts = %d, want 3", n)
	}
}

func TestTransport_MountAndDispatch(t *testing.T) {
	core := fakecore.New(t)
	tr := newTransport(t, core)
	ctx := context.Background()

	handle, err := tr.Mount(ctx, "/a/test", domain.MountLoadBalancing, echoHandler("a"), nil)
	if err != nil {
		t.Fatalf("Mount() error: %v", err)
	}
	mounts := core.Mounts("")
	if len(mounts) != 1 || mounts[0].Path != "/a/test" || mounts[0].Mode != domain.MountLoadBalancing {
		t.Fatalf("server mounts = %+v", mounts)
	}
	if handle != mounts[0].ID {
		t.Errorf("handle = %q, want first server id %q", handle, mounts[0].ID)
	}

	resp, err := core.Invoke(ctx, "", mounts[0].ID, &domain.ProxyRequest{Method: "GET", URL: "/x"})
	if err != nil {
		t.Fatalf("Invoke() error: %v", err)
	}
	if resp.StatusCode != 200 || resp.Body != "a:/x" {
		t.Errorf("response = %+v", resp)
	}

	resp, err = core.Invoke(ctx, "", "m-unknown", &domain.ProxyRequest{Method: "GET", URL: "/x"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 404 {
		t.Errorf("unknown mount status = %d, want 404", resp.StatusCode)
	}

	if err := tr.Unmount(ctx, handle); err != nil {
		t.Fatalf("Unmount() error: %v", err)
	}
	if len(core.Mounts("")) != 0 {
		t.Error("mount still registered on server")
	}
	if len(tr.Mounts()) != 0 {
		t.Error("mount still registered locally")
	}
	// Unknown handles are ignored.
	if err := tr.Unmount(ctx, handle); err != nil {
		t.Errorf("second Unmount() error: %v", err)
	}
}

func TestTransport_DispatchEmptyAndFailingHandlers(t *testing.T) {
	core := fakecore.New(t)
	tr := newTransport(t, core)
	ctx := context.Background()

	_, err := tr.Mount(ctx, "/nil", domain.MountLoadBalancing, domain.ProxyHandlerFunc(
		func(context.Context, *domain.ProxyRequest) (*domain.ProxyResponse, error) { return nil, nil }), nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = tr.Mount(ctx, "/fail", domain.MountLoadBalancing, domain.ProxyHandlerFunc(
		func(context.Context, *domain.ProxyRequest) (*domain.ProxyResponse, error) {
			return nil, errors.New("backend down")
		}), nil)
	if err != nil {
		t.Fatal(err)
	}

	ids := map[string]string{}
	for _, m := range core.Mounts("") {
		ids[m.Path] = m.ID
	}

	resp, err := core.Invoke(ctx, "", ids["/nil"], &domain.ProxyRequest{Method: "GET", URL: "/"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 500 {
		t.Errorf("empty response status = %d, want 500", resp.StatusCode)
	}

	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := core.Invoke(short, "", ids["/fail"], &domain.ProxyRequest{Method: "GET", URL: "/"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("failing handler must leave request unanswered, got %v", err)
	}
}

func TestTransport_MountValidation(t *testing.T) {
	core := fakecore.New(t)
	tr := newTransport(t, core)
	ctx := context.Background()

	if _, err := tr.Mount(ctx, "/a", "roundRobin", echoHandler("a"), nil); !errors.Is(err, domain.ErrInvalidMountMode) {
		t.Errorf("expected ErrInvalidMountMode, got %v", err)
	}
	if _, err := tr.Mount(ctx, "", domain.MountLoadBalancing, echoHandler("a"), nil); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := tr.Mount(ctx, "/a", domain.MountLoadBalancing, nil, nil); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestTransport_RemountAfterReconnect(t *testing.T) {
	core := fakecore.New(t)
	tr := newTransport(t, core)
	ctx := context.Background()

	var mu sync.Mutex
	var remounted []string
	var disconnects, reconnects atomic.Int32
	handle, err := tr.Mount(ctx, "/a/test", domain.MountSingletonMaster, echoHandler("a"), &domain.MountOptions{
		OnRemount:    func(h string) { mu.Lock(); remounted = append(remounted, h); mu.Unlock() },
		OnDisconnect: func() { disconnects.Add(1) },
		OnReconnect:  func() { reconnects.Add(1) },
		Option:       map[string]any{"weight": 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	firstID := core.Mounts("")[0].ID

	core.Drop("")

	testutil.Eventually(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(remounted) == 1
	}, "remount callback")

	mu.Lock()
	if remounted[0] != handle {
		t.Errorf("OnRemount handle = %q, want %q", remounted[0], handle)
	}
	mu.Unlock()
	if disconnects.Load() != 1 || reconnects.Load() != 1 {
		t.Errorf("disconnects=%d reconnects=%d", disconnects.Load(), reconnects.Load())
	}

	mounts := core.Mounts("")
	if len(mounts) != 1 {
		t.Fatalf("server mounts = %+v", mounts)
	}
	if mounts[0].ID == firstID {
		t.Error("remount must use a new server id")
	}
	if mounts[0].Path != "/a/test" || mounts[0].Mode != domain.MountSingletonMaster {
		t.Errorf("remounted as %+v", mounts[0])
	}
	local := tr.Mounts()
	if len(local) != 1 || local[0].Handle != handle || local[0].RemoteID != mounts[0].ID {
		t.Errorf("local mounts = %+v", local)
	}

	// Same node id on the second handshake.
	regs := core.Registrations("")
	if len(regs) != 2 || regs[0] != regs[1] {
		t.Errorf("registrations = %v", regs)
	}

	// Proxy requests reach the handler under the new id.
	resp, err := core.Invoke(ctx, "", mounts[0].ID, &domain.ProxyRequest{Method: "GET", URL: "/y"})
	if err != nil || resp.StatusCode != 200 {
		t.Fatalf("Invoke() = %+v, %v", resp, err)
	}

	// The original handle still unmounts.
	if err := tr.Unmount(ctx, handle); err != nil {
		t.Fatalf("Unmount() error: %v", err)
	}
	if len(core.Mounts("")) != 0 {
		t.Error("mount survived unmount")
	}
}

// A mount answered on a socket that was replaced before the mount was
// recorded must come back on the new socket.
func TestTransport_MountRacingReconnect(t *testing.T) {
	core := fakecore.New(t)
	tr := newTransport(t, core)
	ctx := context.Background()
	if err := tr.Open(ctx); err != nil {
		t.Fatal(err)
	}

	gen := tr.generation()
	handler := echoHandler("late")
	staleID, err := tr.mountRemote(ctx, "/late", domain.MountLoadBalancing, handler, nil)
	if err != nil {
		t.Fatal(err)
	}
	core.Drop("")
	testutil.Eventually(t, 3*time.Second, func() bool { return tr.generation() != gen && tr.Connected() }, "reconnect")
	testutil.Eventually(t, time.Second, func() bool { return len(core.Mounts("")) == 0 }, "stale mount dropped by the server")

	handle, err := tr.adopt(ctx, &registration{
		handle: staleID, path: "/late", mode: domain.MountLoadBalancing,
		handler: handler, remoteID: staleID, gen: gen,
	})
	if err != nil {
		t.Fatalf("adopt() error: %v", err)
	}
	if handle != staleID {
		t.Errorf("handle = %q, want %q", handle, staleID)
	}
	mounts := core.Mounts("")
	if len(mounts) != 1 || mounts[0].Path != "/late" || mounts[0].ID == staleID {
		t.Fatalf("server mounts = %+v", mounts)
	}

	// A second remount on the same socket is a no-op.
	if err := tr.remount(ctx, handle); err != nil {
		t.Fatal(err)
	}
	if got := core.Mounts(""); len(got) != 1 || got[0].ID != mounts[0].ID {
		t.Errorf("server mounts after repeated remount = %+v", got)
	}
}

func TestTransport_NoRemount(t *testing.T) {
	core := fakecore.New(t)
	tr := newTransport(t, core)
	ctx := context.Background()

	if _, err := tr.Mount(ctx, "/a", domain.MountLoadBalancing, echoHandler("a"), &domain.MountOptions{NoRemount: true}); err != nil {
		t.Fatal(err)
	}
	core.Drop("")
	testutil.Eventually(t, 3*time.Second, func() bool { return len(core.Registrations("")) == 2 && tr.Connected() }, "reconnect")
	testutil.Never(t, 100*time.Millisecond, func() bool { return len(core.Mounts("")) > 0 }, "mount re-issued despite NoRemount")
}

func TestTransport_PendingFailedOnDisconnect(t *testing.T) {
	core := fakecore.New(t)
	core.HoldMounts("/hang")
	tr := newTransport(t, core)
	ctx := context.Background()
	if err := tr.Open(ctx); err != nil {
		t.Fatal(err)
	}

	const n = 5
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := tr.Mount(ctx, "/hang", domain.MountLoadBalancing, echoHandler("h"), nil)
			errs <- err
		}()
	}
	testutil.Eventually(t, 2*time.Second, func() bool { return core.Count("", domain.TypeMount) == n }, "mount requests sent")

	core.Drop("")

	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, domain.ErrConnectionLost) {
				t.Errorf("pending request resolved with %v, want ErrConnectionLost", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("pending request not resolved after disconnect")
		}
	}
	select {
	case err := <-errs:
		t.Fatalf("extra resolution: %v", err)
	default:
	}
}

func TestTransport_SuspendGatesMount(t *testing.T) {
	core := fakecore.New(t)
	tr := newTransport(t, core)
	ctx := context.Background()
	if _, err := tr.Mount(ctx, "/a", domain.MountLoadBalancing, echoHandler("a"), nil); err != nil {
		t.Fatal(err)
	}
	before := core.Count("", domain.TypeMount)

	tr.Suspend()
	if _, err := tr.Mount(ctx, "/b", domain.MountLoadBalancing, echoHandler("b"), nil); !errors.Is(err, domain.ErrSuspended) {
		t.Errorf("expected ErrSuspended, got %v", err)
	}
	tr.Resume()

	if len(core.Mounts("")) != 1 || core.Count("", domain.TypeMount) != before {
		t.Error("suspend/resume must keep mounts without re-issuing them")
	}
}

func TestTransport_CloseUnregistersAndKeepsMounts(t *testing.T) {
	core := fakecore.New(t)
	tr := newTransport(t, core)
	ctx := context.Background()

	handle, err := tr.Mount(ctx, "/a", domain.MountLoadBalancing, echoHandler("a"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if core.Count("", domain.TypeUnregister) != 1 {
		t.Error("Close() should unregister")
	}
	if err := tr.Close(ctx); err != nil {
		t.Fatal(err)
	}
	testutil.Eventually(t, time.Second, func() bool { return core.Connections("") == 0 }, "socket closed")

	// Reopening remounts the standing mount under the same handle.
	if err := tr.Open(ctx); err != nil {
		t.Fatal(err)
	}
	testutil.Eventually(t, 2*time.Second, func() bool { return len(core.Mounts("")) == 1 }, "remount on reopen")
	if tr.Mounts()[0].Handle != handle {
		t.Error("handle changed across reopen")
	}
}

func TestTransport_UnmountAll(t *testing.T) {
	core := fakecore.New(t)
	tr := newTransport(t, core)
	ctx := context.Background()
	for _, p := range []string{"/a", "/b", "/c"} {
		if _, err := tr.Mount(ctx, p, domain.MountLoadBalancing, echoHandler(p), nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := tr.UnmountAll(ctx); err != nil {
		t.Fatal(err)
	}
	if len(core.Mounts("")) != 0 || len(tr.Mounts()) != 0 {
		t.Error("UnmountAll left mounts behind")
	}
}

func TestTransport_BasePath(t *testing.T) {
	core := fakecore.New(t)
	tr := newTransport(t, core, func(c *Config) { c.BasePath = "/node-b" })
	if !strings.HasSuffix(tr.URL(), "/node-b/r") {
		t.Fatalf("URL() = %s", tr.URL())
	}
	if _, err := tr.Mount(context.Background(), "/a", domain.MountLoadBalancing, echoHandler("a"), nil); err != nil {
		t.Fatal(err)
	}
	if len(core.Mounts("/node-b")) != 1 || len(core.Mounts("")) != 0 {
		t.Error("mount not routed to the base path node")
	}
}
