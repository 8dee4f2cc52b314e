package cluster

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yndnr/rnode-go/internal/core/domain"
	"github.com/yndnr/rnode-go/internal/testutil"
	"github.com/yndnr/rnode-go/internal/transport"
)

// lockTable is shared by fake backends to model one coordination service.
type lockTable struct {
	mu     sync.Mutex
	holder map[string]*fakeBackend
}

func newLockTable() *lockTable { return &lockTable{holder: make(map[string]*fakeBackend)} }

type fakeBackend struct {
	table *lockTable
	self  string

	mu          sync.Mutex
	members     []string
	initErrs    int
	initCalls   int
	acquireErrs int
	releaseErrs int
	acquires    int
	expired     func()
	suspended   bool
	finalized   bool

	watch chan []string
}

func newFakeBackend(table *lockTable, self string, members ...string) *fakeBackend {
	return &fakeBackend{table: table, self: self, members: members, watch: make(chan []string, 8)}
}

func (b *fakeBackend) Init(ctx context.Context, bootstrap Conn, expired func()) (string, []string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initCalls++
	if b.initErrs != 0 {
		if b.initErrs > 0 {
			b.initErrs--
		}
		return "", nil, errors.New("backend unavailable")
	}
	b.expired = expired
	return b.self, append([]string(nil), b.members...), nil
}

func (b *fakeBackend) WatchMembers(ctx context.Context) ([]string, error) {
	select {
	case ids := <-b.watch:
		return ids, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *fakeBackend) AcquireLock(ctx context.Context, key string) (bool, error) {
	b.mu.Lock()
	b.acquires++
	if b.acquireErrs > 0 {
		b.acquireErrs--
		b.mu.Unlock()
		return false, errors.New("backend unavailable")
	}
	b.mu.Unlock()

	b.table.mu.Lock()
	defer b.table.mu.Unlock()
	if h, ok := b.table.holder[key]; ok && h != b {
		return false, nil
	}
	b.table.holder[key] = b
	return true, nil
}

func (b *fakeBackend) ReleaseLock(ctx context.Context, key string) error {
	b.mu.Lock()
	if b.releaseErrs > 0 {
		b.releaseErrs--
		b.mu.Unlock()
		return errors.New("backend unavailable")
	}
	b.mu.Unlock()

	b.table.mu.Lock()
	defer b.table.mu.Unlock()
	if b.table.holder[key] == b {
		delete(b.table.holder, key)
	}
	return nil
}

func (b *fakeBackend) LockDelay() time.Duration { return 10 * time.Millisecond }

func (b *fakeBackend) Suspend() { b.mu.Lock(); b.suspended = true; b.mu.Unlock() }
func (b *fakeBackend) Resume()  { b.mu.Lock(); b.suspended = false; b.mu.Unlock() }

func (b *fakeBackend) Finalize(ctx context.Context) error {
	b.mu.Lock()
	b.finalized = true
	b.mu.Unlock()
	return nil
}

// expire drops every lock held by b, as a lost backend session would.
func (b *fakeBackend) expire() {
	b.table.mu.Lock()
	for k, h := range b.table.holder {
		if h == b {
			delete(b.table.holder, k)
		}
	}
	b.table.mu.Unlock()
	b.mu.Lock()
	fn := b.expired
	b.mu.Unlock()
	fn()
}

type fakeConn struct {
	id     string
	closed atomic.Int32
}

func (c *fakeConn) ConnectionID() string                  { return c.id }
func (c *fakeConn) Open(context.Context) error            { return nil }
func (c *fakeConn) Close(context.Context) error           { c.closed.Add(1); return nil }
func (c *fakeConn) Unmount(context.Context, string) error { return nil }
func (c *fakeConn) Fetch(context.Context, string, *transport.FetchOptions) (*http.Response, error) {
	return nil, errors.New("not implemented")
}
func (c *fakeConn) Mount(context.Context, string, domain.MountMode, domain.ProxyHandler, *domain.MountOptions) (string, error) {
	return "", nil
}
func (c *fakeConn) Subscribe(context.Context, string, domain.MessageHandler) (string, error) {
	return "", nil
}
func (c *fakeConn) Unsubscribe(context.Context, string) error     { return nil }
func (c *fakeConn) Publish(context.Context, string, []byte) error { return nil }

func dialFake(_ Conn, id string) (Conn, error) { return &fakeConn{id: id}, nil }

func newCoordinator(t *testing.T, b Backend, mutate ...func(*Config)) *Coordinator {
	t.Helper()
	cfg := Config{
		Backend:            b,
		Dial:               dialFake,
		InitRetryInterval:  10 * time.Millisecond,
		LockRetryInterval:  10 * time.Millisecond,
		WatchRetryInterval: 10 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { _ = c.Finalize(context.Background()) })
	return c
}

func memberIDs(ms []Member) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

func sameIDs(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestCoordinator_Initialize(t *testing.T) {
	b := newFakeBackend(newLockTable(), "a", "a", "b", "c")
	c := newCoordinator(t, b)
	boot := &fakeConn{id: "boot"}

	if err := c.Initialize(context.Background(), boot); err != nil {
		t.Fatal(err)
	}
	if c.State() != StateStarted {
		t.Errorf("State() = %v", c.State())
	}
	ms := c.Members()
	if !sameIDs(memberIDs(ms), "a", "b", "c") {
		t.Errorf("members = %v", memberIDs(ms))
	}
	if !ms[0].Bootstrap || ms[0].Conn != boot {
		t.Error("first member must be the bootstrap connection")
	}

	// A second Initialize is a no-op.
	if err := c.Initialize(context.Background(), boot); err != nil {
		t.Fatal(err)
	}
	if b.initCalls != 1 {
		t.Errorf("Init called %d times", b.initCalls)
	}
}

func TestCoordinator_InitializeRetries(t *testing.T) {
	b := newFakeBackend(newLockTable(), "a", "a")
	b.initErrs = 2
	c := newCoordinator(t, b)
	if err := c.Initialize(context.Background(), &fakeConn{id: "boot"}); err != nil {
		t.Fatal(err)
	}
	if b.initCalls != 3 {
		t.Errorf("Init called %d times, want 3", b.initCalls)
	}
	if c.NonRedundant() {
		t.Error("unexpected non-redundant mode")
	}
}

func TestCoordinator_FinalizeAbortsInitialize(t *testing.T) {
	b := newFakeBackend(newLockTable(), "a", "a")
	b.initErrs = -1
	c := newCoordinator(t, b)

	errs := make(chan error, 1)
	go func() { errs <- c.Initialize(context.Background(), &fakeConn{id: "boot"}) }()
	time.Sleep(30 * time.Millisecond)
	if err := c.Finalize(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errs:
		if !errors.Is(err, domain.ErrCancelled) {
			t.Errorf("Initialize() = %v, want ErrCancelled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Initialize kept retrying after Finalize")
	}
}

func TestCoordinator_NonRedundant(t *testing.T) {
	b := newFakeBackend(newLockTable(), "a", "a", "b")
	b.initErrs = -1
	c := newCoordinator(t, b, func(cfg *Config) { cfg.NonRedundant = true })

	if err := c.Initialize(context.Background(), &fakeConn{id: "boot"}); err != nil {
		t.Fatal(err)
	}
	if !c.NonRedundant() {
		t.Fatal("NonRedundant() = false")
	}
	ms := c.Members()
	if len(ms) != 1 || ms[0].ID == "" || ms[0].ID == "a" {
		t.Errorf("members = %v", memberIDs(ms))
	}
	if err := c.AcquireLock(context.Background(), "/p"); err != nil {
		t.Fatal(err)
	}
	if b.acquires != 0 || len(c.HeldKeys()) != 0 {
		t.Error("locks must be skipped in non-redundant mode")
	}
}

func TestCoordinator_Membership(t *testing.T) {
	b := newFakeBackend(newLockTable(), "a", "a", "b")

	var mu sync.Mutex
	var joined, left []string
	failJoin := map[string]int{"d": 1}
	bootClosed := make(chan Member, 2)
	c := newCoordinator(t, b, func(cfg *Config) {
		cfg.OnJoin = func(_ context.Context, m Member) error {
			mu.Lock()
			defer mu.Unlock()
			if failJoin[m.ID] > 0 {
				failJoin[m.ID]--
				return errors.New("replay failed")
			}
			joined = append(joined, m.ID)
			return nil
		}
		cfg.OnLeave = func(_ context.Context, m Member) {
			mu.Lock()
			left = append(left, m.ID)
			mu.Unlock()
		}
		cfg.OnBootstrapClosed = func(m Member) { bootClosed <- m }
	})
	if err := c.Initialize(context.Background(), &fakeConn{id: "boot"}); err != nil {
		t.Fatal(err)
	}

	// Same set in another order: nothing happens.
	b.watch <- []string{"b", "a"}
	// b leaves, c and d join; d fails once.
	b.watch <- []string{"a", "c", "d"}
	testutil.Eventually(t, time.Second, func() bool {
		return sameIDs(memberIDs(c.Members()), "a", "c")
	}, "c joined, b left")

	mu.Lock()
	if !sameIDs(left, "b") || !sameIDs(joined, "c") {
		t.Errorf("left=%v joined=%v", left, joined)
	}
	mu.Unlock()

	// The failed join is retried on the next report even if unchanged.
	b.watch <- []string{"a", "c", "d"}
	testutil.Eventually(t, time.Second, func() bool {
		return sameIDs(memberIDs(c.Members()), "a", "c", "d")
	}, "d joined on retry")

	// Bootstrap leaves.
	b.watch <- []string{"c", "d"}
	select {
	case m := <-bootClosed:
		if m.ID != "a" || !m.Bootstrap {
			t.Errorf("bootstrap closed for %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("OnBootstrapClosed not called")
	}
	b.watch <- []string{"c"}
	select {
	case <-bootClosed:
		t.Error("OnBootstrapClosed called twice")
	case <-time.After(50 * time.Millisecond):
	}
	mu.Lock()
	for _, id := range joined {
		if id == "a" {
			t.Error("bootstrap join reported as a member join")
		}
	}
	mu.Unlock()
}

func TestCoordinator_FinalizeClosesJoiningMember(t *testing.T) {
	b := newFakeBackend(newLockTable(), "a", "a", "b")

	var mu sync.Mutex
	var dialed []*fakeConn
	entered := make(chan struct{})
	release := make(chan struct{})
	c := newCoordinator(t, b, func(cfg *Config) {
		cfg.Dial = func(_ Conn, id string) (Conn, error) {
			conn := &fakeConn{id: id}
			mu.Lock()
			dialed = append(dialed, conn)
			mu.Unlock()
			return conn, nil
		}
		cfg.OnJoin = func(context.Context, Member) error {
			close(entered)
			<-release
			return nil
		}
	})
	boot := &fakeConn{id: "boot"}
	if err := c.Initialize(context.Background(), boot); err != nil {
		t.Fatal(err)
	}

	b.watch <- []string{"a", "b", "c"}
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("join of c never started")
	}

	finalized := make(chan error, 1)
	go func() { finalized <- c.Finalize(context.Background()) }()
	time.Sleep(30 * time.Millisecond)
	close(release)
	select {
	case err := <-finalized:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("Finalize hung")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(dialed) != 2 {
		t.Fatalf("dialed %d members, want 2", len(dialed))
	}
	for _, conn := range dialed {
		if n := conn.closed.Load(); n != 1 {
			t.Errorf("member %s closed %d times, want 1", conn.id, n)
		}
	}
	if boot.closed.Load() != 0 {
		t.Error("bootstrap connection closed by Finalize")
	}
	if ids := memberIDs(c.Members()); !sameIDs(ids, "a") {
		t.Errorf("members after Finalize = %v", ids)
	}
}

func TestCoordinator_AcquireLockAtMostOne(t *testing.T) {
	table := newLockTable()
	ca := newCoordinator(t, newFakeBackend(table, "a", "a", "b"))
	cb := newCoordinator(t, newFakeBackend(table, "b", "a", "b"))
	ctx := context.Background()
	if err := ca.Initialize(ctx, &fakeConn{id: "ca"}); err != nil {
		t.Fatal(err)
	}
	if err := cb.Initialize(ctx, &fakeConn{id: "cb"}); err != nil {
		t.Fatal(err)
	}

	if err := ca.AcquireLock(ctx, "/a/test"); err != nil {
		t.Fatal(err)
	}
	if err := cb.TryAcquireLock(ctx, "/a/test"); !errors.Is(err, domain.ErrLockAcquisition) {
		t.Errorf("TryAcquireLock() = %v, want ErrLockAcquisition", err)
	}

	acquired := make(chan error, 1)
	go func() { acquired <- cb.AcquireLock(ctx, "/a/test") }()
	select {
	case err := <-acquired:
		t.Fatalf("second holder acquired the lock: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if err := ca.AbandonLock(ctx, "/a/test", false); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("lock not acquired after release")
	}
	if !sameIDs(cb.HeldKeys(), "/a/test") || len(ca.HeldKeys()) != 0 {
		t.Errorf("held a=%v b=%v", ca.HeldKeys(), cb.HeldKeys())
	}
}

func TestCoordinator_AcquireLockRetriesErrors(t *testing.T) {
	b := newFakeBackend(newLockTable(), "a", "a")
	b.acquireErrs = 2
	c := newCoordinator(t, b)
	if err := c.Initialize(context.Background(), &fakeConn{id: "boot"}); err != nil {
		t.Fatal(err)
	}
	if err := c.AcquireLock(context.Background(), "/k"); err != nil {
		t.Fatal(err)
	}
	if b.acquires != 3 {
		t.Errorf("acquire attempts = %d, want 3", b.acquires)
	}
}

func TestCoordinator_FinalizeCancelsPendingAcquire(t *testing.T) {
	table := newLockTable()
	holder := newCoordinator(t, newFakeBackend(table, "a", "a"))
	waiter := newCoordinator(t, newFakeBackend(table, "b", "b"))
	ctx := context.Background()
	_ = holder.Initialize(ctx, &fakeConn{id: "h"})
	_ = waiter.Initialize(ctx, &fakeConn{id: "w"})
	if err := holder.AcquireLock(ctx, "/k"); err != nil {
		t.Fatal(err)
	}

	errs := make(chan error, 1)
	go func() { errs <- waiter.AcquireLock(ctx, "/k") }()
	time.Sleep(30 * time.Millisecond)
	if err := waiter.Finalize(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errs:
		if !errors.Is(err, domain.ErrCancelled) {
			t.Errorf("AcquireLock() = %v, want ErrCancelled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending AcquireLock hung after Finalize")
	}
	if err := waiter.AcquireLock(ctx, "/k"); !errors.Is(err, domain.ErrCancelled) {
		t.Errorf("AcquireLock() on stopped coordinator = %v", err)
	}
}

func TestCoordinator_SuspendResume(t *testing.T) {
	table := newLockTable()
	holder := newCoordinator(t, newFakeBackend(table, "a", "a"))
	bw := newFakeBackend(table, "b", "b")
	waiter := newCoordinator(t, bw)
	ctx := context.Background()
	_ = holder.Initialize(ctx, &fakeConn{id: "h"})
	_ = waiter.Initialize(ctx, &fakeConn{id: "w"})
	if err := holder.AcquireLock(ctx, "/k"); err != nil {
		t.Fatal(err)
	}
	if err := waiter.AcquireLock(ctx, "/other"); err != nil {
		t.Fatal(err)
	}

	errs := make(chan error, 1)
	go func() { errs <- waiter.AcquireLock(ctx, "/k") }()
	time.Sleep(20 * time.Millisecond)

	waiter.Suspend()
	if waiter.State() != StateSuspended || !bw.suspended {
		t.Fatal("not suspended")
	}
	if err := waiter.AcquireLock(ctx, "/x"); !errors.Is(err, domain.ErrSuspended) {
		t.Errorf("AcquireLock() while suspended = %v", err)
	}
	_ = holder.AbandonLock(ctx, "/k", false)

	bw.mu.Lock()
	before := bw.acquires
	bw.mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	bw.mu.Lock()
	during := bw.acquires
	bw.mu.Unlock()
	if during > before+1 {
		t.Errorf("retries continued while suspended: %d -> %d", before, during)
	}

	waiter.Resume()
	select {
	case err := <-errs:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending AcquireLock did not continue after Resume")
	}
	if !sameIDs(waiter.HeldKeys(), "/k", "/other") {
		t.Errorf("held keys after resume = %v", waiter.HeldKeys())
	}
}

func TestCoordinator_LockExpired(t *testing.T) {
	b := newFakeBackend(newLockTable(), "a", "a")
	expired := make(chan []string, 1)
	c := newCoordinator(t, b, func(cfg *Config) {
		cfg.OnLockExpired = func(keys []string) { expired <- keys }
	})
	ctx := context.Background()
	_ = c.Initialize(ctx, &fakeConn{id: "boot"})
	for _, k := range []string{"/b", "/a"} {
		if err := c.AcquireLock(ctx, k); err != nil {
			t.Fatal(err)
		}
	}

	b.expire()
	select {
	case keys := <-expired:
		if !sameIDs(keys, "/a", "/b") {
			t.Errorf("expired keys = %v", keys)
		}
	case <-time.After(time.Second):
		t.Fatal("OnLockExpired not called")
	}
	if len(c.HeldKeys()) != 0 {
		t.Errorf("HeldKeys() = %v after expiry", c.HeldKeys())
	}
}

func TestCoordinator_AbandonLock(t *testing.T) {
	b := newFakeBackend(newLockTable(), "a", "a")
	c := newCoordinator(t, b)
	ctx := context.Background()
	_ = c.Initialize(ctx, &fakeConn{id: "boot"})

	_ = c.AcquireLock(ctx, "/k")
	b.releaseErrs = 2
	if err := c.AbandonLock(ctx, "/k", false); err != nil {
		t.Fatal(err)
	}
	if b.releaseErrs != 0 || len(c.HeldKeys()) != 0 {
		t.Error("release not retried")
	}

	_ = c.AcquireLock(ctx, "/k")
	b.releaseErrs = 5
	if err := c.AbandonLock(ctx, "/k", true); err != nil {
		t.Fatal(err)
	}
	if b.releaseErrs != 4 || len(c.HeldKeys()) != 0 {
		t.Error("ignored release failure must forget the key after one attempt")
	}
}

func TestCoordinator_LockHoldsCounted(t *testing.T) {
	table := newLockTable()
	b := newFakeBackend(table, "a", "a")
	c := newCoordinator(t, b)
	ctx := context.Background()
	_ = c.Initialize(ctx, &fakeConn{id: "boot"})

	for i := 0; i < 2; i++ {
		if err := c.AcquireLock(ctx, "/k"); err != nil {
			t.Fatal(err)
		}
	}
	if b.acquires != 1 {
		t.Errorf("backend acquires = %d, want 1", b.acquires)
	}

	if err := c.AbandonLock(ctx, "/k", false); err != nil {
		t.Fatal(err)
	}
	table.mu.Lock()
	still := table.holder["/k"] == b
	table.mu.Unlock()
	if !still || !sameIDs(c.HeldKeys(), "/k") {
		t.Fatalf("lock released with a hold left, held = %v", c.HeldKeys())
	}

	if err := c.AbandonLock(ctx, "/k", false); err != nil {
		t.Fatal(err)
	}
	table.mu.Lock()
	_, still = table.holder["/k"]
	table.mu.Unlock()
	if still || len(c.HeldKeys()) != 0 {
		t.Errorf("lock kept after the last hold, held = %v", c.HeldKeys())
	}
}

func TestCoordinator_AllOneWaterfall(t *testing.T) {
	c := newCoordinator(t, newFakeBackend(newLockTable(), "a", "a", "b", "c"))
	ctx := context.Background()

	noop := func(context.Context, Member) error { return nil }
	if err := c.One(ctx, noop); !errors.Is(err, domain.ErrNoMember) {
		t.Errorf("One() before Initialize = %v", err)
	}
	_ = c.Initialize(ctx, &fakeConn{id: "boot"})

	var n atomic.Int32
	if err := c.All(ctx, func(context.Context, Member) error { n.Add(1); return nil }); err != nil || n.Load() != 3 {
		t.Errorf("All() = %v, calls=%d", err, n.Load())
	}
	boom := errors.New("boom")
	if err := c.All(ctx, func(_ context.Context, m Member) error {
		if m.ID == "b" {
			return boom
		}
		return nil
	}); !errors.Is(err, boom) {
		t.Errorf("All() = %v", err)
	}

	var got string
	_ = c.One(ctx, func(_ context.Context, m Member) error { got = m.ID; return nil })
	if got != "a" {
		t.Errorf("One() used %q", got)
	}

	var order []string
	record := func(_ context.Context, m Member) error {
		order = append(order, m.ID)
		if m.ID == "b" {
			return boom
		}
		return nil
	}
	if err := c.Waterfall(ctx, record, false, false); !errors.Is(err, boom) || !sameIDs(order, "a", "b") {
		t.Errorf("Waterfall() = %v, order=%v", err, order)
	}
	order = nil
	if err := c.Waterfall(ctx, record, true, true); err != nil || !sameIDs(order, "c", "b", "a") {
		t.Errorf("Waterfall(reverse, continue) = %v, order=%v", err, order)
	}
}

func TestExclusive(t *testing.T) {
	e := NewExclusive("test", nil, true)
	if err := e.Lock(context.Background(), "first"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := e.Lock(ctx, "second"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Lock() = %v, want DeadlineExceeded", err)
	}
	e.Unlock("first")
	if err := e.Lock(context.Background(), "third"); err != nil {
		t.Fatal(err)
	}
	e.Unlock("third")
}

func TestFingerprint(t *testing.T) {
	if fingerprint([]string{"a", "b"}) != fingerprint([]string{"b", "a"}) {
		t.Error("fingerprint depends on order")
	}
	if fingerprint([]string{"a", "b"}) == fingerprint([]string{"ab"}) {
		t.Error("fingerprint collides on concatenation")
	}
}
