package rpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/yndnr/rnode-go/internal/core/domain"
)

// registration is a standing mount. handle stays fixed for its lifetime while
// remoteID follows the server across remounts; gen is the socket generation
// remoteID was obtained on.
type registration struct {
	handle   string
	path     string
	mode     domain.MountMode
	handler  domain.ProxyHandler
	opts     domain.MountOptions
	remoteID string
	gen      uint64

	remountMu sync.Mutex
}

// MountInfo describes a standing mount.
type MountInfo struct {
	Handle   string
	Path     string
	Mode     domain.MountMode
	RemoteID string
}

// ensure opens the transport unless a registered socket is already up, which
// lets connect listeners issue requests while Open is still in flight.
func (t *Transport) ensure(ctx context.Context) error {
	if err := t.handle.Check(); err != nil {
		return err
	}
	if t.Connected() {
		return nil
	}
	return t.handle.EnsureOpen(ctx)
}

// Mount registers handler at path on the core node and returns the public
// handle, which is the first server-assigned mount id.
func (t *Transport) Mount(ctx context.Context, path string, mode domain.MountMode, handler domain.ProxyHandler, opts *domain.MountOptions) (string, error) {
	if path == "" {
		return "", domain.ErrInvalidArgument.WithDetails("mount path is empty")
	}
	if !mode.Valid() {
		return "", domain.ErrInvalidMountMode.WithDetailsf("unknown mode %q", mode)
	}
	if handler == nil {
		return "", domain.ErrInvalidArgument.WithDetails("proxy handler is nil")
	}
	if err := t.ensure(ctx); err != nil {
		return "", err
	}

	var o domain.MountOptions
	if opts != nil {
		o = *opts
	}
	gen := t.generation()
	remoteID, err := t.mountRemote(ctx, path, mode, handler, o.Option)
	if err != nil {
		return "", err
	}

	return t.adopt(ctx, &registration{handle: remoteID, path: path, mode: mode, handler: handler, opts: o, remoteID: remoteID, gen: gen})
}

// adopt records a mount obtained on socket generation reg.gen together with
// its listeners. If the socket was replaced meanwhile, the reconnect
// listeners may have run without it, so it is remounted here.
func (t *Transport) adopt(ctx context.Context, reg *registration) (string, error) {
	o := reg.opts
	t.mu.Lock()
	t.mounts[reg.handle] = reg
	t.mu.Unlock()
	t.metrics.AddMounts(1)

	if o.OnDisconnect != nil {
		fn := o.OnDisconnect
		t.onDisconnect.Set(reg.handle+"/disconnect", func(context.Context) error { fn(); return nil })
	}
	if o.OnReconnect != nil {
		fn := o.OnReconnect
		t.onConnect.Set(reg.handle+"/reconnect", func(context.Context) error { fn(); return nil })
	}
	if !o.NoRemount {
		h := reg.handle
		t.onConnect.Set(reg.handle+"/remount", func(ctx context.Context) error { return t.remount(ctx, h) })

		if t.generation() != reg.gen {
			if err := t.remount(ctx, h); err != nil {
				t.forget(h)
				return "", err
			}
		}
	}
	return reg.handle, nil
}

// Unmount removes the mount identified by handle. Unknown handles are
// ignored.
func (t *Transport) Unmount(ctx context.Context, handle string) error {
	if err := t.ensure(ctx); err != nil {
		return err
	}
	t.mu.Lock()
	reg := t.mounts[handle]
	t.mu.Unlock()
	if reg == nil {
		t.logger.Warn("mount handle not found", "handle", handle)
		return nil
	}

	t.mu.Lock()
	remoteID := reg.remoteID
	t.mu.Unlock()
	if err := t.unmountRemote(ctx, remoteID); err != nil {
		return err
	}
	t.logger.Info("unmounted", "path", reg.path, "handle", handle, "mount_id", remoteID)

	t.forget(handle)
	return nil
}

func (t *Transport) forget(handle string) {
	t.mu.Lock()
	_, ok := t.mounts[handle]
	delete(t.mounts, handle)
	t.mu.Unlock()
	if !ok {
		return
	}
	t.metrics.AddMounts(-1)
	t.onConnect.Remove(handle + "/reconnect")
	t.onConnect.Remove(handle + "/remount")
	t.onDisconnect.Remove(handle + "/disconnect")
}

// UnmountAll removes every standing mount. Each unmount is tried twice and
// then dropped locally regardless of the outcome.
func (t *Transport) UnmountAll(ctx context.Context) error {
	for _, m := range t.Mounts() {
		if err := t.Unmount(ctx, m.Handle); err != nil {
			if err := t.Unmount(ctx, m.Handle); err != nil {
				t.logger.Warn("unmount failed, dropping", "handle", m.Handle, "error", err)
			}
		}
		t.forget(m.Handle)
	}
	return nil
}

// Mounts returns a snapshot of the standing mounts.
func (t *Transport) Mounts() []MountInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]MountInfo, 0, len(t.mounts))
	for _, r := range t.mounts {
		out = append(out, MountInfo{Handle: r.handle, Path: r.path, Mode: r.mode, RemoteID: r.remoteID})
	}
	return out
}

// remount re-establishes a mount after a reconnect under a new server id.
// A mount already made on the current socket is left alone.
func (t *Transport) remount(ctx context.Context, handle string) error {
	t.mu.Lock()
	reg := t.mounts[handle]
	t.mu.Unlock()
	if reg == nil {
		t.logger.Warn("remount skipped, mount not found", "handle", handle)
		return nil
	}
	reg.remountMu.Lock()
	defer reg.remountMu.Unlock()

	t.mu.Lock()
	gen, oldID, current := t.gen, reg.remoteID, reg.gen == t.gen
	t.mu.Unlock()
	if current {
		return nil
	}

	if err := t.unmountRemote(ctx, oldID); err != nil {
		t.logger.Debug("stale unmount failed", "mount_id", oldID, "error", err)
	}
	t.mu.Lock()
	delete(t.proxies, oldID)
	t.mu.Unlock()

	newID, err := t.mountRemote(ctx, reg.path, reg.mode, reg.handler, reg.opts.Option)
	if err != nil {
		return fmt.Errorf("remount %s: %w", reg.path, err)
	}
	t.mu.Lock()
	reg.remoteID, reg.gen = newID, gen
	t.mu.Unlock()
	t.logger.Info("remounted", "path", reg.path, "handle", handle, "mount_id", newID)

	if reg.opts.OnRemount != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Warn("remount callback panicked", "handle", handle, "panic", r)
				}
			}()
			reg.opts.OnRemount(handle)
		}()
	}
	return nil
}

func (t *Transport) mountRemote(ctx context.Context, path string, mode domain.MountMode, handler domain.ProxyHandler, option map[string]any) (string, error) {
	msg, err := domain.NewMessage(ulid.Make().String(), domain.ServiceProxy, domain.TypeMount,
		domain.MountPayload{Path: path, Mode: mode, Option: option})
	if err != nil {
		return "", domain.ErrInvalidArgument.WithDetails("mount option").WithCause(err)
	}
	resp, err := t.ask(ctx, msg, true)
	if err != nil {
		return "", fmt.Errorf("mount %s: %w", path, err)
	}
	res, err := domain.CheckResponse(resp, domain.TypeMountResponse)
	if err != nil {
		t.logger.Error("mount rejected", "path", path, "error", err)
		return "", err
	}
	if res.MountID == "" {
		return "", domain.ErrProtocol.WithDetails("mount response without mountId")
	}

	t.mu.Lock()
	t.proxies[res.MountID] = handler
	t.mu.Unlock()
	t.logger.Info("mounted", "path", path, "mode", mode, "mount_id", res.MountID)
	return res.MountID, nil
}

func (t *Transport) unmountRemote(ctx context.Context, remoteID string) error {
	msg, _ := domain.NewMessage(ulid.Make().String(), domain.ServiceProxy, domain.TypeUnmount,
		domain.UnmountPayload{MountID: remoteID})
	resp, err := t.ask(ctx, msg, true)
	if err != nil {
		return fmt.Errorf("unmount %s: %w", remoteID, err)
	}
	if _, err := domain.CheckResponse(resp, domain.TypeUnmountResponse); err != nil {
		return err
	}
	t.mu.Lock()
	delete(t.proxies, remoteID)
	t.mu.Unlock()
	return nil
}
