package rpc

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/yndnr/rnode-go/internal/core/domain"
)

// register performs the cluster handshake. The message id is the stable node
// id so the core node recognizes this node across reconnects.
func (t *Transport) register(ctx context.Context) error {
	msg, _ := domain.NewMessage(t.cfg.NodeID, domain.ServiceCluster, domain.TypeRegister, nil)
	resp, err := t.ask(ctx, msg, false)
	if err != nil {
		return err
	}
	if _, err := domain.CheckResponse(resp, domain.TypeRegisterResponse); err != nil {
		return err
	}
	t.mu.Lock()
	t.userInfo = resp.User
	t.mu.Unlock()
	t.logger.Info("registered to cluster", "node_id", t.cfg.NodeID)
	return nil
}

// registerLoop retries register at a fixed interval while the socket stays
// up. It reports whether registration succeeded.
func (t *Transport) registerLoop(ctx context.Context, readDone <-chan struct{}) bool {
	for {
		err := t.register(ctx)
		if err == nil {
			return true
		}
		t.logger.Warn("register failed, retrying", "error", err, "retry_in", t.cfg.RegisterRetryInterval)

		timer := time.NewTimer(t.cfg.RegisterRetryInterval)
		select {
		case <-timer.C:
		case <-readDone:
			timer.Stop()
			return false
		case <-ctx.Done():
			timer.Stop()
			return false
		}
	}
}

// unregister is best effort and only attempted on a live socket.
func (t *Transport) unregister(ctx context.Context) {
	if !t.Connected() {
		return
	}
	msg, _ := domain.NewMessage(ulid.Make().String(), domain.ServiceCluster, domain.TypeUnregister, nil)
	resp, err := t.ask(ctx, msg, false)
	if err != nil {
		t.logger.Debug("unregister failed", "error", err)
		return
	}
	if _, err := domain.CheckResponse(resp, domain.TypeUnregisterResp); err != nil {
		t.logger.Debug("unregister rejected", "error", err)
		return
	}
	t.logger.Info("unregistered from cluster")
}
