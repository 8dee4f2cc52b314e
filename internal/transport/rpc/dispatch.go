package rpc

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/yndnr/rnode-go/internal/core/domain"
	"github.com/yndnr/rnode-go/internal/telemetry/logger"
)

// dispatch serves an unsolicited message addressed to a mounted proxy.
//
// Unknown mount ids are answered 404 and nil responses 500. A handler error
// leaves the request unanswered so the remote caller sees the same thing as
// a partition.
func (t *Transport) dispatch(msg *domain.Message) {
	service := msg.Service
	mountID, ok := domain.ProxyMountID(service)
	if !ok {
		t.logger.Debug("ignoring unsolicited message", "service", service, "type", msg.Type)
		return
	}
	if msg.Type != domain.TypeRequest {
		t.logger.Error("unexpected proxy message", "service", service, "type", msg.Type)
		return
	}

	var inv domain.ProxyInvocation
	if err := msg.DecodePayload(&inv); err != nil || inv.Request == nil {
		t.logger.Warn("malformed proxy request", "service", service, "error", err)
		t.answer(msg, domain.StatusResponse(http.StatusBadRequest))
		return
	}
	if inv.MountID != "" {
		mountID = inv.MountID
	}

	t.mu.Lock()
	handler := t.proxies[mountID]
	ctx := t.loopCtx
	t.mu.Unlock()
	if handler == nil {
		t.logger.Warn("proxy not found", "mount_id", mountID)
		t.answer(msg, domain.StatusResponse(http.StatusNotFound))
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = logger.WithRequestID(ctx, msg.ID)

	go func() {
		resp, err := t.serveProxy(ctx, handler, inv.Request)
		if err != nil {
			t.logger.ErrorContext(ctx, "proxy handler failed", "mount_id", mountID, "url", inv.Request.URL, "error", err)
			return
		}
		if resp == nil {
			t.logger.WarnContext(ctx, "proxy handler returned no response", "mount_id", mountID)
			resp = domain.StatusResponse(http.StatusInternalServerError)
		}
		t.answer(msg, resp)
	}()
}

func (t *Transport) serveProxy(ctx context.Context, h domain.ProxyHandler, req *domain.ProxyRequest) (resp *domain.ProxyResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.ErrProtocol.WithDetailsf("proxy handler panic: %v", r)
		}
	}()
	return h.ServeProxy(ctx, req)
}

// answer replies on the request's correlation id.
func (t *Transport) answer(req *domain.Message, resp *domain.ProxyResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		t.logger.Error("encode proxy response", "error", err)
		return
	}
	out := &domain.Message{
		ID:      req.ID,
		Service: req.Service,
		Type:    domain.TypeResponse,
		Payload: payload,
		Ask:     req.Ask,
	}

	t.mu.Lock()
	ws := t.ws
	t.mu.Unlock()
	if ws == nil {
		t.logger.Warn("connection lost before answering", "id", req.ID)
		return
	}
	if err := t.send(ws, out); err != nil {
		t.logger.Warn("answer failed", "id", req.ID, "error", err)
	}
}
