package node

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/yndnr/rnode-go/internal/core/domain"
	"github.com/yndnr/rnode-go/internal/telemetry/logger"
)

// RequestIDHeader carries the correlation id of the proxied message to the
// upstream.
const RequestIDHeader = "X-Request-Id"

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Host":                true,
	"Content-Length":      true,
}

// Upstream serves proxy requests by forwarding them to a local HTTP
// service.
type Upstream struct {
	base   *url.URL
	client *http.Client
	logger *slog.Logger
}

// NewUpstream returns a handler forwarding to base. A nil client means
// http.DefaultClient.
func NewUpstream(base string, client *http.Client, logger *slog.Logger) (*Upstream, error) {
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, domain.ErrInvalidArgument.WithDetailsf("upstream %q must be an http(s) URL", base)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Upstream{base: u, client: client, logger: logger}, nil
}

// target maps a proxy request onto the upstream. The mount-relative path
// wins over the path of the original URL; the query is kept.
func (u *Upstream) target(req *domain.ProxyRequest) string {
	p := req.Path
	var rawQuery string
	if orig, err := url.Parse(req.URL); err == nil {
		if p == "" {
			p = orig.Path
		}
		rawQuery = orig.RawQuery
	}
	t := *u.base
	t.Path = strings.TrimRight(u.base.Path, "/") + "/" + strings.TrimLeft(p, "/")
	t.RawQuery = rawQuery
	return t.String()
}

// ServeProxy implements domain.ProxyHandler. Upstream failures are answered
// with 502 so that the remote caller is not left waiting.
func (u *Upstream) ServeProxy(ctx context.Context, req *domain.ProxyRequest) (*domain.ProxyResponse, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	target := u.target(req)
	hreq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return domain.NewProxyResponse(http.StatusBadRequest, err.Error()), nil
	}
	for k, v := range req.Headers {
		if !hopHeaders[http.CanonicalHeaderKey(k)] {
			hreq.Header.Set(k, v)
		}
	}
	if id := logger.RequestIDFromContext(ctx); id != "" {
		hreq.Header.Set(RequestIDHeader, id)
	}

	resp, err := u.client.Do(hreq)
	if err != nil {
		u.logger.WarnContext(ctx, "upstream request failed", "target", target, "error", err)
		return domain.StatusResponse(http.StatusBadGateway), nil
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		u.logger.WarnContext(ctx, "upstream response truncated", "target", target, "error", err)
		return domain.StatusResponse(http.StatusBadGateway), nil
	}

	out := domain.NewProxyResponse(resp.StatusCode, string(data))
	for k, v := range resp.Header {
		if !hopHeaders[k] {
			out.Headers[k] = v
		}
	}
	return out, nil
}
