package domain

import (
	"context"
	"net/http"
)

// MountMode selects how a mount is shared among the replicas of a cluster.
type MountMode string

const (
	// MountSingletonMaster: exactly one replica serves the path at a time,
	// guarded by a cluster-wide lock keyed by the path.
	MountSingletonMaster MountMode = "singletonMaster"

	// MountLoadBalancing: every replica may serve the path concurrently.
	MountLoadBalancing MountMode = "loadBalancing"

	// MountLocalOnly: the path is served inside this node only.
	MountLocalOnly MountMode = "localOnly"
)

// ParseMountMode validates s and returns the corresponding MountMode.
func ParseMountMode(s string) (MountMode, error) {
	m := MountMode(s)
	if !m.Valid() {
		return "", ErrInvalidMountMode.WithDetailsf("unknown mode %q", s)
	}
	return m, nil
}

// Valid reports whether m is one of the known modes.
func (m MountMode) Valid() bool {
	switch m {
	case MountSingletonMaster, MountLoadBalancing, MountLocalOnly:
		return true
	}
	return false
}

// RequiresLock reports whether mounts in this mode must hold the path lock.
func (m MountMode) RequiresLock() bool {
	return m == MountSingletonMaster
}

func (m MountMode) String() string { return string(m) }

// ProxyRequest is an HTTP request routed by the core node to a mounted proxy.
type ProxyRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Path    string            `json:"path,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// ProxyResponse is the answer sent back for a ProxyRequest.
type ProxyResponse struct {
	StatusCode int                 `json:"statusCode"`
	Headers    map[string][]string `json:"headers,omitempty"`
	Body       string              `json:"body,omitempty"`
}

// NewProxyResponse returns a response with the given status and body.
func NewProxyResponse(status int, body string) *ProxyResponse {
	return &ProxyResponse{StatusCode: status, Headers: map[string][]string{}, Body: body}
}

// StatusResponse returns an empty-bodied response carrying the standard
// status text.
func StatusResponse(status int) *ProxyResponse {
	return NewProxyResponse(status, http.StatusText(status))
}

// ProxyHandler serves requests addressed to a mount.
//
// Returning a nil response makes the transport answer 500. Returning an
// error leaves the request unanswered.
type ProxyHandler interface {
	ServeProxy(ctx context.Context, req *ProxyRequest) (*ProxyResponse, error)
}

// ProxyHandlerFunc adapts a function to ProxyHandler.
type ProxyHandlerFunc func(ctx context.Context, req *ProxyRequest) (*ProxyResponse, error)

// ServeProxy calls f(ctx, req).
func (f ProxyHandlerFunc) ServeProxy(ctx context.Context, req *ProxyRequest) (*ProxyResponse, error) {
	return f(ctx, req)
}

// MessageHandler receives pub/sub messages. topic is the concrete topic the
// message was published on, which may differ from a wildcard subscription.
type MessageHandler func(topic string, payload []byte)

// MountOptions tunes a single mount.
type MountOptions struct {
	// NoRemount disables automatic remounting after a reconnect.
	NoRemount bool

	// OnRemount is called with the unchanged public handle after the mount
	// has been re-established under a new server-side id.
	OnRemount func(handle string)

	// OnDisconnect and OnReconnect follow the owning connection.
	OnDisconnect func()
	OnReconnect  func()

	// Option is forwarded verbatim as the "option" field of the mount request.
	Option map[string]any
}
