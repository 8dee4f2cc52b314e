package transport

import (
	"context"
	"io"
	"net/http"

	"github.com/yndnr/rnode-go/internal/core/domain"
)

// FetchOptions describes an HTTP request sent to a core node.
type FetchOptions struct {
	Method string
	Header http.Header
	Body   io.Reader
}

// Transport is implemented by session.Session and by fanout.Session.
type Transport interface {
	// Open establishes the connection, sharing one attempt among concurrent
	// callers.
	Open(ctx context.Context) error
	// Close tears the connection down. It is idempotent.
	Close(ctx context.Context) error

	// Fetch sends an HTTP request to the core node. path is either an
	// absolute http(s) URL or a "/"-rooted path on the core node.
	Fetch(ctx context.Context, path string, opts *FetchOptions) (*http.Response, error)

	// Mount registers handler at path and returns a handle for Unmount.
	Mount(ctx context.Context, path string, mode domain.MountMode, handler domain.ProxyHandler, opts *domain.MountOptions) (string, error)
	Unmount(ctx context.Context, handle string) error

	// Subscribe registers handler for topic, which may contain "+" and "#"
	// wildcards, and returns a key for Unsubscribe.
	Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (string, error)
	Unsubscribe(ctx context.Context, key string) error
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Suspender is implemented by transports that can be paused without losing
// their standing mounts, subscriptions and locks.
type Suspender interface {
	Suspend()
	Resume()
}
