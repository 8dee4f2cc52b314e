package rpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a message-oriented duplex connection. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a Conn to a core node.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WebSocketDialer dials with gorilla/websocket.
type WebSocketDialer struct {
	TLSConfig        *tls.Config
	HandshakeTimeout time.Duration
	// MaxFrameSize limits inbound frames. Zero means unlimited.
	MaxFrameSize int64
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	wd := &websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		HandshakeTimeout:  d.HandshakeTimeout,
		TLSClientConfig:   d.TLSConfig,
		EnableCompression: true,
	}
	if wd.HandshakeTimeout == 0 {
		wd.HandshakeTimeout = 45 * time.Second
	}
	ws, resp, err := wd.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if d.MaxFrameSize > 0 {
		ws.SetReadLimit(d.MaxFrameSize)
	}
	return ws, nil
}
