package pubsub

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"
)

// Broker is the physical pub/sub client.
type Broker interface {
	Connect(ctx context.Context) error
	Disconnect()
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
	// Subscribe delivers every message matching topic to fn. retained is set
	// for messages the broker replays from its retained store.
	Subscribe(ctx context.Context, topic string, fn func(topic string, payload []byte, retained bool)) error
	Unsubscribe(ctx context.Context, topic string) error
}

// BrokerConfig is handed to a BrokerFactory on every Open.
type BrokerConfig struct {
	URL       string
	ClientID  string
	Username  string
	Header    http.Header
	KeepAlive time.Duration
	TLSConfig *tls.Config
	Logger    *slog.Logger
}

// BrokerFactory creates a Broker. The default builds an MQTT client.
type BrokerFactory func(cfg BrokerConfig) Broker
