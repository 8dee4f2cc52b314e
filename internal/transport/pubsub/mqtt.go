package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// qosAtLeastOnce is used for every publish and subscribe.
const qosAtLeastOnce = 1

// MQTTBroker is a Broker backed by paho over websockets.
type MQTTBroker struct {
	cfg    BrokerConfig
	logger *slog.Logger
	client mqtt.Client

	mu     sync.Mutex
	topics map[string]func(topic string, payload []byte, retained bool)
}

// NewMQTTBroker is the default BrokerFactory.
func NewMQTTBroker(cfg BrokerConfig) Broker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &MQTTBroker{
		cfg:    cfg,
		logger: logger.With("component", "mqtt"),
		topics: make(map[string]func(string, []byte, bool)),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(cfg.ClientID).
		SetKeepAlive(cfg.KeepAlive).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.logger.Warn("mqtt connection lost", "error", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if len(cfg.Header) > 0 {
		opts.SetHTTPHeaders(cfg.Header)
	}
	if cfg.TLSConfig != nil {
		opts.SetTLSConfig(cfg.TLSConfig)
	}
	b.client = mqtt.NewClient(opts)
	return b
}

// onConnect restores physical subscriptions after paho reconnects with a
// clean session.
func (b *MQTTBroker) onConnect(c mqtt.Client) {
	b.mu.Lock()
	topics := make(map[string]func(string, []byte, bool), len(b.topics))
	for k, v := range b.topics {
		topics[k] = v
	}
	b.mu.Unlock()

	b.logger.Info("mqtt connected", "url", b.cfg.URL, "topics", len(topics))
	for topic, fn := range topics {
		c.Subscribe(topic, qosAtLeastOnce, wrap(fn))
	}
}

func wrap(fn func(string, []byte, bool)) mqtt.MessageHandler {
	return func(_ mqtt.Client, m mqtt.Message) {
		fn(m.Topic(), m.Payload(), m.Retained())
	}
}

func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect implements Broker.
func (b *MQTTBroker) Connect(ctx context.Context) error {
	if err := wait(ctx, b.client.Connect()); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", b.cfg.URL, err)
	}
	return nil
}

// Disconnect implements Broker.
func (b *MQTTBroker) Disconnect() {
	b.client.Disconnect(uint((250 * time.Millisecond).Milliseconds()))
}

// Publish implements Broker.
func (b *MQTTBroker) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	return wait(ctx, b.client.Publish(topic, qosAtLeastOnce, retain, payload))
}

// Subscribe implements Broker.
func (b *MQTTBroker) Subscribe(ctx context.Context, topic string, fn func(string, []byte, bool)) error {
	if err := wait(ctx, b.client.Subscribe(topic, qosAtLeastOnce, wrap(fn))); err != nil {
		return err
	}
	b.mu.Lock()
	b.topics[topic] = fn
	b.mu.Unlock()
	return nil
}

// Unsubscribe implements Broker.
func (b *MQTTBroker) Unsubscribe(ctx context.Context, topic string) error {
	b.mu.Lock()
	delete(b.topics, topic)
	b.mu.Unlock()
	return wait(ctx, b.client.Unsubscribe(topic))
}
