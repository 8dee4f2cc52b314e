// Package fakebroker is an in-memory pub/sub broker with retained messages,
// standing in for a core node's MQTT endpoint in tests.
package fakebroker

import (
	"context"
	"errors"
	"sync"

	"github.com/yndnr/rnode-go/internal/transport/pubsub"
)

// Hub is the shared broker. Every Client created by Factory talks to it.
type Hub struct {
	mu          sync.Mutex
	retained    map[string][]byte
	clients     map[*Client]bool
	subscribes  map[string]int
	configs     []pubsub.BrokerConfig
	failConnect bool
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		retained:   make(map[string][]byte),
		clients:    make(map[*Client]bool),
		subscribes: make(map[string]int),
	}
}

// Factory returns a pubsub.BrokerFactory bound to h.
func (h *Hub) Factory() pubsub.BrokerFactory {
	return func(cfg pubsub.BrokerConfig) pubsub.Broker {
		h.mu.Lock()
		h.configs = append(h.configs, cfg)
		h.mu.Unlock()
		return &Client{hub: h, subs: make(map[string]func(string, []byte, bool))}
	}
}

// FailConnect makes subsequent Connect calls fail.
func (h *Hub) FailConnect(fail bool) {
	h.mu.Lock()
	h.failConnect = fail
	h.mu.Unlock()
}

// SubscribeCalls returns how many physical subscriptions were made to topic.
func (h *Hub) SubscribeCalls(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subscribes[topic]
}

// Configs returns every BrokerConfig handed to the factory.
func (h *Hub) Configs() []pubsub.BrokerConfig {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]pubsub.BrokerConfig(nil), h.configs...)
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

type target struct {
	fn    func(string, []byte, bool)
	topic string
}

func (h *Hub) publish(topic string, payload []byte, retain bool) {
	h.mu.Lock()
	if retain {
		h.retained[topic] = append([]byte(nil), payload...)
	}
	var targets []target
	for c := range h.clients {
		targets = append(targets, c.matching(topic)...)
	}
	h.mu.Unlock()

	for _, tg := range targets {
		tg.fn(topic, payload, false)
	}
}

// Client is one connection to the Hub.
type Client struct {
	hub *Hub

	mu   sync.Mutex
	subs map[string]func(string, []byte, bool)
}

func (c *Client) matching(topic string) []target {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []target
	for p, fn := range c.subs {
		if pubsub.Match(p, topic) {
			out = append(out, target{fn: fn, topic: topic})
		}
	}
	return out
}

// Connect implements pubsub.Broker.
func (c *Client) Connect(ctx context.Context) error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if c.hub.failConnect {
		return errors.New("fakebroker: connection refused")
	}
	c.hub.clients[c] = true
	return nil
}

// Disconnect implements pubsub.Broker.
func (c *Client) Disconnect() {
	c.hub.mu.Lock()
	delete(c.hub.clients, c)
	c.hub.mu.Unlock()
}

// Publish implements pubsub.Broker.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	c.hub.publish(topic, payload, retain)
	return nil
}

// Subscribe implements pubsub.Broker. Matching retained messages are
// delivered with the retained flag before it returns.
func (c *Client) Subscribe(ctx context.Context, topic string, fn func(string, []byte, bool)) error {
	c.mu.Lock()
	c.subs[topic] = fn
	c.mu.Unlock()

	c.hub.mu.Lock()
	c.hub.subscribes[topic]++
	type msg struct {
		topic   string
		payload []byte
	}
	var replay []msg
	for t, p := range c.hub.retained {
		if pubsub.Match(topic, t) {
			replay = append(replay, msg{t, p})
		}
	}
	c.hub.mu.Unlock()

	for _, m := range replay {
		fn(m.topic, m.payload, true)
	}
	return nil
}

// Unsubscribe implements pubsub.Broker.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	delete(c.subs, topic)
	c.mu.Unlock()
	return nil
}
