// Package pubsub implements topic publish/subscribe against a core node's
// MQTT endpoint.
//
// Many logical subscriptions share one physical broker subscription per topic
// pattern. The last message seen on every concrete topic is buffered so that
// a late subscriber receives the retained message exactly once.
package pubsub
