// Package tlsroots builds the client TLS configuration used for wss, https
// and MQTT over TLS connections to a core node.
//
//   - roots.go: system roots plus custom CA bundles
//   - watcher.go: client certificate hot-reload via fsnotify
//   - client.go: assembly of a tls.Config from file paths
package tlsroots
