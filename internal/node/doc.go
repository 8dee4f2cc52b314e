// Package node is the top-level rnode instance. A Node owns the session to
// its core node, promotes it to a replicated cluster when configured, and
// publishes the configured upstream mounts.
package node
