// Package transport defines the operations a node performs against a core
// node, whether over a single physical session or fanned out across a
// cluster.
package transport
