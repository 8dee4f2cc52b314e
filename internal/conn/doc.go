// Package conn provides the lifecycle shared by every connection to a core
// node: serialized open and close, a single shared open attempt for concurrent
// callers, a suspend gate and ordered connect/disconnect listener registries.
package conn
