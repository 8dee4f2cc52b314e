// Package main provides the entry point for rnode-agent.
//
// rnode-agent connects local HTTP services to a core node. It registers
// the mounts listed in its configuration, proxies the requests the core
// node routes to them, and keeps them registered across reconnects and,
// when clustering is enabled, on every cluster member.
//
// Usage:
//
//	rnode-agent [global flags] <command> [flags] [args]
//	rnode-agent --config /etc/rnode/agent.yaml run
//
// Configuration is read from the file given with --config and from
// RNODE_* environment variables, which take precedence.
package main
