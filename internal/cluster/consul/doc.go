// Package consul binds cluster.Coordinator to a Consul-style HTTP key/value
// service reached through the core node.
//
// Members are read from the catalog with blocking queries. Locks are kv
// entries acquired by a renewable session created on first use.
package consul
