// Package fanout turns a single session into a cluster-aware one.
//
// A promoted Session holds the bootstrap session.Session and a
// cluster.Coordinator. Mounts are fanned out to every member, singleton
// mounts behind the cluster-wide lock for their path. Every standing mount
// and subscription is kept in an operation log that is replayed on members
// that join later and on the replacement bootstrap connection after the
// original one left the cluster. Public mount handles and subscription keys
// stay valid across all of that.
//
// Promotion is memoized per bootstrap connection by a Registry, which the
// owning node instance holds.
package fanout
