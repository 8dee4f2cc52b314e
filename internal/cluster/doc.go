// Package cluster coordinates a set of equivalent core node replicas.
//
// A Coordinator starts from one bootstrap connection, discovers the other
// members through a Backend and reports joins and leaves. It hands out
// cluster-wide locks keyed by mount path, retrying transient failures until
// the lock is held or the coordinator stops, and runs calls against every
// member (All, Waterfall) or a single one (One).
//
// State machine:
//
//	stopped --Initialize--> started --Suspend--> suspended --Resume--> started
//	started|suspended --Finalize--> stopped
package cluster
