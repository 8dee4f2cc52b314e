// Package rpc implements the request/response and push channel to a core
// node over a websocket.
//
// Every frame carries a domain.Message. Requests flagged as asks are
// correlated with their response by message id. The transport reconnects on
// its own after a drop, repeats the cluster registration handshake with a
// stable node id and remounts every standing proxy mount under a new
// server-side id while keeping the public handle unchanged.
package rpc
