// Package session composes the RPC and pub/sub transports to one core node
// into a single transport.Transport.
//
// A Session shares one address and one set of credentials between its
// transports, sends plain HTTP requests to the core node with the same
// credentials and keeps the access token fresh in the background.
package session
