// Package domain defines the value types shared by every layer of rnode.
//
// It carries no IO and no framework coupling:
//
//   - Errors: the RN-* error taxonomy
//   - Mount: mount modes, mount options and the proxy handler contract
//   - Message: the JSON frame exchanged with a core node
//   - Token: unverified decoding of access token expiry
package domain
