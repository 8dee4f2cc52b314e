// Package buildinfo exposes the version of the running binary.
//
// Values are injected at build time via ldflags:
//
//	go build -ldflags "-X github.com/yndnr/rnode-go/internal/infra/buildinfo.Version=v1.0.0"
//
// When they are not, the commit and time recorded by the Go toolchain's
// VCS stamping are used.
package buildinfo
