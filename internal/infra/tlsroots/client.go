package tlsroots

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
)

// ClientOptions locate the TLS material for connections to a core node.
type ClientOptions struct {
	// CAFile is a PEM bundle trusted in addition to the system roots.
	CAFile string
	// CADir holds further .pem, .crt or .cer files to trust.
	CADir string
	// ExcludeSystemRoots trusts only CAFile and CADir.
	ExcludeSystemRoots bool
	// CertFile and KeyFile hold a client certificate for mutual TLS. The
	// pair is reloaded when the files change.
	CertFile string
	KeyFile  string

	Logger *slog.Logger
}

// NewClientConfig builds a client TLS config from opts. It returns a nil
// config when opts is empty, leaving the Go defaults in place. A non-nil
// Watcher must be stopped by the caller.
func NewClientConfig(opts ClientOptions) (*tls.Config, *Watcher, error) {
	if opts.CAFile == "" && opts.CADir == "" && opts.CertFile == "" && opts.KeyFile == "" {
		return nil, nil, nil
	}
	if (opts.CertFile == "") != (opts.KeyFile == "") {
		return nil, nil, errors.New("tlsroots: client certificate and key must be set together")
	}
	if opts.ExcludeSystemRoots && opts.CAFile == "" && opts.CADir == "" {
		return nil, nil, errors.New("tlsroots: excluding system roots requires a CA file or directory")
	}

	pool := NewPool()
	if opts.ExcludeSystemRoots {
		pool = NewEmptyPool()
	}
	if opts.CAFile != "" {
		if err := pool.AddCertFile(opts.CAFile); err != nil {
			return nil, nil, err
		}
	}
	if opts.CADir != "" {
		n, err := pool.AddCertDir(opts.CADir)
		if err != nil {
			return nil, nil, err
		}
		if n == 0 {
			return nil, nil, fmt.Errorf("%w in %s", ErrNoCertsFound, opts.CADir)
		}
	}
	cfg := pool.ClientConfig()
	if opts.CertFile == "" {
		return cfg, nil, nil
	}

	wopts := []WatcherOption{}
	if opts.Logger != nil {
		wopts = append(wopts, WithLogger(opts.Logger))
	}
	w, err := NewWatcher(opts.CertFile, opts.KeyFile, wopts...)
	if err != nil {
		return nil, nil, err
	}
	cfg.GetClientCertificate = w.GetClientCertificate
	w.StartAsync()
	return cfg, w, nil
}
