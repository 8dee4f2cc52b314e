package session

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/yndnr/rnode-go/internal/core/domain"
	"github.com/yndnr/rnode-go/internal/transport"
)

// resolve turns path into an absolute URL on the core node.
func (s *Session) resolve(path string) (string, error) {
	switch {
	case strings.HasPrefix(path, "http://"), strings.HasPrefix(path, "https://"):
		if _, err := url.Parse(path); err != nil {
			return "", domain.ErrInvalidArgument.WithDetailsf("fetch url %q", path).WithCause(err)
		}
		return path, nil
	case strings.HasPrefix(path, "/"):
		return s.cfg.URL + path, nil
	}
	return "", domain.ErrInvalidArgument.WithDetailsf("fetch path %q must be absolute or start with /", path)
}

// Fetch sends an HTTP request to the core node with the session's
// Authorization header. The caller closes the response body.
func (s *Session) Fetch(ctx context.Context, path string, opts *transport.FetchOptions) (*http.Response, error) {
	if err := s.handle.Check(); err != nil {
		return nil, err
	}
	target, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &transport.FetchOptions{}
	}
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, target, opts.Body)
	if err != nil {
		return nil, domain.ErrInvalidArgument.WithDetailsf("fetch %s", target).WithCause(err)
	}
	for k, vs := range opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if auth := s.Credentials().Header(); auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	s.logger.Debug("fetched", "method", method, "url", target, "status", resp.StatusCode)
	return resp, nil
}
