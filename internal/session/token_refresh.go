package session

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/yndnr/rnode-go/internal/core/domain"
)

const (
	// MinRefreshInterval is the default shortest delay between refreshes.
	MinRefreshInterval = 30 * time.Second
	// RefreshLeeway is how long before expiry a token is renewed.
	RefreshLeeway = 60 * time.Second
	// MaxRefreshDelay is the longest timer delay, 2^31-1 milliseconds.
	MaxRefreshDelay = 0x7FFFFFFF * time.Millisecond
)

// NextRefresh returns the delay until exp should be renewed: RefreshLeeway
// before expiry, clamped to [floor, MaxRefreshDelay].
func NextRefresh(exp, now time.Time, floor time.Duration) time.Duration {
	d := exp.Sub(now) - RefreshLeeway
	if d <= floor {
		return floor
	}
	if d > MaxRefreshDelay {
		return MaxRefreshDelay
	}
	return d
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

// RefreshToken asks the core node for a fresh access token and installs it.
func (s *Session) RefreshToken(ctx context.Context) (string, error) {
	resp, err := s.Fetch(ctx, s.cfg.TokenRefreshPath, nil)
	if err != nil {
		s.metrics.RecordTokenRefresh("error")
		return "", domain.ErrTokenRefresh.WithCause(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		s.metrics.RecordTokenRefresh("unauthorized")
		return "", domain.ErrTokenRefresh.WithDetails("invalid session")
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		s.metrics.RecordTokenRefresh("error")
		return "", domain.ErrTokenRefresh.WithDetails(resp.Status)
	}

	var body tokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		s.metrics.RecordTokenRefresh("error")
		return "", domain.ErrTokenRefresh.WithDetails("bad response body").WithCause(err)
	}
	if body.AccessToken == "" {
		s.metrics.RecordTokenRefresh("error")
		return "", domain.ErrTokenRefresh.WithDetails("no access_token in response")
	}

	s.SetToken(body.AccessToken)
	if s.cfg.OnTokenUpdate != nil {
		s.cfg.OnTokenUpdate(body.AccessToken)
	}
	s.metrics.RecordTokenRefresh("ok")
	s.logger.Info("access token refreshed")
	return body.AccessToken, nil
}

// startRefresh arms the refresh loop when a token is configured and no loop
// is running.
func (s *Session) startRefresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopRefresh != nil || s.creds.Token == "" {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stopRefresh = cancel
	s.refreshDone = make(chan struct{})
	go s.refreshLoop(ctx, s.refreshDone)
}

func (s *Session) haltRefresh() {
	s.mu.Lock()
	cancel, done := s.stopRefresh, s.refreshDone
	s.stopRefresh, s.refreshDone = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// refreshLoop renews the token shortly before it expires. An expired token
// is renewed at once. Failures are logged and retried after the minimum
// interval.
func (s *Session) refreshLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	exp, ok, err := domain.TokenExpiry(s.Credentials().Token)
	if err != nil {
		s.logger.Error("cannot schedule token refresh", "error", err)
		return
	}
	if !ok {
		s.logger.Info("access token has no expiry, refresh disabled")
		return
	}

	var delay time.Duration
	if exp.After(time.Now()) {
		delay = NextRefresh(exp, time.Now(), s.cfg.MinRefreshInterval)
	} else {
		s.logger.Info("access token expired, refreshing now")
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		delay = s.cfg.MinRefreshInterval
		token, err := s.RefreshToken(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("token refresh failed", "error", err, "retry_in", delay)
		default:
			exp, ok, err := domain.TokenExpiry(token)
			if err != nil || !ok {
				s.logger.Info("refreshed token has no usable expiry, refresh stopped")
				return
			}
			delay = NextRefresh(exp, time.Now(), s.cfg.MinRefreshInterval)
			s.logger.Debug("next token refresh scheduled", "in", delay)
		}
		timer.Reset(delay)
	}
}
