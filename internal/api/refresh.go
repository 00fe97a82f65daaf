package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andyleap/authsession/internal/storage"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrRefreshRejected means the server refused the refresh token. The
	// credential store has been cleared.
	ErrRefreshRejected = errors.New("refresh token rejected")
	// ErrNoRefreshToken means a 401 arrived with nothing to exchange.
	ErrNoRefreshToken = errors.New("no refresh token stored")

	errRefreshSettled = errors.New("refresh already settled for this request")
)

type retriedKey struct{}

// markRetried flags a request context so the transport never replays it a
// second time.
func markRetried(ctx context.Context) context.Context {
	return context.WithValue(ctx, retriedKey{}, true)
}

func alreadyRetried(ctx context.Context) bool {
	v, _ := ctx.Value(retriedKey{}).(bool)
	return v
}

// RefreshTransport attaches the stored access token to every request and
// recovers from a 401 by exchanging the refresh token.
//
// All 401s that arrive while an exchange is in flight join that exchange
// through a single-flight group; no request starts a second one. A request is
// replayed at most once.
type RefreshTransport struct {
	Base       http.RoundTripper
	Store      storage.CredentialStore
	RefreshURL string
	Timeout    time.Duration
	Logger     *slog.Logger

	flight singleflight.Group
	// settled counts finished exchanges. A 401 for a request sent before the
	// latest exchange settled takes that outcome instead of starting another.
	settled atomic.Uint64

	mu      sync.RWMutex
	expired []func()
}

// OnSessionExpired registers fn to run after a rejected refresh clears the
// store.
func (t *RefreshTransport) OnSessionExpired(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expired = append(t.expired, fn)
}

func (t *RefreshTransport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *RefreshTransport) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

func (t *RefreshTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	access, err := t.Store.GetAccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read access token: %w", err)
	}
	sent := t.settled.Load()

	resp, err := t.base().RoundTrip(withBearer(req, ctx, access))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || alreadyRetried(ctx) || !rewindable(req) {
		return resp, nil
	}

	fresh, ok := t.recover(ctx, access, sent)
	if !ok {
		// The caller sees the original authorization failure, never the
		// refresh error.
		return resp, nil
	}

	body, err := rewind(req)
	if err != nil {
		return resp, nil
	}
	drain(resp)

	retryCtx := markRetried(ctx)
	retry := withBearer(req, retryCtx, fresh)
	retry.Body = body
	return t.base().RoundTrip(retry)
}

// recover returns the access token to replay with. used is the token the
// failed request carried and sent is the settled exchange count when it went
// out.
func (t *RefreshTransport) recover(ctx context.Context, used string, sent uint64) (string, bool) {
	current, err := t.Store.GetAccessToken(ctx)
	if err != nil {
		return "", false
	}
	if current != "" && current != used {
		// A refresh settled between sending and receiving this 401.
		return current, true
	}
	if current == "" {
		refresh, err := t.Store.GetRefreshToken(ctx)
		if err != nil || refresh == "" {
			// Logged out, possibly by a refresh that already failed.
			return "", false
		}
	}

	ch := t.flight.DoChan("refresh", func() (any, error) {
		// Detached from the first caller so its cancellation does not fail
		// every joined request.
		rctx := context.WithoutCancel(ctx)
		if t.Timeout > 0 {
			var cancel context.CancelFunc
			rctx, cancel = context.WithTimeout(rctx, t.Timeout)
			defer cancel()
		}

		// Flights never overlap, so these checks cannot race another
		// exchange.
		current, err := t.Store.GetAccessToken(rctx)
		if err != nil {
			return "", fmt.Errorf("failed to read access token: %w", err)
		}
		if current != "" && current != used {
			return current, nil
		}
		if t.settled.Load() != sent {
			// An exchange settled while this request was out and did not
			// produce a usable token.
			return "", errRefreshSettled
		}

		fresh, err := t.exchange(rctx)
		t.settled.Add(1)
		return fresh, err
	})

	select {
	case <-ctx.Done():
		return "", false
	case res := <-ch:
		if res.Err != nil {
			return "", false
		}
		return res.Val.(string), true
	}
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

type refreshResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}

func (t *RefreshTransport) exchange(ctx context.Context) (string, error) {
	log := t.logger()

	refresh, err := t.Store.GetRefreshToken(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read refresh token: %w", err)
	}
	if refresh == "" {
		t.expire(ctx, ErrNoRefreshToken)
		return "", ErrNoRefreshToken
	}

	payload, err := json.Marshal(refreshRequest{Refresh: refresh})
	if err != nil {
		return "", fmt.Errorf("failed to marshal refresh request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.RefreshURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	log.Debug("Refreshing access token")
	resp, err := t.base().RoundTrip(req)
	if err != nil {
		// Transient: keep the stored pair for the next attempt.
		log.Warn("Token refresh failed", "error", err)
		return "", fmt.Errorf("failed to refresh token: %w", err)
	}
	defer drain(resp)

	switch {
	case tokenRejected(resp.StatusCode):
		apiErr := newAPIError(resp)
		t.expire(ctx, apiErr)
		return "", fmt.Errorf("%w: %v", ErrRefreshRejected, apiErr)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		// Redirects, 404s, 429 and 5xx say nothing about the token itself.
		apiErr := newAPIError(resp)
		log.Warn("Token refresh unavailable", "status", resp.StatusCode)
		return "", apiErr
	}

	var out refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.Access == "" {
		t.expire(ctx, errors.New("malformed refresh response"))
		return "", fmt.Errorf("%w: malformed response", ErrRefreshRejected)
	}

	// Written only if the session is still the one that was exchanged; a
	// logout or new login while the request was out wins.
	switch err := t.Store.RefreshTokens(ctx, refresh, out.Access, out.Refresh); {
	case errors.Is(err, storage.ErrTokensReplaced):
		log.Info("Credentials changed during token refresh, discarding result")
		return "", err
	case err != nil:
		return "", fmt.Errorf("failed to store refreshed tokens: %w", err)
	}

	log.Debug("Access token refreshed", "rotated", out.Refresh != "")
	return out.Access, nil
}

// tokenRejected reports the statuses the refresh endpoint uses for an invalid
// or revoked refresh token.
func tokenRejected(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}

// expire clears the store and tells listeners the session is gone.
func (t *RefreshTransport) expire(ctx context.Context, cause error) {
	log := t.logger()
	if err := t.Store.Clear(ctx); err != nil {
		log.Error("Failed to clear credential store", "error", err)
	}
	log.Info("Session expired, credentials cleared", "cause", cause)

	t.mu.RLock()
	hooks := append([]func(){}, t.expired...)
	t.mu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
}

func withBearer(req *http.Request, ctx context.Context, token string) *http.Request {
	out := req.Clone(ctx)
	out.Header.Del("Authorization")
	if token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	}
	return out
}

func rewindable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

func rewind(req *http.Request) (io.ReadCloser, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return req.Body, nil
	}
	return req.GetBody()
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
}
