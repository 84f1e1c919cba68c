// Package oauth keeps channel owners' Twitch user tokens fresh. A jittered
// loop looks for tokens expiring within a window, refreshes them, persists the
// result and notifies the caller so running bot sessions pick up the new token.
package oauth

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/onnwee/gigglebyte/db"
	"github.com/onnwee/gigglebyte/telemetry"
)

// Defaults used when StartRefresher gets non-positive durations.
const (
	DefaultInterval = 5 * time.Minute
	DefaultWindow   = 15 * time.Minute
	refreshTimeout  = 15 * time.Second
)

// TokenStore is the slice of db.Store the refresher needs.
type TokenStore interface {
	ListTokensExpiring(ctx context.Context, before time.Time) ([]db.User, error)
	UpdateTokens(ctx context.Context, twitchID string, t db.Tokens) error
}

// RefreshFunc exchanges a refresh token for a new token set.
type RefreshFunc func(ctx context.Context, refreshToken string) (db.Tokens, error)

// RefreshedFunc is told about every user whose tokens were replaced.
type RefreshedFunc func(ctx context.Context, twitchID string)

// Refresher sweeps the store for expiring tokens.
type Refresher struct {
	Store       TokenStore
	Refresh     RefreshFunc
	OnRefreshed RefreshedFunc
	Window      time.Duration
	now         func() time.Time
}

// Sweep refreshes every token expiring within the window and returns how many
// were replaced. Failures are logged per user and do not stop the sweep.
func (r *Refresher) Sweep(ctx context.Context) int {
	now := time.Now
	if r.now != nil {
		now = r.now
	}
	window := r.Window
	if window <= 0 {
		window = DefaultWindow
	}
	users, err := r.Store.ListTokensExpiring(ctx, now().Add(window))
	if err != nil {
		slog.Warn("token refresh sweep failed", slog.Any("err", err), slog.String("component", "oauth_refresh"))
		return 0
	}
	n := 0
	for _, u := range users {
		if ctx.Err() != nil {
			break
		}
		if r.refreshOne(ctx, u) {
			n++
		}
	}
	return n
}

func (r *Refresher) refreshOne(ctx context.Context, u db.User) bool {
	logger := slog.With(slog.String("component", "oauth_refresh"), slog.String("twitch_id", u.TwitchID))
	if u.RefreshToken == "" {
		return false
	}
	ctx2, cancel := context.WithTimeout(ctx, refreshTimeout)
	tok, err := r.Refresh(ctx2, u.RefreshToken)
	cancel()
	telemetry.TokenRefreshed(err)
	if err != nil {
		logger.Warn("token refresh failed", slog.Any("err", err))
		return false
	}
	if tok.Refresh == "" {
		tok.Refresh = u.RefreshToken
	}
	if tok.Scope == "" {
		tok.Scope = u.Scope
	}
	if err := r.Store.UpdateTokens(ctx, u.TwitchID, tok); err != nil {
		logger.Warn("token persist failed", slog.Any("err", err))
		return false
	}
	logger.Info("token refreshed", slog.Time("expires_at", tok.ExpiresAt))
	if r.OnRefreshed != nil {
		r.OnRefreshed(ctx, u.TwitchID)
	}
	return true
}

// StartRefresher launches a goroutine that sweeps every interval (±20%
// jitter) until ctx is done.
func StartRefresher(ctx context.Context, store TokenStore, interval, window time.Duration, fn RefreshFunc, onRefreshed RefreshedFunc) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	r := &Refresher{Store: store, Refresh: fn, OnRefreshed: onRefreshed, Window: window}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initial := time.Duration(rand.Int63n(int64(interval/2) + 1))
	go func() {
		next := initial
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(next):
			}
			r.Sweep(ctx)
			next = jittered(interval)
		}
	}()
}

func jittered(interval time.Duration) time.Duration {
	spread := int64(interval / 5)
	if spread <= 0 {
		return interval
	}
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	next := interval + time.Duration(rand.Int63n(spread*2)-spread)
	if next < interval/2 {
		next = interval / 2
	}
	return next
}
