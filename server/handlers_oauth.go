package server

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/onnwee/gigglebyte/db"
	"github.com/onnwee/gigglebyte/telemetry"
	"github.com/onnwee/gigglebyte/twitchapi"
)

// HandleTwitchLogin starts the Twitch login by redirecting to the consent page.
func (h *Handlers) HandleTwitchLogin(w http.ResponseWriter, r *http.Request) {
	if h.OAuth == nil || len(h.secret) == 0 {
		http.Error(w, "oauth not configured (need TWITCH_CLIENT_ID, TWITCH_CLIENT_SECRET, SESSION_SECRET)", http.StatusServiceUnavailable)
		return
	}
	st := uuid.NewString()
	if !h.addOAuthState(st) {
		http.Error(w, "too many pending logins, try again later", http.StatusServiceUnavailable)
		return
	}
	http.Redirect(w, r, twitchapi.BuildAuthorizeURL(h.OAuth, st), http.StatusFound)
}

// HandleTwitchCallback finishes the login: it exchanges the code, looks up
// who the token belongs to, stores the user, restarts their bot with the new
// token and sets the login cookie.
func (h *Handlers) HandleTwitchCallback(w http.ResponseWriter, r *http.Request) {
	logger := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "oauth_callback"))
	if h.OAuth == nil || len(h.secret) == 0 {
		http.Error(w, "oauth not configured", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		// The user declined on the consent page.
		logger.Info("twitch login declined", slog.String("error", e))
		if q.Get("state") != "" {
			h.consumeOAuthState(q.Get("state"))
		}
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	code, st := q.Get("code"), q.Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	if !h.consumeOAuthState(st) {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	tok, err := twitchapi.Exchange(ctx, h.OAuth, code)
	if err != nil {
		logger.Warn("twitch code exchange failed", slog.Any("err", err))
		http.Error(w, "token exchange failed", http.StatusBadGateway)
		return
	}
	who, err := h.Helix.GetUser(ctx, tok.Access)
	if err != nil {
		logger.Warn("twitch user lookup failed", slog.Any("err", err))
		http.Error(w, "user lookup failed", http.StatusBadGateway)
		return
	}
	u, err := h.Store.UpsertLogin(ctx, who.ID, who.Login, db.Tokens(tok))
	if err != nil {
		logger.Error("failed to store login", slog.String("twitch_id", who.ID), slog.Any("err", err))
		http.Error(w, "failed to store login", http.StatusInternalServerError)
		return
	}
	if err := h.Settings.CredentialsChanged(ctx, u.TwitchID); err != nil {
		logger.Warn("could not restart bot after login", slog.String("twitch_id", u.TwitchID), slog.Any("err", err))
	}

	signed, err := h.signSession(u.TwitchID, u.Login, h.now())
	if err != nil {
		logger.Error("failed to sign session", slog.Any("err", err))
		http.Error(w, "session error", http.StatusInternalServerError)
		return
	}
	h.setSessionCookie(w, signed)
	logger.Info("user logged in", slog.String("twitch_id", u.TwitchID), slog.String("login", u.Login))
	http.Redirect(w, r, "/dashboard", http.StatusFound)
}

// HandleLogout clears the login cookie. The bot keeps running.
func (h *Handlers) HandleLogout(w http.ResponseWriter, r *http.Request) {
	h.clearSessionCookie(w)
	http.Redirect(w, r, "/", http.StatusFound)
}
