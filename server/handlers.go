package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
	oauthStateTTL  = 10 * time.Minute
	defaultTTL     = 7 * 24 * time.Hour
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	Deps
	secret        []byte
	ttl           time.Duration
	secureCookies bool

	stateStore map[string]time.Time
	stateMu    sync.Mutex
	now        func() time.Time
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(d Deps, o Options) *Handlers {
	ttl := o.SessionTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Handlers{
		Deps:          d,
		secret:        []byte(o.SessionSecret),
		ttl:           ttl,
		secureCookies: o.SecureCookies,
		stateStore:    make(map[string]time.Time),
		now:           time.Now,
	}
}

// cleanExpiredStates removes expired OAuth states. Callers hold stateMu.
func (h *Handlers) cleanExpiredStates(now time.Time) {
	for state, expiry := range h.stateStore {
		if now.After(expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState remembers state until it expires. It reports false when the
// store is full, which fails that login attempt rather than growing memory.
func (h *Handlers) addOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	now := h.now()
	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates(now)
	}
	if len(h.stateStore) >= maxOAuthStates {
		h.cleanExpiredStates(now)
		if len(h.stateStore) >= maxOAuthStates {
			return false
		}
	}
	h.stateStore[state] = now.Add(oauthStateTTL)
	return true
}

// consumeOAuthState reports whether state is known and unexpired. A state can
// be used once.
func (h *Handlers) consumeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	delete(h.stateStore, state)
	return ok && !h.now().After(exp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
