package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	sessionCookie = "gigglebyte_session"
	sessionIssuer = "gigglebyte"
)

// sessionClaims identify a signed-in channel owner. Subject is the Twitch id.
type sessionClaims struct {
	Login string `json:"login"`
	jwt.RegisteredClaims
}

type sessionKey struct{}

func withSession(ctx context.Context, c *sessionClaims) context.Context {
	return context.WithValue(ctx, sessionKey{}, c)
}

func sessionFrom(ctx context.Context) (*sessionClaims, bool) {
	c, ok := ctx.Value(sessionKey{}).(*sessionClaims)
	return c, ok
}

func (h *Handlers) signSession(twitchID, login string, now time.Time) (string, error) {
	if len(h.secret) == 0 {
		return "", errors.New("session secret not configured")
	}
	claims := sessionClaims{
		Login: login,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   twitchID,
			Issuer:    sessionIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(h.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.secret)
}

func (h *Handlers) parseSession(token string) (*sessionClaims, error) {
	if len(h.secret) == 0 {
		return nil, errors.New("session secret not configured")
	}
	claims := &sessionClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return h.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(sessionIssuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("session without subject")
	}
	return claims, nil
}

func (h *Handlers) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.ttl / time.Second),
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handlers) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// requireSession rejects requests without a valid login cookie.
func (h *Handlers) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(sessionCookie)
		if err != nil || c.Value == "" {
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		claims, err := h.parseSession(c.Value)
		if err != nil {
			h.clearSessionCookie(w)
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		next.ServeHTTP(w, r.WithContext(withSession(r.Context(), claims)))
	})
}
