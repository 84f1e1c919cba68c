package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"
)

// Token is a user token set. Its layout matches db.Tokens so callers can
// convert directly.
type Token struct {
	Access    string
	Refresh   string
	ExpiresAt time.Time
	Scope     string
}

// ErrNoRefreshToken is returned by Refresh when there is nothing to refresh with.
var ErrNoRefreshToken = errors.New("refresh token empty")

// OAuthConfig builds the authorization-code config for the Twitch identity
// service. scopes may be comma or space separated.
func OAuthConfig(clientID, clientSecret, redirectURL, scopes string) (*oauth2.Config, error) {
	if clientID == "" || redirectURL == "" {
		return nil, errors.New("missing clientID or redirectURI")
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     twitch.Endpoint,
		Scopes:       splitScopes(scopes),
	}, nil
}

func splitScopes(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
}

// BuildAuthorizeURL returns the consent page URL carrying state. Twitch is
// asked to show the consent screen again so a different account can be picked.
func BuildAuthorizeURL(cfg *oauth2.Config, state string) string {
	return cfg.AuthCodeURL(state, oauth2.SetAuthURLParam("force_verify", "true"))
}

// Exchange trades an authorization code for a token set.
func Exchange(ctx context.Context, cfg *oauth2.Config, code string) (Token, error) {
	if code == "" {
		return Token{}, errors.New("missing authorization code")
	}
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return Token{}, fmt.Errorf("exchange auth code: %w", err)
	}
	return fromOAuth2(tok), nil
}

// Refresh obtains a new token set using refreshToken. Twitch rotates refresh
// tokens; when the response omits one the old one is kept.
func Refresh(ctx context.Context, cfg *oauth2.Config, refreshToken string) (Token, error) {
	if refreshToken == "" {
		return Token{}, ErrNoRefreshToken
	}
	// An empty access token forces the source to hit the token endpoint.
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return Token{}, fmt.Errorf("refresh token: %w", err)
	}
	return fromOAuth2(tok), nil
}

func fromOAuth2(tok *oauth2.Token) Token {
	return Token{
		Access:    tok.AccessToken,
		Refresh:   tok.RefreshToken,
		ExpiresAt: tok.Expiry,
		Scope:     scopeOf(tok),
	}
}

// scopeOf flattens the scope field, which Twitch sends as a JSON array.
func scopeOf(tok *oauth2.Token) string {
	switch v := tok.Extra("scope").(type) {
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				parts = append(parts, str)
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}
