// Package twitchapi wraps the parts of the Twitch identity service and Helix
// API needed to sign channel owners in.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/gigglebyte/telemetry"
)

// DefaultHelixURL is the production Helix base URL.
const DefaultHelixURL = "https://api.twitch.tv/helix"

// ErrUnauthorized is returned when Helix rejects the access token.
var ErrUnauthorized = errors.New("helix: access token rejected")

// User is the owner of a user access token.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// HelixClient calls Helix on behalf of a user token.
type HelixClient struct {
	ClientID   string
	BaseURL    string
	HTTPClient *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// GetUser returns the user the access token belongs to.
func (hc *HelixClient) GetUser(ctx context.Context, accessToken string) (User, error) {
	if accessToken == "" {
		return User{}, errors.New("access token empty")
	}
	ctx, span := telemetry.StartSpan(ctx, "twitchapi", "helix.get_user")
	defer span.End()

	base := strings.TrimRight(hc.BaseURL, "/")
	if base == "" {
		base = DefaultHelixURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/users", nil)
	if err != nil {
		return User{}, err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := hc.http().Do(req)
	if err != nil {
		return User{}, telemetry.SpanError(span, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	telemetry.SpanStatus(span, resp.StatusCode)
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return User{}, ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return User{}, fmt.Errorf("helix users failed: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return User{}, fmt.Errorf("decode helix users: %w", err)
	}
	if len(body.Data) == 0 {
		return User{}, errors.New("user not found")
	}
	u := body.Data[0]
	span.SetAttributes(attribute.String("twitch.user_id", u.ID))
	return u, nil
}
