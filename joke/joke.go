// Package joke fetches jokes from JokeAPI (https://v2.jokeapi.dev).
//
// Fetch never fails from the caller's point of view: any provider problem is
// logged and replaced by Fallback, so chat code can always send something.
package joke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/gigglebyte/telemetry"
)

// Fallback is returned whenever the provider cannot produce a joke.
const Fallback = "Why did the chicken cross the road? To get to the other side!"

// DefaultBaseURL is the public JokeAPI v2 endpoint.
const DefaultBaseURL = "https://v2.jokeapi.dev"

// TwoPartSeparator joins the setup and delivery of a two-part joke.
const TwoPartSeparator = " ... "

// DefaultBlacklist is the set of flagged content the provider is asked to exclude.
var DefaultBlacklist = []string{"nsfw", "racist", "sexist"}

// Source produces a joke for one of the given categories.
type Source interface {
	Fetch(ctx context.Context, categories []string) string
}

// Client is a Source backed by the JokeAPI HTTP API.
type Client struct {
	BaseURL        string
	BlacklistFlags []string
	HTTPClient     *http.Client

	// pick returns an index in [0, n); defaults to math/rand/v2.
	pick func(n int) int
}

// NewClient returns a Client with the given base URL and request timeout.
// Empty values fall back to the public endpoint and 5 seconds.
func NewClient(baseURL string, timeout time.Duration, blacklist []string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if len(blacklist) == 0 {
		blacklist = DefaultBlacklist
	}
	return &Client{
		BaseURL:        strings.TrimRight(baseURL, "/"),
		BlacklistFlags: blacklist,
		HTTPClient:     &http.Client{Timeout: timeout},
	}
}

// response covers both joke shapes and the error envelope.
type response struct {
	Error    bool   `json:"error"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Type     string `json:"type"`
	Joke     string `json:"joke"`
	Setup    string `json:"setup"`
	Delivery string `json:"delivery"`
}

// Fetch returns a joke for a uniformly chosen category, or Fallback.
func (c *Client) Fetch(ctx context.Context, categories []string) string {
	start := time.Now()
	if len(categories) == 0 {
		slog.Warn("joke fetch without categories; using fallback", slog.String("component", "joke"))
		telemetry.JokeFetched(true, time.Since(start))
		return Fallback
	}
	category := categories[c.index(len(categories))]

	ctx, span := telemetry.StartSpan(ctx, "joke", "joke.fetch", attribute.String("joke.category", category))
	defer span.End()

	text, err := c.fetch(ctx, category)
	telemetry.JokeFetched(err != nil, time.Since(start))
	if err != nil {
		_ = telemetry.SpanError(span, err)
		slog.Warn("joke fetch failed; using fallback", slog.String("category", category), slog.Any("err", err), slog.String("component", "joke"))
		return Fallback
	}
	return text
}

func (c *Client) index(n int) int {
	if c.pick != nil {
		return c.pick(n)
	}
	return rand.IntN(n) //nolint:gosec // G404: category choice is not security sensitive
}

func (c *Client) fetch(ctx context.Context, category string) (string, error) {
	base := c.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	u := base + "/joke/" + url.PathEscape(category)
	if len(c.BlacklistFlags) > 0 {
		u += "?blacklistFlags=" + url.QueryEscape(strings.Join(c.BlacklistFlags, ","))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("jokeapi request failed: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	var body response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode jokeapi response: %w", err)
	}
	return body.text()
}

func (r response) text() (string, error) {
	if r.Error {
		if r.Message == "" {
			r.Message = "unspecified provider error"
		}
		return "", errors.New("jokeapi: " + r.Message)
	}
	var out string
	switch r.Type {
	case "single":
		out = strings.TrimSpace(r.Joke)
	case "twopart":
		setup, delivery := strings.TrimSpace(r.Setup), strings.TrimSpace(r.Delivery)
		if setup == "" || delivery == "" {
			return "", errors.New("jokeapi: incomplete two-part joke")
		}
		out = setup + TwoPartSeparator + delivery
	default:
		return "", fmt.Errorf("jokeapi: unknown joke type %q", r.Type)
	}
	if out == "" {
		return "", errors.New("jokeapi: empty joke")
	}
	// Chat messages are single-line.
	return strings.Join(strings.Fields(out), " "), nil
}
