// Package server exposes the HTTP API: Twitch login, the dashboard's settings
// and status endpoints, admin session controls, health checks and metrics.
// Every request carries a correlation id into its context for logging.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"

	"github.com/onnwee/gigglebyte/bot"
	"github.com/onnwee/gigglebyte/db"
	"github.com/onnwee/gigglebyte/telemetry"
	"github.com/onnwee/gigglebyte/twitchapi"
)

// Store is the part of db.Store the API uses.
type Store interface {
	Ping(ctx context.Context) error
	GetUser(ctx context.Context, twitchID string) (db.User, error)
	UpsertLogin(ctx context.Context, twitchID, login string, t db.Tokens) (db.User, error)
}

// Sessions is the part of bot.Registry the API reads and controls.
type Sessions interface {
	Get(tenantID string) (bot.Status, bool)
	List() []bot.Status
	Stop(tenantID string)
	Len() int
}

// SettingsService applies settings changes and reacts to new credentials.
type SettingsService interface {
	Apply(ctx context.Context, twitchID string, st db.Settings) (db.Settings, error)
	CredentialsChanged(ctx context.Context, twitchID string) error
}

// UserLookup resolves the owner of a user access token.
type UserLookup interface {
	GetUser(ctx context.Context, accessToken string) (twitchapi.User, error)
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Store    Store
	Sessions Sessions
	Settings SettingsService
	// OAuth is nil when the Twitch app is not configured; login routes then
	// answer 503.
	OAuth *oauth2.Config
	Helix UserLookup
}

// Options tune authentication and rate limiting.
type Options struct {
	SessionSecret string
	SessionTTL    time.Duration
	// SecureCookies marks the login cookie Secure; set it when served over https.
	SecureCookies bool

	AdminToken    string
	AdminUsername string
	AdminPassword string

	RateLimitRPM   int
	RateLimitBurst int
}

// NewRouter returns the HTTP handler with all routes.
func NewRouter(d Deps, o Options) http.Handler {
	h := NewHandlers(d, o)
	limit := rateLimitMiddleware(rateLimitConfig{RequestsPerMinute: o.RateLimitRPM, Burst: o.RateLimitBurst})

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(correlate)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", h.HandleHealthz)
	r.Get("/readyz", h.HandleReadyz)

	r.Group(func(r chi.Router) {
		r.Use(limit)

		r.Get("/auth/twitch", h.HandleTwitchLogin)
		r.Get("/auth/twitch/callback", h.HandleTwitchCallback)
		r.Get("/logout", h.HandleLogout)

		r.Route("/api", func(r chi.Router) {
			r.Use(h.requireSession)
			r.Get("/user", h.HandleUser)
			r.Post("/settings", h.HandleSettings)
			r.Get("/bot/status", h.HandleBotStatus)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(adminAuth(loadAuthConfig(o)))
			r.Get("/sessions", h.HandleAdminSessions)
			r.Delete("/sessions/{tenantID}", h.HandleAdminStopSession)
		})
	})
	return r
}

// correlate reuses or assigns X-Correlation-ID, opens a request span and
// records the final status on it.
func correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		r = r.WithContext(ctx)
		next.ServeHTTP(rec, r)

		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				span.SetName(r.Method + " " + pattern)
				span.SetAttributes(attribute.String("http.route", pattern))
			}
		}
		telemetry.SpanStatus(span, rec.statusCode)
	})
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Start serves handler on addr and shuts down gracefully when ctx is done.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
