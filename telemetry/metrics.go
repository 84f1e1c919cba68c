// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Gauges
	ActiveSessions prometheus.Gauge

	// Counters
	SessionStarts     prometheus.Counter
	ReconnectAttempts prometheus.Counter
	MessagesSent      *prometheus.CounterVec // kind=welcome|scheduled|joke|custom
	SendFailures      *prometheus.CounterVec // kind as above
	CommandsHandled   *prometheus.CounterVec // kind=joke|custom
	JokeFetches       *prometheus.CounterVec // result=ok|fallback
	TokenRefreshes    *prometheus.CounterVec // result=ok|error

	// Histograms (seconds)
	JokeFetchDuration prometheus.Observer
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{Name: "gigglebyte_sessions_active", Help: "Bot sessions that have not been stopped"})
		SessionStarts = promauto.NewCounter(prometheus.CounterOpts{Name: "gigglebyte_session_starts_total", Help: "Bot sessions started"})
		ReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{Name: "gigglebyte_reconnect_attempts_total", Help: "Chat reconnect attempts"})
		MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{Name: "gigglebyte_messages_sent_total", Help: "Chat messages sent by kind"}, []string{"kind"})
		SendFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "gigglebyte_send_failures_total", Help: "Chat messages that failed to send by kind"}, []string{"kind"})
		CommandsHandled = promauto.NewCounterVec(prometheus.CounterOpts{Name: "gigglebyte_commands_total", Help: "Chat commands handled by kind"}, []string{"kind"})
		JokeFetches = promauto.NewCounterVec(prometheus.CounterOpts{Name: "gigglebyte_joke_fetches_total", Help: "Joke fetches by result"}, []string{"result"})
		TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "gigglebyte_token_refreshes_total", Help: "OAuth token refreshes by result"}, []string{"result"})
		JokeFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "gigglebyte_joke_fetch_duration_seconds", Help: "Joke provider request duration seconds", Buckets: prometheus.DefBuckets})
	})
}

// SessionStarted records a session entering the running set.
func SessionStarted() {
	if SessionStarts != nil {
		SessionStarts.Inc()
	}
	if ActiveSessions != nil {
		ActiveSessions.Inc()
	}
}

// SessionStopped records a session leaving the running set.
func SessionStopped() {
	if ActiveSessions != nil {
		ActiveSessions.Dec()
	}
}

// Reconnecting records one reconnect attempt.
func Reconnecting() {
	if ReconnectAttempts != nil {
		ReconnectAttempts.Inc()
	}
}

// Sent records an outbound chat message outcome.
func Sent(kind string, err error) {
	if err != nil {
		if SendFailures != nil {
			SendFailures.WithLabelValues(kind).Inc()
		}
		return
	}
	if MessagesSent != nil {
		MessagesSent.WithLabelValues(kind).Inc()
	}
}

// CommandHandled records a dispatched chat command.
func CommandHandled(kind string) {
	if CommandsHandled != nil {
		CommandsHandled.WithLabelValues(kind).Inc()
	}
}

// JokeFetched records a joke fetch result and its duration.
func JokeFetched(fallback bool, d time.Duration) {
	result := "ok"
	if fallback {
		result = "fallback"
	}
	if JokeFetches != nil {
		JokeFetches.WithLabelValues(result).Inc()
	}
	if JokeFetchDuration != nil {
		JokeFetchDuration.Observe(d.Seconds())
	}
}

// TokenRefreshed records an OAuth refresh outcome.
func TokenRefreshed(err error) {
	if TokenRefreshes == nil {
		return
	}
	if err != nil {
		TokenRefreshes.WithLabelValues("error").Inc()
		return
	}
	TokenRefreshes.WithLabelValues("ok").Inc()
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
