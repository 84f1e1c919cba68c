// Command gigglebyte runs the joke bot service.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Restores a chat session for every channel owner with the bot enabled.
//   - Keeps stored Twitch tokens fresh in the background.
//   - Serves the Twitch login flow, the settings API, admin endpoints,
//     /healthz, /readyz and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"

	"github.com/onnwee/gigglebyte/bot"
	"github.com/onnwee/gigglebyte/chat"
	"github.com/onnwee/gigglebyte/config"
	"github.com/onnwee/gigglebyte/crypto"
	"github.com/onnwee/gigglebyte/db"
	"github.com/onnwee/gigglebyte/joke"
	"github.com/onnwee/gigglebyte/oauth"
	"github.com/onnwee/gigglebyte/server"
	"github.com/onnwee/gigglebyte/settings"
	"github.com/onnwee/gigglebyte/telemetry"
	"github.com/onnwee/gigglebyte/twitchapi"
)

var version = "dev"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	telemetry.Init()

	tracingOpts := telemetry.TracingOptions{
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		SampleRatio: cfg.TraceSampleRatio,
	}
	shutdownTracing, err := telemetry.InitTracing(context.Background(), tracingOpts, "gigglebyte", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			slog.Error("failed to flush traces", slog.Any("err", err))
		}
	}()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	var sealer crypto.Sealer
	if cfg.EncryptionKey != "" {
		s, err := crypto.NewAESSealer(cfg.EncryptionKey)
		if err != nil {
			slog.Error("invalid ENCRYPTION_KEY", slog.Any("err", err))
			os.Exit(1)
		}
		sealer = s
	}
	store := db.NewStore(database, sealer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := bot.NewRegistry(ctx, bot.Options{
		Dialer: chat.NewDialer(chat.Options{
			Username:   cfg.BotUsername,
			IRCAddress: cfg.IRCAddress,
			TLS:        cfg.IRCTLS,
			RateLimit:  cfg.ChatRateLimit,
		}),
		Jokes: joke.NewClient(cfg.JokeAPIURL, cfg.JokeTimeout, cfg.JokeBlacklist),
		Reconnect: bot.ReconnectPolicy{
			Delay:       cfg.ReconnectDelay,
			Exponential: cfg.ExponentialReconnect(),
			MaxDelay:    cfg.ReconnectMaxDelay,
		},
	})
	defer registry.Shutdown()

	svc := settings.New(store, registry, cfg.Welcome)
	restoreCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	n, err := svc.Restore(restoreCtx)
	cancel()
	if err != nil {
		slog.Error("restoring bot sessions failed", slog.Any("err", err), slog.String("component", "bot"))
	} else {
		slog.Info("restored bot sessions", slog.Int("count", n), slog.String("component", "bot"))
	}

	// The login flow and token refresh both need a fully configured Twitch app.
	var oauthCfg *oauth2.Config
	if err := cfg.ValidateOAuthReady(); err != nil {
		slog.Warn("twitch login disabled", slog.Any("err", err), slog.String("component", "oauth"))
	} else {
		oauthCfg, err = twitchapi.OAuthConfig(cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.TwitchRedirectURI, strings.Join(cfg.TwitchScopes, ","))
		if err != nil {
			slog.Error("invalid twitch oauth configuration", slog.Any("err", err))
			os.Exit(1)
		}
		oauth.StartRefresher(ctx, store, cfg.TokenRefreshInterval, cfg.TokenRefreshWindow,
			func(rctx context.Context, refreshToken string) (db.Tokens, error) {
				tok, err := twitchapi.Refresh(rctx, oauthCfg, refreshToken)
				return db.Tokens(tok), err
			},
			func(rctx context.Context, twitchID string) {
				if err := svc.CredentialsChanged(rctx, twitchID); err != nil {
					slog.Warn("restart after token refresh failed", slog.String("twitch_id", twitchID), slog.Any("err", err), slog.String("component", "oauth_refresh"))
				}
			})
	}

	if os.Getenv("ENABLE_PPROF") == "1" {
		startPprof(os.Getenv("PPROF_ADDR"))
	}

	router := server.NewRouter(server.Deps{
		Store:    store,
		Sessions: registry,
		Settings: svc,
		OAuth:    oauthCfg,
		Helix:    &twitchapi.HelixClient{ClientID: cfg.TwitchClientID},
	}, server.Options{
		SessionSecret:  cfg.SessionSecret,
		SessionTTL:     cfg.SessionTTL,
		SecureCookies:  strings.HasPrefix(cfg.TwitchRedirectURI, "https://"),
		AdminToken:     cfg.AdminToken,
		AdminUsername:  cfg.AdminUsername,
		AdminPassword:  cfg.AdminPassword,
		RateLimitRPM:   cfg.RateLimitRPM,
		RateLimitBurst: cfg.RateLimitBurst,
	})
	go func() {
		if err := server.Start(ctx, cfg.HTTPAddr, router); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down", slog.Int("sessions", registry.Len()))
}

func setupLogging(level, format string) {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", level))
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

func startPprof(addr string) {
	if addr == "" {
		addr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", addr))
		srv := &http.Server{
			Addr:              addr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
