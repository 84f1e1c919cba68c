// Package settings turns a channel owner's saved preferences into a running
// (or stopped) bot session. It is the only writer of bot settings and the only
// caller that starts sessions on behalf of users.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/onnwee/gigglebyte/bot"
	"github.com/onnwee/gigglebyte/command"
	"github.com/onnwee/gigglebyte/db"
)

// Store is the part of db.Store the service reads and writes.
type Store interface {
	GetUser(ctx context.Context, twitchID string) (db.User, error)
	UpdateSettings(ctx context.Context, twitchID string, st db.Settings) error
	ListEnabledUsers(ctx context.Context) ([]db.User, error)
}

// Registry is the part of bot.Registry the service drives.
type Registry interface {
	StartOrRestart(t bot.Tenant, cfg bot.Config) error
	Stop(tenantID string)
}

// Service applies settings changes. Changes for one user are serialized so
// the saved settings and the running session always end up agreeing.
type Service struct {
	store    Store
	registry Registry
	welcome  string

	mu    sync.Mutex
	users map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// New returns a Service. welcome is the message sessions send once they connect.
func New(store Store, registry Registry, welcome string) *Service {
	return &Service{store: store, registry: registry, welcome: welcome, users: make(map[string]*userLock)}
}

// lock holds twitchID's lock until the returned func is called.
func (s *Service) lock(twitchID string) func() {
	s.mu.Lock()
	l := s.users[twitchID]
	if l == nil {
		l = &userLock{}
		s.users[twitchID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(s.users, twitchID)
		}
		s.mu.Unlock()
	}
}

// Normalize tidies user input: trims whitespace, drops a leading "!" from
// command names and blank trailing rows an editor may leave behind.
func Normalize(st db.Settings) db.Settings {
	out := st
	out.JokeCategories = nil
	for _, c := range st.JokeCategories {
		if c = strings.TrimSpace(c); c != "" {
			out.JokeCategories = append(out.JokeCategories, c)
		}
	}
	out.CustomCommands = nil
	for _, c := range st.CustomCommands {
		name := strings.TrimPrefix(strings.TrimSpace(c.Name), "!")
		resp := strings.TrimSpace(c.Response)
		if name == "" && resp == "" {
			continue
		}
		out.CustomCommands = append(out.CustomCommands, command.Custom{Name: name, Response: resp})
	}
	return out
}

// Config builds the session configuration for u.
func (s *Service) Config(u db.User) bot.Config {
	return bot.Config{
		Token:         u.AccessToken,
		Channel:       u.Login,
		JokeFrequency: u.JokeFrequency,
		Categories:    u.JokeCategories,
		Commands:      u.CustomCommands,
		Welcome:       s.welcome,
	}
}

func tenantOf(u db.User) bot.Tenant {
	return bot.Tenant{ID: u.TwitchID, Channel: u.Login}
}

// Apply validates and saves st for twitchID, then starts, restarts or stops
// the user's session to match. Invalid settings are rejected with an error
// wrapping bot.ErrInvalidConfig and nothing is saved. An unknown user yields
// db.ErrUserNotFound.
func (s *Service) Apply(ctx context.Context, twitchID string, st db.Settings) (db.Settings, error) {
	st = Normalize(st)
	unlock := s.lock(twitchID)
	defer unlock()
	u, err := s.store.GetUser(ctx, twitchID)
	if err != nil {
		return db.Settings{}, err
	}
	u.Settings = st
	cfg := s.Config(u)
	if err := cfg.Validate(); err != nil {
		return db.Settings{}, err
	}
	if err := s.store.UpdateSettings(ctx, twitchID, st); err != nil {
		return db.Settings{}, fmt.Errorf("save settings: %w", err)
	}

	logger := slog.With(slog.String("component", "settings"), slog.String("tenant", twitchID))
	if !st.BotEnabled {
		s.registry.Stop(twitchID)
		logger.Info("bot disabled")
		return st, nil
	}
	if err := s.registry.StartOrRestart(tenantOf(u), cfg); err != nil {
		return st, fmt.Errorf("start bot: %w", err)
	}
	logger.Info("bot started with new settings", slog.String("channel", u.Login), slog.Int("joke_frequency", st.JokeFrequency))
	return st, nil
}

// Restore starts a session for every user with the bot enabled and returns
// how many started. One user's failure does not affect the others.
func (s *Service) Restore(ctx context.Context) (int, error) {
	users, err := s.store.ListEnabledUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list enabled users: %w", err)
	}
	started := 0
	for _, u := range users {
		if ctx.Err() != nil {
			return started, ctx.Err()
		}
		ok, err := s.restore(ctx, u.TwitchID)
		if err != nil {
			slog.Warn("could not restore bot session",
				slog.String("component", "settings"),
				slog.String("tenant", u.TwitchID),
				slog.Any("err", err))
			continue
		}
		if ok {
			started++
		}
	}
	slog.Info("bot sessions restored", slog.String("component", "settings"), slog.Int("started", started), slog.Int("enabled", len(users)))
	return started, nil
}

// restore starts one listed user's session from a fresh read, so a change
// saved since the list was taken wins.
func (s *Service) restore(ctx context.Context, twitchID string) (bool, error) {
	unlock := s.lock(twitchID)
	defer unlock()
	u, err := s.store.GetUser(ctx, twitchID)
	if err != nil {
		return false, err
	}
	if !u.BotEnabled {
		return false, nil
	}
	return true, s.registry.StartOrRestart(tenantOf(u), s.Config(u))
}

// CredentialsChanged restarts the user's session so it uses the token now in
// the store. Users with the bot disabled are left alone.
func (s *Service) CredentialsChanged(ctx context.Context, twitchID string) error {
	unlock := s.lock(twitchID)
	defer unlock()
	u, err := s.store.GetUser(ctx, twitchID)
	if err != nil {
		return err
	}
	if !u.BotEnabled {
		return nil
	}
	if err := s.registry.StartOrRestart(tenantOf(u), s.Config(u)); err != nil {
		return fmt.Errorf("restart bot: %w", err)
	}
	slog.Info("bot restarted with new credentials", slog.String("component", "settings"), slog.String("tenant", twitchID))
	return nil
}

// IsInvalid reports whether err is a settings validation failure.
func IsInvalid(err error) bool { return errors.Is(err, bot.ErrInvalidConfig) }
