// Package db stores channel owners: their Twitch credentials and bot settings.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/gigglebyte/command"
	"github.com/onnwee/gigglebyte/crypto"
)

// ErrUserNotFound is returned when no row matches a twitch id.
var ErrUserNotFound = errors.New("user not found")

// Defaults applied to users who have never saved settings.
const DefaultJokeFrequency = 10

// DefaultJokeCategories are the categories a new user starts with.
var DefaultJokeCategories = []string{"general", "programming"}

// User is one row of the users table with tokens already opened.
type User struct {
	TwitchID       string
	Login          string
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt time.Time
	Scope          string
	Settings
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Settings are the user-editable bot preferences.
type Settings struct {
	BotEnabled     bool
	JokeFrequency  int
	JokeCategories []string
	CustomCommands command.Set
}

// Tokens is an OAuth token set as returned by Twitch.
type Tokens struct {
	Access    string
	Refresh   string
	ExpiresAt time.Time
	Scope     string
}

// Connect opens a Postgres connection pool for dsn using the pgx driver.
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("db: empty DSN")
	}
	return sql.Open("pgx", dsn)
}

// Store reads and writes users. With a nil Sealer tokens are stored in
// plaintext (encryption_version 0).
type Store struct {
	DB     *sql.DB
	sealer crypto.Sealer
}

// NewStore wraps db. sealer may be nil.
func NewStore(db *sql.DB, sealer crypto.Sealer) *Store {
	if sealer == nil {
		slog.Warn("ENCRYPTION_KEY not set, OAuth tokens will be stored in plaintext (not recommended for production)", slog.String("component", "db_encryption"))
	}
	return &Store{DB: db, sealer: sealer}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }

const userColumns = `twitch_id, login, access_token, refresh_token, token_expires_at, scope,
	encryption_version, encryption_key_id, bot_enabled, joke_frequency, joke_categories,
	custom_commands, created_at, updated_at`

type sealedTokens struct {
	access, refresh string
	version         int
	keyID           sql.NullString
}

func (s *Store) seal(t Tokens) (sealedTokens, error) {
	out := sealedTokens{access: t.Access, refresh: t.Refresh}
	if s.sealer == nil {
		return out, nil
	}
	var err error
	if out.access, err = s.sealer.Seal(t.Access); err != nil {
		return sealedTokens{}, fmt.Errorf("encrypt access token: %w", err)
	}
	if out.refresh, err = s.sealer.Seal(t.Refresh); err != nil {
		return sealedTokens{}, fmt.Errorf("encrypt refresh token: %w", err)
	}
	out.version = 1
	out.keyID = sql.NullString{String: s.sealer.KeyID(), Valid: true}
	return out, nil
}

func (s *Store) open(u *User, version int, keyID sql.NullString) error {
	if version == 0 {
		return nil
	}
	if s.sealer == nil {
		return errors.New("token is encrypted but ENCRYPTION_KEY not configured")
	}
	if keyID.Valid && keyID.String != "" && keyID.String != s.sealer.KeyID() {
		return fmt.Errorf("token sealed with key %s, current key is %s", keyID.String, s.sealer.KeyID())
	}
	var err error
	if u.AccessToken, err = s.sealer.Open(u.AccessToken); err != nil {
		return fmt.Errorf("decrypt access token: %w", err)
	}
	if u.RefreshToken, err = s.sealer.Open(u.RefreshToken); err != nil {
		return fmt.Errorf("decrypt refresh token: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanUser(r rowScanner) (User, error) {
	var (
		u         User
		expires   sql.NullTime
		version   int
		keyID     sql.NullString
		cats, cmd []byte
	)
	if err := r.Scan(&u.TwitchID, &u.Login, &u.AccessToken, &u.RefreshToken, &expires, &u.Scope,
		&version, &keyID, &u.BotEnabled, &u.JokeFrequency, &cats, &cmd, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return User{}, err
	}
	if expires.Valid {
		u.TokenExpiresAt = expires.Time
	}
	var err error
	if u.JokeCategories, u.CustomCommands, err = decodeSettings(cats, cmd); err != nil {
		return User{}, fmt.Errorf("user %s: %w", u.TwitchID, err)
	}
	if err := s.open(&u, version, keyID); err != nil {
		return User{}, fmt.Errorf("user %s: %w", u.TwitchID, err)
	}
	return u, nil
}

func encodeSettings(st Settings) (cats, cmds string, err error) {
	c := st.JokeCategories
	if c == nil {
		c = []string{}
	}
	m := st.CustomCommands
	if m == nil {
		m = command.Set{}
	}
	cb, err := json.Marshal(c)
	if err != nil {
		return "", "", fmt.Errorf("encode joke categories: %w", err)
	}
	mb, err := json.Marshal(m)
	if err != nil {
		return "", "", fmt.Errorf("encode custom commands: %w", err)
	}
	return string(cb), string(mb), nil
}

func decodeSettings(cats, cmds []byte) ([]string, command.Set, error) {
	var c []string
	if len(cats) > 0 {
		if err := json.Unmarshal(cats, &c); err != nil {
			return nil, nil, fmt.Errorf("decode joke categories: %w", err)
		}
	}
	var m command.Set
	if len(cmds) > 0 {
		if err := json.Unmarshal(cmds, &m); err != nil {
			return nil, nil, fmt.Errorf("decode custom commands: %w", err)
		}
	}
	return c, m, nil
}

// UpsertLogin records a successful Twitch login. New users get the default
// settings; existing users keep theirs and only their login name and tokens
// change.
func (s *Store) UpsertLogin(ctx context.Context, twitchID, login string, t Tokens) (User, error) {
	sealed, err := s.seal(t)
	if err != nil {
		return User{}, err
	}
	q := `INSERT INTO users(twitch_id, login, access_token, refresh_token, token_expires_at, scope, encryption_version, encryption_key_id)
		  VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		  ON CONFLICT(twitch_id) DO UPDATE SET
		    login=EXCLUDED.login,
		    access_token=EXCLUDED.access_token,
		    refresh_token=EXCLUDED.refresh_token,
		    token_expires_at=EXCLUDED.token_expires_at,
		    scope=EXCLUDED.scope,
		    encryption_version=EXCLUDED.encryption_version,
		    encryption_key_id=EXCLUDED.encryption_key_id,
		    updated_at=NOW()
		  RETURNING ` + userColumns
	row := s.DB.QueryRowContext(ctx, q, twitchID, strings.ToLower(login), sealed.access, sealed.refresh,
		nullTime(t.ExpiresAt), t.Scope, sealed.version, sealed.keyID)
	return s.scanUser(row)
}

// GetUser returns the user with twitchID or ErrUserNotFound.
func (s *Store) GetUser(ctx context.Context, twitchID string) (User, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE twitch_id=$1`, twitchID)
	u, err := s.scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	return u, err
}

// UpdateSettings replaces the user's bot settings.
func (s *Store) UpdateSettings(ctx context.Context, twitchID string, st Settings) error {
	cats, cmds, err := encodeSettings(st)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx,
		`UPDATE users SET bot_enabled=$2, joke_frequency=$3, joke_categories=$4::jsonb, custom_commands=$5::jsonb, updated_at=NOW()
		 WHERE twitch_id=$1`, twitchID, st.BotEnabled, st.JokeFrequency, cats, cmds)
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	return expectOne(res)
}

// UpdateTokens stores a refreshed token set.
func (s *Store) UpdateTokens(ctx context.Context, twitchID string, t Tokens) error {
	sealed, err := s.seal(t)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx,
		`UPDATE users SET access_token=$2, refresh_token=$3, token_expires_at=$4, scope=$5,
		   encryption_version=$6, encryption_key_id=$7, updated_at=NOW()
		 WHERE twitch_id=$1`,
		twitchID, sealed.access, sealed.refresh, nullTime(t.ExpiresAt), t.Scope, sealed.version, sealed.keyID)
	if err != nil {
		return fmt.Errorf("update tokens: %w", err)
	}
	return expectOne(res)
}

// ListEnabledUsers returns every user with the bot switched on.
func (s *Store) ListEnabledUsers(ctx context.Context) ([]User, error) {
	return s.list(ctx, `SELECT `+userColumns+` FROM users WHERE bot_enabled ORDER BY twitch_id`)
}

// ListTokensExpiring returns users holding a refresh token whose access token
// expires before the given time.
func (s *Store) ListTokensExpiring(ctx context.Context, before time.Time) ([]User, error) {
	return s.list(ctx, `SELECT `+userColumns+` FROM users
		WHERE refresh_token <> '' AND token_expires_at IS NOT NULL AND token_expires_at < $1
		ORDER BY token_expires_at`, before)
}

// ListPlaintextTokenUsers returns ids of users whose tokens are not sealed.
func (s *Store) ListPlaintextTokenUsers(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT twitch_id FROM users
		 WHERE COALESCE(encryption_version, 0) = 0 AND (access_token <> '' OR refresh_token <> '')
		 ORDER BY twitch_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) list(ctx context.Context, q string, args ...any) ([]User, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []User
	for rows.Next() {
		u, err := s.scanUser(rows)
		if err != nil {
			// One unreadable row must not hide everyone else.
			slog.Error("skipping unreadable user row", slog.Any("err", err), slog.String("component", "db"))
			continue
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
