package db

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/gigglebyte/command"
	"github.com/onnwee/gigglebyte/crypto"
)

func testSealer(t *testing.T) *crypto.AESSealer {
	t.Helper()
	s, err := crypto.NewAESSealer(base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef")))
	require.NoError(t, err)
	return s
}

func TestSealRoundTrip(t *testing.T) {
	s := &Store{sealer: testSealer(t)}
	sealed, err := s.seal(Tokens{Access: "access", Refresh: "refresh"})
	require.NoError(t, err)
	assert.Equal(t, 1, sealed.version)
	assert.True(t, sealed.keyID.Valid)
	assert.NotEqual(t, "access", sealed.access)

	u := User{AccessToken: sealed.access, RefreshToken: sealed.refresh}
	require.NoError(t, s.open(&u, sealed.version, sealed.keyID))
	assert.Equal(t, "access", u.AccessToken)
	assert.Equal(t, "refresh", u.RefreshToken)
}

func TestSealWithoutSealerIsPlaintext(t *testing.T) {
	s := &Store{}
	sealed, err := s.seal(Tokens{Access: "access", Refresh: "refresh"})
	require.NoError(t, err)
	assert.Equal(t, 0, sealed.version)
	assert.Equal(t, "access", sealed.access)

	u := User{AccessToken: "access"}
	require.NoError(t, s.open(&u, 0, sql.NullString{}))
	assert.Equal(t, "access", u.AccessToken)
}

func TestOpenSealedWithoutKey(t *testing.T) {
	s := &Store{}
	u := User{AccessToken: "sealed"}
	err := s.open(&u, 1, sql.NullString{String: "abcd", Valid: true})
	assert.ErrorContains(t, err, "ENCRYPTION_KEY not configured")
}

func TestOpenRejectsOtherKey(t *testing.T) {
	s := &Store{sealer: testSealer(t)}
	u := User{AccessToken: "sealed"}
	err := s.open(&u, 1, sql.NullString{String: "deadbeef", Valid: true})
	assert.ErrorContains(t, err, "current key")
}

func TestSettingsEncoding(t *testing.T) {
	cats, cmds, err := encodeSettings(Settings{
		JokeCategories: []string{"pun", "dark"},
		CustomCommands: command.Set{{Name: "hello", Response: "hi"}, {Name: "bye", Response: "later"}},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `["pun","dark"]`, cats)
	assert.JSONEq(t, `[{"name":"hello","response":"hi"},{"name":"bye","response":"later"}]`, cmds)

	gotCats, gotCmds, err := decodeSettings([]byte(cats), []byte(cmds))
	require.NoError(t, err)
	assert.Equal(t, []string{"pun", "dark"}, gotCats)
	require.Len(t, gotCmds, 2)
	assert.Equal(t, "hello", gotCmds[0].Name, "order is preserved")

	cats, cmds, err = encodeSettings(Settings{})
	require.NoError(t, err)
	assert.Equal(t, "[]", cats)
	assert.Equal(t, "[]", cmds)

	_, _, err = decodeSettings([]byte(`{`), nil)
	assert.Error(t, err)
}

func TestNullTime(t *testing.T) {
	assert.False(t, nullTime(time.Time{}).Valid)
	nt := nullTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.FixedZone("x", 3600)))
	assert.True(t, nt.Valid)
	assert.Equal(t, time.UTC, nt.Time.Location())
}

func TestConnectRequiresDSN(t *testing.T) {
	_, err := Connect("")
	assert.Error(t, err)
}

// Postgres-backed tests below run only with TEST_PG_DSN.

func openTestStore(t *testing.T, sealer crypto.Sealer) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres store test")
	}
	sqlDB, err := Connect(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, RunMigrations(sqlDB))
	require.NoError(t, RunMigrations(sqlDB), "migrations are idempotent")
	_, err = sqlDB.Exec(`DELETE FROM users WHERE twitch_id LIKE 'test-%'`)
	require.NoError(t, err)
	return NewStore(sqlDB, sealer)
}

func TestStoreLifecycle(t *testing.T) {
	s := openTestStore(t, testSealer(t))
	ctx := context.Background()
	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	u, err := s.UpsertLogin(ctx, "test-1", "FunnyChannel", Tokens{Access: "a1", Refresh: "r1", ExpiresAt: exp, Scope: "chat:read"})
	require.NoError(t, err)
	assert.Equal(t, "funnychannel", u.Login)
	assert.Equal(t, "a1", u.AccessToken)
	assert.False(t, u.BotEnabled)
	assert.Equal(t, DefaultJokeFrequency, u.JokeFrequency)
	assert.Equal(t, DefaultJokeCategories, u.JokeCategories)
	assert.Empty(t, u.CustomCommands)

	var stored string
	require.NoError(t, s.DB.QueryRow(`SELECT access_token FROM users WHERE twitch_id='test-1'`).Scan(&stored))
	assert.NotEqual(t, "a1", stored, "tokens are sealed at rest")

	st := Settings{
		BotEnabled:     true,
		JokeFrequency:  3,
		JokeCategories: []string{"pun"},
		CustomCommands: command.Set{{Name: "hello", Response: "hi there"}},
	}
	require.NoError(t, s.UpdateSettings(ctx, "test-1", st))

	// A later login keeps settings.
	_, err = s.UpsertLogin(ctx, "test-1", "funnychannel", Tokens{Access: "a2", Refresh: "r2", ExpiresAt: exp})
	require.NoError(t, err)
	got, err := s.GetUser(ctx, "test-1")
	require.NoError(t, err)
	assert.Equal(t, st, got.Settings)
	assert.Equal(t, "a2", got.AccessToken)

	enabled, err := s.ListEnabledUsers(ctx)
	require.NoError(t, err)
	ids := []string{}
	for _, e := range enabled {
		ids = append(ids, e.TwitchID)
	}
	assert.Contains(t, ids, "test-1")

	expiring, err := s.ListTokensExpiring(ctx, exp.Add(time.Minute))
	require.NoError(t, err)
	require.NotEmpty(t, expiring)
	none, err := s.ListTokensExpiring(ctx, exp.Add(-time.Minute))
	require.NoError(t, err)
	for _, e := range none {
		assert.NotEqual(t, "test-1", e.TwitchID)
	}

	require.NoError(t, s.UpdateTokens(ctx, "test-1", Tokens{Access: "a3", Refresh: "r3", ExpiresAt: exp.Add(time.Hour)}))
	got, err = s.GetUser(ctx, "test-1")
	require.NoError(t, err)
	assert.Equal(t, "r3", got.RefreshToken)
	assert.WithinDuration(t, exp.Add(time.Hour), got.TokenExpiresAt, time.Second)
}

func TestStoreUnknownUser(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()

	_, err := s.GetUser(ctx, "test-missing")
	assert.True(t, errors.Is(err, ErrUserNotFound))
	assert.ErrorIs(t, s.UpdateSettings(ctx, "test-missing", Settings{JokeFrequency: 5}), ErrUserNotFound)
	assert.ErrorIs(t, s.UpdateTokens(ctx, "test-missing", Tokens{}), ErrUserNotFound)
}

func TestStorePlaintextTokens(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	_, err := s.UpsertLogin(ctx, "test-plain", "plain", Tokens{Access: "a", Refresh: "r"})
	require.NoError(t, err)

	ids, err := s.ListPlaintextTokenUsers(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, "test-plain")

	version, dirty, err := GetMigrationVersion(s.DB)
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.GreaterOrEqual(t, version, uint(1))
}
