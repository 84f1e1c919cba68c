package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/gigglebyte/bot"
	"github.com/onnwee/gigglebyte/db"
)

type fakeStore struct {
	mu      sync.Mutex
	pingErr error
	users   map[string]db.User
	getErr  error
}

func newFakeStore(users ...db.User) *fakeStore {
	s := &fakeStore{users: map[string]db.User{}}
	for _, u := range users {
		s.users[u.TwitchID] = u
	}
	return s
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) GetUser(_ context.Context, id string) (db.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return db.User{}, f.getErr
	}
	u, ok := f.users[id]
	if !ok {
		return db.User{}, db.ErrUserNotFound
	}
	return u, nil
}

func (f *fakeStore) UpsertLogin(_ context.Context, id, login string, t db.Tokens) (db.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		u = db.User{TwitchID: id, Settings: db.Settings{JokeFrequency: db.DefaultJokeFrequency, JokeCategories: db.DefaultJokeCategories}}
	}
	u.Login = login
	u.AccessToken, u.RefreshToken, u.TokenExpiresAt, u.Scope = t.Access, t.Refresh, t.ExpiresAt, t.Scope
	f.users[id] = u
	return u, nil
}

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]bot.Status
	stopped  []string
}

func newFakeSessions(sts ...bot.Status) *fakeSessions {
	f := &fakeSessions{sessions: map[string]bot.Status{}}
	for _, st := range sts {
		f.sessions[st.TenantID] = st
	}
	return f
}

func (f *fakeSessions) Get(id string) (bot.Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.sessions[id]
	return st, ok
}

func (f *fakeSessions) List() []bot.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bot.Status, 0, len(f.sessions))
	for _, st := range f.sessions {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

func (f *fakeSessions) Stop(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
	f.stopped = append(f.stopped, id)
}

func (f *fakeSessions) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

type fakeSettings struct {
	mu         sync.Mutex
	applied    []db.Settings
	applyErr   error
	refreshed  []string
	refreshErr error
}

func (f *fakeSettings) Apply(_ context.Context, _ string, st db.Settings) (db.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return db.Settings{}, f.applyErr
	}
	f.applied = append(f.applied, st)
	return st, nil
}

func (f *fakeSettings) CredentialsChanged(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = append(f.refreshed, id)
	return f.refreshErr
}

var errBoom = errors.New("boom")

const testSecret = "test-session-secret"

func testOptions() Options {
	return Options{
		SessionSecret:  testSecret,
		SessionTTL:     time.Hour,
		AdminToken:     "admin-token",
		AdminUsername:  "admin",
		AdminPassword:  "hunter2",
		RateLimitRPM:   600,
		RateLimitBurst: 100,
	}
}

// loginCookie returns a valid login cookie for id, signed the way the
// router expects with testOptions.
func loginCookie(t *testing.T, id, login string) *http.Cookie {
	t.Helper()
	h := NewHandlers(Deps{}, testOptions())
	signed, err := h.signSession(id, login, time.Now())
	if err != nil {
		t.Fatalf("sign session: %v", err)
	}
	return &http.Cookie{Name: sessionCookie, Value: signed}
}
