package server

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/onnwee/gigglebyte/testutil"
	"github.com/onnwee/gigglebyte/twitchapi"
)

type loginFixture struct {
	twitch   *testutil.MockTwitchServer
	store    *fakeStore
	settings *fakeSettings
	router   http.Handler
}

func newLoginFixture(t *testing.T) *loginFixture {
	t.Helper()
	mock := testutil.NewMockTwitchServer(t)
	mock.MockOAuthTokenResponse("user-access", "user-refresh", 14400)
	mock.MockUserResponse("42", "funnychannel")

	cfg, err := twitchapi.OAuthConfig("client-id", "client-secret", "http://localhost:8080/auth/twitch/callback", "chat:read,chat:edit")
	require.NoError(t, err)
	cfg.Endpoint = oauth2.Endpoint{
		AuthURL:   mock.URL + "/oauth2/authorize",
		TokenURL:  mock.TokenURL(),
		AuthStyle: oauth2.AuthStyleInParams,
	}

	f := &loginFixture{twitch: mock, store: newFakeStore(), settings: &fakeSettings{}}
	f.router = NewRouter(Deps{
		Store:    f.store,
		Sessions: newFakeSessions(),
		Settings: f.settings,
		OAuth:    cfg,
		Helix:    &twitchapi.HelixClient{ClientID: "client-id", BaseURL: mock.HelixURL()},
	}, testOptions())
	return f
}

// start begins a login and returns the state Twitch would echo back.
func (f *loginFixture) start(t *testing.T) string {
	t.Helper()
	rr := serve(f.router, httptest.NewRequest(http.MethodGet, "/auth/twitch", nil))
	require.Equal(t, http.StatusFound, rr.Code)
	loc, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "client-id", loc.Query().Get("client_id"))
	assert.Equal(t, "chat:read chat:edit", loc.Query().Get("scope"))
	st := loc.Query().Get("state")
	require.NotEmpty(t, st)
	return st
}

func (f *loginFixture) callback(query string) *httptest.ResponseRecorder {
	return serve(f.router, httptest.NewRequest(http.MethodGet, "/auth/twitch/callback?"+query, nil))
}

func TestTwitchLoginFlow(t *testing.T) {
	f := newLoginFixture(t)
	st := f.start(t)

	rr := f.callback("code=the-code&state=" + url.QueryEscape(st))
	require.Equal(t, http.StatusFound, rr.Code, rr.Body.String())
	assert.Equal(t, "/dashboard", rr.Header().Get("Location"))

	u, ok := f.store.users["42"]
	require.True(t, ok)
	assert.Equal(t, "funnychannel", u.Login)
	assert.Equal(t, "user-access", u.AccessToken)
	assert.Equal(t, "user-refresh", u.RefreshToken)
	assert.Equal(t, "chat:read chat:edit", u.Scope)
	assert.False(t, u.TokenExpiresAt.IsZero())
	assert.Equal(t, []string{"42"}, f.settings.refreshed)

	var session *http.Cookie
	for _, c := range rr.Result().Cookies() {
		if c.Name == sessionCookie {
			session = c
		}
	}
	require.NotNil(t, session)
	assert.True(t, session.HttpOnly)

	req := httptest.NewRequest(http.MethodGet, "/api/user", nil)
	req.AddCookie(session)
	rr = serve(f.router, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"username":"funnychannel"`)

	// A state is good for one callback only.
	rr = f.callback("code=the-code&state=" + url.QueryEscape(st))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestTwitchCallbackRejects(t *testing.T) {
	f := newLoginFixture(t)

	assert.Equal(t, http.StatusBadRequest, f.callback("code=x").Code)
	assert.Equal(t, http.StatusBadRequest, f.callback("state=x").Code)
	assert.Equal(t, http.StatusBadRequest, f.callback("code=x&state=unknown").Code)
	assert.Zero(t, f.twitch.Requests("/oauth2/token"))
}

func TestTwitchCallbackDeclined(t *testing.T) {
	f := newLoginFixture(t)
	st := f.start(t)

	rr := f.callback("error=access_denied&state=" + url.QueryEscape(st))
	assert.Equal(t, http.StatusFound, rr.Code)
	assert.Equal(t, "/", rr.Header().Get("Location"))
	assert.Empty(t, f.store.users)
}

func TestTwitchCallbackExchangeFails(t *testing.T) {
	f := newLoginFixture(t)
	f.twitch.MockOAuthTokenError(http.StatusBadRequest, "Invalid authorization code")
	st := f.start(t)

	rr := f.callback("code=stale&state=" + url.QueryEscape(st))
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Empty(t, f.store.users)
	assert.Empty(t, f.settings.refreshed)
}

func TestTwitchCallbackLookupFails(t *testing.T) {
	f := newLoginFixture(t)
	f.twitch.Handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	st := f.start(t)

	rr := f.callback("code=the-code&state=" + url.QueryEscape(st))
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Empty(t, f.store.users)
}

func TestTwitchCallbackRestartFailureStillLogsIn(t *testing.T) {
	f := newLoginFixture(t)
	f.settings.refreshErr = errBoom
	st := f.start(t)

	rr := f.callback("code=the-code&state=" + url.QueryEscape(st))
	assert.Equal(t, http.StatusFound, rr.Code)
	assert.Equal(t, "/dashboard", rr.Header().Get("Location"))
}

func TestTwitchLoginNotConfigured(t *testing.T) {
	h := newTestRouter(newFakeStore(), newFakeSessions(), &fakeSettings{})
	assert.Equal(t, http.StatusServiceUnavailable, serve(h, httptest.NewRequest(http.MethodGet, "/auth/twitch", nil)).Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve(h, httptest.NewRequest(http.MethodGet, "/auth/twitch/callback?code=x&state=y", nil)).Code)
}

func TestOAuthStateStore(t *testing.T) {
	h := NewHandlers(Deps{}, testOptions())
	now := h.now()
	h.now = func() time.Time { return now }

	require.True(t, h.addOAuthState("a"))
	assert.True(t, h.consumeOAuthState("a"))
	assert.False(t, h.consumeOAuthState("a"), "states are single use")

	require.True(t, h.addOAuthState("b"))
	h.now = func() time.Time { return now.Add(oauthStateTTL + time.Second) }
	assert.False(t, h.consumeOAuthState("b"), "expired states are rejected")
}
