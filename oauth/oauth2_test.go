package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/beebombshell/nowplaying/apperror"
	"github.com/beebombshell/nowplaying/db"
	"github.com/beebombshell/nowplaying/models"
	"github.com/beebombshell/nowplaying/session"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tokenURL   = "https://accounts.spotify.com/api/token"
	profileURL = "https://api.spotify.com/v1/me"
)

type fixture struct {
	svc      *Service
	store    *db.DB
	sessions *session.Manager
	mock     *httpmock.MockTransport
	now      time.Time
}

func setup(t *testing.T, cfg Config) *fixture {
	t.Helper()

	store, err := db.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Initialize())
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		store: store,
		mock:  httpmock.NewMockTransport(),
		now:   time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }

	if cfg.RedirectURL == "" {
		cfg.RedirectURL = "http://localhost:8080/callback"
	}
	if cfg.Scopes == nil {
		cfg.Scopes = []string{"user-read-currently-playing", "user-read-playback-state", "user-read-private"}
	}

	f.sessions = session.NewManager("cookie-secret-cookie-secret-cookie", false, session.WithClock(clock))
	f.svc = NewService(cfg, store, f.sessions,
		WithHTTPClient(&http.Client{Transport: f.mock}),
		WithClock(clock),
	)
	return f
}

func tokenResponder(t *testing.T, wantUser, wantPass string, body map[string]any) httpmock.Responder {
	return func(req *http.Request) (*http.Response, error) {
		user, pass, ok := req.BasicAuth()
		assert.True(t, ok, "token calls must use basic auth")
		assert.Equal(t, wantUser, user)
		assert.Equal(t, wantPass, pass)
		return httpmock.NewJsonResponse(http.StatusOK, body)
	}
}

func TestAuthCodeURL(t *testing.T) {
	f := setup(t, Config{})

	raw := f.svc.AuthCodeURL("state-123", "my-client")
	u, err := url.Parse(raw)
	require.NoError(t, err)

	q := u.Query()
	assert.Equal(t, "accounts.spotify.com", u.Host)
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "my-client", q.Get("client_id"))
	assert.Equal(t, "state-123", q.Get("state"))
	assert.Equal(t, "http://localhost:8080/callback", q.Get("redirect_uri"))
	assert.Contains(t, q.Get("scope"), "user-read-currently-playing")
	assert.Contains(t, q.Get("scope"), "user-read-private")
}

func TestExchange(t *testing.T) {
	f := setup(t, Config{})
	f.mock.RegisterResponder(http.MethodPost, tokenURL, tokenResponder(t, "cid", "csecret", map[string]any{
		"access_token":  "access-1",
		"token_type":    "Bearer",
		"refresh_token": "refresh-1",
		"expires_in":    3600,
	}))

	tokens, err := f.svc.Exchange(context.Background(), "the-code", "cid", "csecret")
	require.NoError(t, err)
	assert.Equal(t, "access-1", tokens.AccessToken)
	assert.Equal(t, "refresh-1", tokens.RefreshToken)
	assert.Equal(t, f.now.Add(time.Hour), tokens.ExpiresAt)
}

func TestExchangeRejected(t *testing.T) {
	f := setup(t, Config{})
	f.mock.RegisterResponder(http.MethodPost, tokenURL,
		httpmock.NewStringResponder(http.StatusBadRequest, `{"error":"invalid_grant","error_description":"Invalid authorization code"}`))

	_, err := f.svc.Exchange(context.Background(), "bad", "cid", "csecret")
	require.Error(t, err)

	var upstream *apperror.UpstreamAuthError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, "exchange", upstream.Op)
	assert.Equal(t, http.StatusBadRequest, upstream.StatusCode)
}

func TestFetchProfile(t *testing.T) {
	f := setup(t, Config{})
	f.mock.RegisterResponder(http.MethodGet, profileURL, func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "Bearer access-1", req.Header.Get("Authorization"))
		return httpmock.NewJsonResponse(http.StatusOK, map[string]any{"id": "sp-1", "display_name": "Listener"})
	})

	profile, err := f.svc.FetchProfile(context.Background(), "access-1")
	require.NoError(t, err)
	assert.Equal(t, "sp-1", profile.ID)
	assert.Equal(t, "Listener", profile.DisplayName)
}

func TestFetchProfileRejected(t *testing.T) {
	f := setup(t, Config{})
	f.mock.RegisterResponder(http.MethodGet, profileURL,
		httpmock.NewStringResponder(http.StatusUnauthorized, `{"error":{"status":401,"message":"Invalid access token"}}`))

	_, err := f.svc.FetchProfile(context.Background(), "nope")

	var upstream *apperror.UpstreamAuthError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, "profile", upstream.Op)
	assert.Equal(t, http.StatusUnauthorized, upstream.StatusCode)
}

func TestRefreshKeepsRefreshTokenAndPersists(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()

	require.NoError(t, f.store.SaveUser(ctx, &models.User{
		ID:           "u1",
		SpotifyID:    "sp-1",
		AccessToken:  "stale",
		RefreshToken: "refresh-0",
		ExpiresAt:    f.now.Add(-time.Minute),
		ClientID:     "cid",
		ClientSecret: "csecret",
	}))

	f.mock.RegisterResponder(http.MethodPost, tokenURL, func(req *http.Request) (*http.Response, error) {
		require.NoError(t, req.ParseForm())
		assert.Equal(t, "refresh_token", req.PostForm.Get("grant_type"))
		assert.Equal(t, "refresh-0", req.PostForm.Get("refresh_token"))
		return tokenResponder(t, "cid", "csecret", map[string]any{
			"access_token": "fresh",
			"token_type":   "Bearer",
			"expires_in":   1800,
		})(req)
	})

	token, err := f.svc.RefreshAccessToken(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "fresh", token)

	stored, err := f.store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "fresh", stored.AccessToken)
	assert.Equal(t, "refresh-0", stored.RefreshToken)
	assert.Equal(t, f.now.Add(30*time.Minute).UnixMilli(), stored.ExpiresAt.UnixMilli())
	assert.True(t, stored.ExpiresAt.After(f.now))
}

func TestRefreshRotatesRefreshToken(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.store.SaveUser(ctx, &models.User{
		ID: "u1", SpotifyID: "sp-1", RefreshToken: "refresh-0", ClientID: "cid", ClientSecret: "csecret",
	}))

	f.mock.RegisterResponder(http.MethodPost, tokenURL, tokenResponder(t, "cid", "csecret", map[string]any{
		"access_token":  "fresh",
		"token_type":    "Bearer",
		"refresh_token": "refresh-1",
		"expires_in":    3600,
	}))

	_, err := f.svc.RefreshAccessToken(ctx, "u1")
	require.NoError(t, err)

	stored, err := f.store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", stored.RefreshToken)
}

func TestRefreshUnknownUser(t *testing.T) {
	f := setup(t, Config{})

	_, err := f.svc.RefreshAccessToken(context.Background(), "ghost")
	assert.True(t, apperror.IsUserNotFound(err))
	assert.Zero(t, f.mock.GetTotalCallCount())
}

func TestRefreshRejected(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.store.SaveUser(ctx, &models.User{
		ID: "u1", SpotifyID: "sp-1", AccessToken: "old", RefreshToken: "revoked", ClientID: "cid", ClientSecret: "csecret",
	}))
	f.mock.RegisterResponder(http.MethodPost, tokenURL,
		httpmock.NewStringResponder(http.StatusBadRequest, `{"error":"invalid_grant"}`))

	_, err := f.svc.RefreshAccessToken(ctx, "u1")
	assert.True(t, apperror.IsUpstreamAuth(err))

	stored, err := f.store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "old", stored.AccessToken, "a failed refresh must not touch the record")
}

// login drives HandleLogin and returns the cookies and the state it issued.
func login(t *testing.T, f *fixture, clientID, clientSecret string) ([]*http.Cookie, string) {
	t.Helper()

	form := url.Values{"client_id": {clientID}, "client_secret": {clientSecret}}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	f.svc.HandleLogin(rec, req)
	require.Equal(t, http.StatusSeeOther, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, clientID, loc.Query().Get("client_id"))
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)

	return rec.Result().Cookies(), state
}

func callback(f *fixture, cookies []*http.Cookie, query string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/callback?"+query, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	f.svc.HandleCallback(rec, req)
	return rec
}

func registerHappyPath(t *testing.T, f *fixture, spotifyID string) {
	f.mock.RegisterResponder(http.MethodPost, tokenURL, tokenResponder(t, "cid", "csecret", map[string]any{
		"access_token":  "access-1",
		"token_type":    "Bearer",
		"refresh_token": "refresh-1",
		"expires_in":    3600,
	}))
	f.mock.RegisterResponder(http.MethodGet, profileURL,
		httpmock.NewJsonResponderOrPanic(http.StatusOK, map[string]any{"id": spotifyID, "display_name": "Listener"}))
}

func TestLoginRequiresCredentialsInMultiTenantMode(t *testing.T) {
	f := setup(t, Config{})

	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader("client_id=cid"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.svc.HandleLogin(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	f.svc.HandleLogin(rec, httptest.NewRequest(http.MethodGet, "/login", nil))
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))
}

func TestLoginSingleTenantGET(t *testing.T) {
	f := setup(t, Config{ClientID: "ops-client", ClientSecret: "ops-secret"})

	rec := httptest.NewRecorder()
	f.svc.HandleLogin(rec, httptest.NewRequest(http.MethodGet, "/login", nil))
	require.Equal(t, http.StatusSeeOther, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "ops-client", loc.Query().Get("client_id"))
}

func TestCallbackStateMismatchRejectedBeforeExchange(t *testing.T) {
	f := setup(t, Config{})
	registerHappyPath(t, f, "sp-1")
	cookies, _ := login(t, f, "cid", "csecret")

	rec := callback(f, cookies, "code=abc&state=forged")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, f.mock.GetTotalCallCount(), "no token exchange may happen on a state mismatch")
}

func TestCallbackWithoutLoginCookie(t *testing.T) {
	f := setup(t, Config{})

	rec := callback(f, nil, "code=abc&state=xyz")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, f.mock.GetTotalCallCount())
}

func TestCallbackMissingCode(t *testing.T) {
	f := setup(t, Config{})
	cookies, state := login(t, f, "cid", "csecret")

	rec := callback(f, cookies, "state="+url.QueryEscape(state))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallbackCreatesThenUpdatesUser(t *testing.T) {
	f := setup(t, Config{})
	registerHappyPath(t, f, "sp-1")
	ctx := context.Background()

	cookies, state := login(t, f, "cid", "csecret")
	rec := callback(f, cookies, "code=abc&state="+url.QueryEscape(state))
	require.Equal(t, http.StatusSeeOther, rec.Code)

	first, err := f.store.GetUserBySpotifyID(ctx, "sp-1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "/dashboard?uid="+first.ID, rec.Header().Get("Location"))
	assert.Equal(t, "access-1", first.AccessToken)
	assert.Equal(t, f.now.Add(time.Hour).UnixMilli(), first.ExpiresAt.UnixMilli())

	var identity *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == session.IdentityCookieName {
			identity = c
		}
	}
	require.NotNil(t, identity)
	assert.Equal(t, int(session.IdentityTTL.Seconds()), identity.MaxAge)

	// same Spotify account connects again
	cookies, state = login(t, f, "cid", "csecret")
	rec = callback(f, cookies, "code=def&state="+url.QueryEscape(state))
	require.Equal(t, http.StatusSeeOther, rec.Code)

	second, err := f.store.GetUserBySpotifyID(ctx, "sp-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	var count int
	require.NoError(t, f.store.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestCallbackExchangeFailure(t *testing.T) {
	f := setup(t, Config{})
	f.mock.RegisterResponder(http.MethodPost, tokenURL,
		httpmock.NewStringResponder(http.StatusBadRequest, `{"error":"invalid_client"}`))

	cookies, state := login(t, f, "cid", "csecret")
	rec := callback(f, cookies, "code=abc&state="+url.QueryEscape(state))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Authentication failed")
}
