package oauth

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/beebombshell/nowplaying/apperror"
	"github.com/beebombshell/nowplaying/session"
	"github.com/charmbracelet/log"
	"github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2"
)

// fallbackLifetime is assumed when the token response carries no expiry.
const fallbackLifetime = time.Hour

// Config describes the Spotify app and endpoints. ClientID and ClientSecret
// are only set for single-tenant deployments.
type Config struct {
	AuthURL      string
	TokenURL     string
	APIURL       string
	RedirectURL  string
	Scopes       []string
	ClientID     string
	ClientSecret string
}

// Service runs the authorization code flow with per-user app credentials.
type Service struct {
	cfg        Config
	store      Store
	sessions   *session.Manager
	httpClient *http.Client
	now        func() time.Time
	logger     *log.Logger
}

type Option func(*Service)

func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.httpClient = c }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(l *log.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func NewService(cfg Config, store Store, sessions *session.Manager, opts ...Option) *Service {
	if cfg.AuthURL == "" {
		cfg.AuthURL = spotifyauth.AuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = spotifyauth.TokenURL
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.spotify.com/v1/"
	}

	s := &Service{
		cfg:        cfg,
		store:      store,
		sessions:   sessions,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		now:        time.Now,
		logger:     log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SingleTenant reports whether the operator configured the app credentials.
func (s *Service) SingleTenant() bool {
	return s.cfg.ClientID != "" && s.cfg.ClientSecret != ""
}

func (s *Service) oauthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  s.cfg.RedirectURL,
		Scopes:       s.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   s.cfg.AuthURL,
			TokenURL:  s.cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

// withClient makes x/oauth2 use our bounded client for token calls.
func (s *Service) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
}

// AuthCodeURL builds the consent screen URL for the given app.
func (s *Service) AuthCodeURL(state, clientID string) string {
	return s.oauthConfig(clientID, "").AuthCodeURL(state)
}

// Exchange trades an authorization code for tokens, authenticating with
// HTTP Basic auth built from the app credentials.
func (s *Service) Exchange(ctx context.Context, code, clientID, clientSecret string) (*TokenSet, error) {
	issuedAt := s.now()
	tok, err := s.oauthConfig(clientID, clientSecret).Exchange(s.withClient(ctx), code)
	if err != nil {
		return nil, apperror.UpstreamAuth("exchange", retrieveStatus(err), err)
	}

	return &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    s.expiresAt(tok, issuedAt),
	}, nil
}

// FetchProfile looks up the Spotify account owning accessToken.
func (s *Service) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	ctx = s.withClient(ctx)
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
	client := spotify.New(httpClient, spotify.WithBaseURL(s.cfg.APIURL))

	user, err := client.CurrentUser(ctx)
	if err != nil {
		return nil, apperror.UpstreamAuth("profile", spotifyStatus(err), err)
	}
	if user.ID == "" {
		return nil, apperror.UpstreamAuth("profile", 0, errors.New("profile without id"))
	}

	return &Profile{ID: user.ID, DisplayName: user.DisplayName}, nil
}

// RefreshAccessToken obtains a new access token for the stored user,
// persists it and returns it. The previous refresh token is kept when
// Spotify does not rotate it.
func (s *Service) RefreshAccessToken(ctx context.Context, userID string) (string, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if user == nil {
		return "", apperror.UserNotFound(userID)
	}

	issuedAt := s.now()
	src := s.oauthConfig(user.ClientID, user.ClientSecret).
		TokenSource(s.withClient(ctx), &oauth2.Token{RefreshToken: user.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return "", apperror.UpstreamAuth("refresh", retrieveStatus(err), err)
	}

	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		refreshToken = user.RefreshToken
	}
	expiresAt := s.expiresAt(tok, issuedAt)

	if err := s.store.UpdateUserToken(ctx, userID, tok.AccessToken, refreshToken, expiresAt); err != nil {
		return "", err
	}

	s.logger.Debug("refreshed access token", "user", userID, "expires", expiresAt)
	return tok.AccessToken, nil
}

// expiresAt is issuedAt plus the lifetime Spotify reported.
func (s *Service) expiresAt(tok *oauth2.Token, issuedAt time.Time) time.Time {
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		if v > 0 {
			return issuedAt.Add(time.Duration(v) * time.Second)
		}
	case string:
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil && secs > 0 {
			return issuedAt.Add(time.Duration(secs) * time.Second)
		}
	}
	if !tok.Expiry.IsZero() {
		return tok.Expiry
	}
	return issuedAt.Add(fallbackLifetime)
}

func retrieveStatus(err error) int {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return re.Response.StatusCode
	}
	return 0
}

func spotifyStatus(err error) int {
	var se spotify.Error
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}
