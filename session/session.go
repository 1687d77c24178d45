// Package session keeps the two cookies the service relies on: the short
// lived login state carried across the OAuth redirect, and the long lived
// identity cookie naming the connected user. Both are HS256 signed JWTs so
// nothing needs to be stored server side.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const (
	LoginCookieName    = "np_login"
	IdentityCookieName = "np_uid"

	LoginTTL    = 15 * time.Minute
	IdentityTTL = 30 * 24 * time.Hour

	kindClaim = "kind"
	kindLogin = "login"
	kindID    = "identity"
)

var ErrNoSession = errors.New("session: cookie missing or invalid")

// LoginState is what HandleLogin hands to HandleCallback through the browser.
type LoginState struct {
	State        string
	ClientID     string
	ClientSecret string
}

type Manager struct {
	key    []byte
	secure bool
	now    func() time.Time
	logger *log.Logger
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager signs cookies with secret. secure marks cookies HTTPS only.
func NewManager(secret string, secure bool, opts ...Option) *Manager {
	m := &Manager{
		key:    []byte(secret),
		secure: secure,
		now:    time.Now,
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) SetLoginState(w http.ResponseWriter, ls LoginState) error {
	value, err := m.sign(kindLogin, ls.State, LoginTTL, map[string]string{
		"client_id":     ls.ClientID,
		"client_secret": ls.ClientSecret,
	})
	if err != nil {
		return err
	}
	m.setCookie(w, LoginCookieName, value, LoginTTL, "/callback")
	return nil
}

// LoginState reads back the cookie written by SetLoginState.
func (m *Manager) LoginState(r *http.Request) (*LoginState, error) {
	tok, err := m.read(r, LoginCookieName, kindLogin)
	if err != nil {
		return nil, err
	}
	return &LoginState{
		State:        tok.Subject(),
		ClientID:     stringClaim(tok, "client_id"),
		ClientSecret: stringClaim(tok, "client_secret"),
	}, nil
}

func (m *Manager) ClearLoginState(w http.ResponseWriter) {
	m.clearCookie(w, LoginCookieName, "/callback")
}

func (m *Manager) SetIdentity(w http.ResponseWriter, userID string) error {
	value, err := m.sign(kindID, userID, IdentityTTL, nil)
	if err != nil {
		return err
	}
	m.setCookie(w, IdentityCookieName, value, IdentityTTL, "/")
	return nil
}

// Identity returns the user id from a valid identity cookie.
func (m *Manager) Identity(r *http.Request) (string, bool) {
	tok, err := m.read(r, IdentityCookieName, kindID)
	if err != nil {
		return "", false
	}
	return tok.Subject(), tok.Subject() != ""
}

func (m *Manager) ClearIdentity(w http.ResponseWriter) {
	m.clearCookie(w, IdentityCookieName, "/")
}

// WithIdentity loads the identity cookie, if any, into the request context.
func (m *Manager) WithIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userID, ok := m.Identity(r); ok {
			r = r.WithContext(WithUserID(r.Context(), userID))
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Manager) sign(kind, subject string, ttl time.Duration, claims map[string]string) (string, error) {
	now := m.now()
	b := jwt.NewBuilder().
		Subject(subject).
		IssuedAt(now).
		Expiration(now.Add(ttl)).
		Claim(kindClaim, kind)
	for k, v := range claims {
		b = b.Claim(k, v)
	}

	tok, err := b.Build()
	if err != nil {
		return "", fmt.Errorf("building %s token: %w", kind, err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, m.key))
	if err != nil {
		return "", fmt.Errorf("signing %s token: %w", kind, err)
	}
	return string(signed), nil
}

func (m *Manager) read(r *http.Request, name, kind string) (jwt.Token, error) {
	cookie, err := r.Cookie(name)
	if err != nil || cookie.Value == "" {
		return nil, ErrNoSession
	}

	tok, err := jwt.Parse([]byte(cookie.Value), jwt.WithKey(jwa.HS256, m.key), jwt.WithValidate(false))
	if err != nil {
		m.logger.Debug("rejecting cookie", "cookie", name, "error", err)
		return nil, ErrNoSession
	}
	if err := jwt.Validate(tok, jwt.WithClock(jwt.ClockFunc(m.now))); err != nil {
		m.logger.Debug("expired cookie", "cookie", name, "error", err)
		return nil, ErrNoSession
	}
	if stringClaim(tok, kindClaim) != kind {
		return nil, ErrNoSession
	}
	return tok, nil
}

func (m *Manager) setCookie(w http.ResponseWriter, name, value string, ttl time.Duration, path string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(ttl.Seconds()),
		Expires:  m.now().Add(ttl),
	})
}

func (m *Manager) clearCookie(w http.ResponseWriter, name, path string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

func stringClaim(tok jwt.Token, name string) string {
	v, ok := tok.Get(name)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

type contextKey int

const userIDKey contextKey = iota

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok && userID != ""
}
