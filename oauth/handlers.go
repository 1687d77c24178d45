package oauth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/beebombshell/nowplaying/apperror"
	"github.com/beebombshell/nowplaying/models"
	"github.com/beebombshell/nowplaying/session"
)

// generateRandomState creates a random state string for CSRF protection
func generateRandomState() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HandleLogin starts the flow. POST carries the user's own app credentials
// from the connect form; GET only works when the operator configured one app.
func (s *Service) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var clientID, clientSecret string

	switch r.Method {
	case http.MethodPost:
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Invalid form", http.StatusBadRequest)
			return
		}
		clientID = strings.TrimSpace(r.PostForm.Get("client_id"))
		clientSecret = strings.TrimSpace(r.PostForm.Get("client_secret"))
		if clientID == "" || clientSecret == "" {
			if !s.SingleTenant() {
				s.fail(w, apperror.MissingParameter("client_id/client_secret"), "Client ID and Client Secret are required")
				return
			}
			clientID, clientSecret = s.cfg.ClientID, s.cfg.ClientSecret
		}
	case http.MethodGet:
		if !s.SingleTenant() {
			http.Redirect(w, r, "/", http.StatusSeeOther)
			return
		}
		clientID, clientSecret = s.cfg.ClientID, s.cfg.ClientSecret
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	state, err := generateRandomState()
	if err != nil {
		s.fail(w, err, "Could not start login")
		return
	}

	err = s.sessions.SetLoginState(w, session.LoginState{
		State:        state,
		ClientID:     clientID,
		ClientSecret: clientSecret,
	})
	if err != nil {
		s.fail(w, err, "Could not start login")
		return
	}

	http.Redirect(w, r, s.AuthCodeURL(state, clientID), http.StatusSeeOther)
}

// HandleCallback finishes the flow: state check, code exchange, profile
// lookup, then the user record is created or updated in place.
func (s *Service) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ls, err := s.sessions.LoginState(r)
	if err != nil {
		s.fail(w, apperror.MissingParameter("login state"), "Login session expired, please connect again")
		return
	}

	q := r.URL.Query()
	if subtle.ConstantTimeCompare([]byte(q.Get("state")), []byte(ls.State)) != 1 {
		s.fail(w, apperror.StateMismatch(), "State mismatch")
		return
	}
	s.sessions.ClearLoginState(w)

	if reason := q.Get("error"); reason != "" {
		s.fail(w, apperror.MissingParameter("code"), "Authorization was not granted: "+reason)
		return
	}

	code := q.Get("code")
	if code == "" {
		s.fail(w, apperror.MissingParameter("code"), "No code provided")
		return
	}
	if ls.ClientID == "" || ls.ClientSecret == "" {
		s.fail(w, apperror.MissingParameter("client credentials"), "No client credentials stored")
		return
	}

	user, err := s.completeLogin(r.Context(), code, ls.ClientID, ls.ClientSecret)
	if err != nil {
		s.fail(w, err, "Authentication failed")
		return
	}

	if err := s.sessions.SetIdentity(w, user.ID); err != nil {
		s.fail(w, err, "Authentication failed")
		return
	}

	s.logger.Info("user connected", "user", user.ID, "spotify", user.SpotifyID)
	http.Redirect(w, r, "/dashboard?uid="+url.QueryEscape(user.ID), http.StatusSeeOther)
}

func (s *Service) completeLogin(ctx context.Context, code, clientID, clientSecret string) (*models.User, error) {
	tokens, err := s.Exchange(ctx, code, clientID, clientSecret)
	if err != nil {
		return nil, err
	}

	profile, err := s.FetchProfile(ctx, tokens.AccessToken)
	if err != nil {
		return nil, err
	}

	user, err := s.store.GetUserBySpotifyID(ctx, profile.ID)
	if err != nil {
		return nil, fmt.Errorf("looking up spotify user %s: %w", profile.ID, err)
	}

	if user == nil {
		id, err := s.store.NewUserID(ctx)
		if err != nil {
			return nil, err
		}
		user = &models.User{ID: id, SpotifyID: profile.ID}
	}

	user.DisplayName = profile.DisplayName
	user.AccessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		user.RefreshToken = tokens.RefreshToken
	}
	user.ExpiresAt = tokens.ExpiresAt
	user.ClientID = clientID
	user.ClientSecret = clientSecret

	if err := s.store.SaveUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// fail logs the whole chain and answers with the mapped status.
func (s *Service) fail(w http.ResponseWriter, err error, msg string) {
	status := apperror.Status(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(msg, "error", fmt.Sprintf("%+v", err))
	} else {
		s.logger.Warn(msg, "error", err)
	}
	http.Error(w, msg, status)
}
