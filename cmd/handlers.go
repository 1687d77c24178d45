package main

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"github.com/beebombshell/nowplaying/apperror"
	"github.com/beebombshell/nowplaying/models"
	"github.com/beebombshell/nowplaying/pages"
	"github.com/beebombshell/nowplaying/session"
	"github.com/spf13/viper"
)

func home(app *application) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, loggedIn := session.GetUserID(r.Context())

		params := pages.HomeParams{
			NavBar:       pages.NavBar{IsLoggedIn: loggedIn, UserID: userID},
			SingleTenant: app.oauth.SingleTenant(),
			RedirectURI:  viper.GetString("callback.spotify"),
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := app.pages.Execute("home", w, params); err != nil {
			app.logger.Error("error executing template", "template", "home", "error", err)
		}
	}
}

// requestUserID takes uid from the query string, falling back to the
// identity cookie.
func requestUserID(r *http.Request) (string, error) {
	if uid := strings.TrimSpace(r.URL.Query().Get("uid")); uid != "" {
		return uid, nil
	}
	if uid, ok := session.GetUserID(r.Context()); ok {
		return uid, nil
	}
	return "", apperror.MissingParameter("uid")
}

func httpError(w http.ResponseWriter, err error, msg string) {
	http.Error(w, msg, apperror.Status(err))
}

// resolve never fails: errors are logged and rendered as nothing playing.
func (app *application) resolve(ctx context.Context, userID string) *models.Snapshot {
	snap, err := app.playingNow.Resolve(ctx, userID)
	if err != nil {
		app.logger.Warn("resolving now playing", "user", userID, "error", err)
		return nil
	}
	return snap
}

func (app *application) embedURL(userID, format string) string {
	q := url.Values{"uid": {userID}}
	if format != "" {
		q.Set("format", format)
	}
	return app.rootURL + "/now-playing?" + q.Encode()
}

func dashboard(app *application) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := requestUserID(r)
		if err != nil {
			httpError(w, err, "No UID provided")
			return
		}

		user, err := app.database.GetUser(r.Context(), userID)
		if err != nil {
			app.logger.Error("loading user for dashboard", "user", userID, "error", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if user == nil {
			httpError(w, apperror.UserNotFound(userID), "Unknown user, please connect again")
			return
		}

		var preview bytes.Buffer
		if err := app.pages.Widget(&preview, app.resolve(r.Context(), userID)); err != nil {
			app.logger.Error("error rendering widget", "error", err)
		}

		imageURL := app.embedURL(userID, "")
		cookieID, _ := session.GetUserID(r.Context())
		params := pages.DashboardParams{
			NavBar:      pages.NavBar{IsLoggedIn: cookieID != "", UserID: cookieID},
			DisplayName: user.DisplayName,
			ImageURL:    imageURL,
			WidgetURL:   app.embedURL(userID, "html"),
			Markdown:    fmt.Sprintf("[![Spotify Now Playing](%[1]s)](%[1]s)", imageURL),
			HTMLSnippet: fmt.Sprintf(`<a href="%[1]s"><img src="%[1]s" alt="Spotify Now Playing" width="350" height="114"></a>`, imageURL),
			Preview:     template.HTML(preview.String()),
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := app.pages.Execute("dashboard", w, params); err != nil {
			app.logger.Error("error executing template", "template", "dashboard", "error", err)
		}
	}
}

func noCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
}

// nowPlaying is public and hot-linked from READMEs, so upstream failures
// still render the empty card with a 200.
func nowPlaying(app *application) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := strings.TrimSpace(r.URL.Query().Get("uid"))
		if uid == "" {
			httpError(w, apperror.MissingParameter("uid"), "No UID provided")
			return
		}

		snap := app.resolve(r.Context(), uid)
		noCache(w)

		var buf bytes.Buffer
		switch r.URL.Query().Get("format") {
		case "html":
			if err := app.pages.Widget(&buf, snap); err != nil {
				app.logger.Error("error rendering widget", "error", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
		default:
			albumArt := ""
			if snap != nil && snap.Track.CoverURL() != "" {
				uri, err := app.spotify.ImageDataURI(r.Context(), snap.Track.CoverURL())
				if err != nil {
					app.logger.Debug("inlining album art", "error", err)
				}
				albumArt = uri
			}
			if err := app.pages.Card(&buf, snap, albumArt); err != nil {
				app.logger.Error("error rendering card", "error", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "image/svg+xml; charset=utf-8")
		}

		buf.WriteTo(w)
	}
}

func apiNowPlaying(app *application) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := strings.TrimSpace(r.URL.Query().Get("uid"))
		if uid == "" {
			jsonResponse(w, http.StatusBadRequest, map[string]string{"error": "uid is required"})
			return
		}

		noCache(w)
		jsonResponse(w, http.StatusOK, struct {
			UID      string           `json:"uid"`
			Snapshot *models.Snapshot `json:"snapshot"`
		}{uid, app.resolve(r.Context(), uid)})
	}
}

func logout(app *application) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		app.sessions.ClearIdentity(w)
		http.Redirect(w, r, "/", http.StatusSeeOther)
	}
}

// revoke deletes the connection named by the identity cookie.
func revoke(app *application) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := session.GetUserID(r.Context())
		if !ok {
			httpError(w, apperror.MissingParameter("uid"), "Not connected")
			return
		}

		if err := app.database.DeleteUser(r.Context(), userID); err != nil {
			app.logger.Error("revoking user", "user", userID, "error", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		app.playingNow.Forget(userID)
		app.sessions.ClearIdentity(w)

		app.logger.Info("user revoked", "user", userID)
		http.Redirect(w, r, "/", http.StatusSeeOther)
	}
}

func healthz(app *application) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := app.database.PingContext(r.Context()); err != nil {
			jsonResponse(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
