package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/beebombshell/nowplaying/pages"
	"github.com/justinas/alice"
)

func (app *application) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /static/", pages.Cache(app.pages.Static()))
	mux.HandleFunc("GET /{$}", home(app))
	mux.HandleFunc("GET /healthz", healthz(app))

	// OAuth Routes
	mux.HandleFunc("/login", app.oauth.HandleLogin)
	mux.HandleFunc("GET /callback", app.oauth.HandleCallback)

	// Web Routes
	mux.HandleFunc("GET /dashboard", dashboard(app))
	mux.HandleFunc("GET /logout", logout(app))
	mux.HandleFunc("POST /revoke", revoke(app))

	// Public embed routes
	mux.HandleFunc("GET /now-playing", nowPlaying(app))
	mux.HandleFunc("GET /api/v1/now-playing", apiNowPlaying(app))

	standard := alice.New(app.recoverPanic, app.logRequest, app.sessions.WithIdentity)
	return standard.Then(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (app *application) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		app.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (app *application) recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				w.Header().Set("Connection", "close")
				app.logger.Error("panic serving request", "path", r.URL.Path, "error", fmt.Sprint(err))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
