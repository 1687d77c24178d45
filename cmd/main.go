package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/beebombshell/nowplaying/cache"
	"github.com/beebombshell/nowplaying/config"
	"github.com/beebombshell/nowplaying/db"
	"github.com/beebombshell/nowplaying/models"
	"github.com/beebombshell/nowplaying/oauth"
	"github.com/beebombshell/nowplaying/pages"
	"github.com/beebombshell/nowplaying/service/playingnow"
	"github.com/beebombshell/nowplaying/service/spotify"
	"github.com/beebombshell/nowplaying/session"
	"github.com/charmbracelet/log"
	"github.com/spf13/viper"
)

type application struct {
	database   *db.DB
	sessions   *session.Manager
	oauth      *oauth.Service
	spotify    *spotify.Client
	playingNow *playingnow.Service
	pages      *pages.Pages
	logger     *log.Logger
	rootURL    string
}

// JSON API handlers

func jsonResponse(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func newLogger() *log.Logger {
	level, err := log.ParseLevel(viper.GetString("log.level"))
	if err != nil {
		level = log.InfoLevel
	}
	return log.NewWithOptions(os.Stdout, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
		Level:           level,
	})
}

func main() {
	if err := config.Load(); err != nil {
		log.Fatal("configuration error", "error", err)
	}

	logger := newLogger()
	if err := run(logger); err != nil {
		logger.Fatal("server stopped", "error", err)
	}
}

func run(logger *log.Logger) error {
	sealer, err := db.NewSealer(viper.GetString("db.encryption_key"))
	if err != nil {
		return fmt.Errorf("encryption key: %w", err)
	}

	database, err := db.New(viper.GetString("db.path"),
		db.WithSealer(sealer),
		db.WithLogger(logger.WithPrefix("db")),
	)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer database.Close()

	if err := database.Initialize(); err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}

	upstreamClient := &http.Client{Timeout: viper.GetDuration("upstream.timeout")}

	sessions := session.NewManager(
		viper.GetString("cookie.secret"),
		viper.GetBool("cookie.secure"),
		session.WithLogger(logger.WithPrefix("session")),
	)

	oauthService := oauth.NewService(oauth.Config{
		AuthURL:      viper.GetString("spotify.auth_url"),
		TokenURL:     viper.GetString("spotify.token_url"),
		APIURL:       viper.GetString("spotify.api_url"),
		RedirectURL:  viper.GetString("callback.spotify"),
		Scopes:       config.Scopes(),
		ClientID:     viper.GetString("spotify.client_id"),
		ClientSecret: viper.GetString("spotify.client_secret"),
	}, database, sessions,
		oauth.WithHTTPClient(upstreamClient),
		oauth.WithLogger(logger.WithPrefix("oauth")),
	)

	spotifyClient := spotify.NewClient(
		spotify.WithHTTPClient(upstreamClient),
		spotify.WithBaseURL(viper.GetString("spotify.api_url")),
		spotify.WithRateLimit(viper.GetFloat64("upstream.requests_per_second")),
		spotify.WithLogger(logger.WithPrefix("spotify")),
	)

	memo := cache.NewTTL[string, *models.Snapshot](
		viper.GetDuration("nowplaying.cache_ttl"),
		cache.WithMaxEntries[string, *models.Snapshot](viper.GetInt("nowplaying.cache_max_entries")),
	)
	stopJanitor := make(chan struct{})
	defer close(stopJanitor)
	go memo.StartJanitor(time.Minute, stopJanitor)

	playingNowService := playingnow.NewPlayingNowService(database, oauthService, spotifyClient, memo,
		playingnow.WithLogger(logger.WithPrefix("playingnow")),
	)

	app := &application{
		database:   database,
		sessions:   sessions,
		oauth:      oauthService,
		spotify:    spotifyClient,
		playingNow: playingNowService,
		pages:      pages.NewPages(pages.WithCleanTitles(viper.GetBool("widget.clean_titles"))),
		logger:     logger.WithPrefix("http"),
		rootURL:    viper.GetString("server.root_url"),
	}

	serverAddr := fmt.Sprintf("%s:%s", viper.GetString("server.host"), viper.GetString("server.port"))
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      app.routes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server running", "addr", "http://"+serverAddr, "single_tenant", oauthService.SingleTenant())
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
