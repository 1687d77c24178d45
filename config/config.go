package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
)

// DefaultScopes are the Spotify scopes the widget needs.
var DefaultScopes = []string{
	spotifyauth.ScopeUserReadCurrentlyPlaying,
	spotifyauth.ScopeUserReadPlaybackState,
	spotifyauth.ScopeUserReadPrivate,
	spotifyauth.ScopeUserReadRecentlyPlayed,
}

// legacy environment names accepted next to the dotted keys
var envAliases = map[string][]string{
	"server.port":           {"PORT"},
	"callback.spotify":      {"REDIRECT_URI"},
	"spotify.client_id":     {"SPOTIFY_CLIENT_ID"},
	"spotify.client_secret": {"SPOTIFY_CLIENT_SECRET", "SPOTIFY_SECRET_ID"},
	"cookie.secret":         {"COOKIE_SECRET"},
}

var requiredVars = []string{"cookie.secret"}

// Load initializes the configuration with viper
func Load() error {
	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file found, using defaults and environment variables")
	}

	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.root_url", "http://localhost:8080")
	viper.SetDefault("callback.spotify", "http://localhost:8080/callback")
	viper.SetDefault("spotify.auth_url", spotifyauth.AuthURL)
	viper.SetDefault("spotify.token_url", spotifyauth.TokenURL)
	viper.SetDefault("spotify.api_url", "https://api.spotify.com/v1/")
	viper.SetDefault("spotify.scopes", strings.Join(DefaultScopes, " "))
	viper.SetDefault("db.path", "./data/nowplaying.db")
	viper.SetDefault("cookie.secure", false)
	viper.SetDefault("nowplaying.cache_ttl", 30*time.Second)
	viper.SetDefault("nowplaying.cache_max_entries", 10000)
	viper.SetDefault("upstream.timeout", 5*time.Second)
	viper.SetDefault("upstream.requests_per_second", 0)
	viper.SetDefault("widget.clean_titles", true)
	viper.SetDefault("log.level", "info")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, names := range envAliases {
		if err := viper.BindEnv(append([]string{key, envName(key)}, names...)...); err != nil {
			return fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("reading config file: %w", err)
		}
		log.Debug("config file not found, using defaults and environment variables")
	} else {
		log.Info("using config file", "path", viper.ConfigFileUsed())
	}

	return checkRequired()
}

func checkRequired() error {
	missingVars := []string{}
	for _, v := range requiredVars {
		if viper.GetString(v) == "" {
			missingVars = append(missingVars, v)
		}
	}

	if len(missingVars) > 0 {
		return fmt.Errorf("required configuration variables not set: %s", strings.Join(missingVars, ", "))
	}
	return nil
}

// SingleTenant reports whether the operator configured one Spotify app for
// everybody, in which case users are never asked for app credentials.
func SingleTenant() bool {
	return viper.GetString("spotify.client_id") != "" && viper.GetString("spotify.client_secret") != ""
}

// Scopes splits spotify.scopes on whitespace.
func Scopes() []string {
	return strings.Fields(viper.GetString("spotify.scopes"))
}

func envName(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}
