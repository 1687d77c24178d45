package oauth

import (
	"context"
	"time"

	"github.com/beebombshell/nowplaying/models"
)

// Store is the part of the credential store the OAuth flow needs.
type Store interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserBySpotifyID(ctx context.Context, spotifyID string) (*models.User, error)
	SaveUser(ctx context.Context, user *models.User) error
	UpdateUserToken(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error
	NewUserID(ctx context.Context) (string, error)
}

// TokenSet is what a successful exchange or refresh yields.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Profile is the Spotify account behind an access token.
type Profile struct {
	ID          string
	DisplayName string
}
