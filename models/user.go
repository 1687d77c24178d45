package models

import "time"

// User is the stored credential record for one connected Spotify account.
type User struct {
	ID           string // local id, primary key
	SpotifyID    string
	DisplayName  string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time // stored as epoch milliseconds
	ClientID     string    // bring-your-own-app credentials
	ClientSecret string
	LastPlayed   *LastPlayed
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TokenExpired reports whether the access token must be refreshed before use.
func (u *User) TokenExpired(now time.Time) bool {
	return !now.Before(u.ExpiresAt)
}

// LastPlayed is the last track observed for a user, kept for fallback display.
type LastPlayed struct {
	Track      Track     `json:"track"`
	ObservedAt time.Time `json:"observedAt"`
}
