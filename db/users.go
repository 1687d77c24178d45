package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/beebombshell/nowplaying/apperror"
	"github.com/beebombshell/nowplaying/models"
)

const userColumns = `id, spotify_id, display_name, access_token, refresh_token, expires_at,
	client_id, client_secret, last_played, created_at, updated_at`

// maxIDAttempts bounds NewUserID's collision retries.
const maxIDAttempts = 5

type rowScanner interface {
	Scan(dest ...any) error
}

// GetUser retrieves a user by local id. A missing user is (nil, nil).
func (db *DB) GetUser(ctx context.Context, id string) (*models.User, error) {
	row := db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return db.scanUser(row)
}

// GetUserBySpotifyID retrieves a user by their Spotify ID
func (db *DB) GetUserBySpotifyID(ctx context.Context, spotifyID string) (*models.User, error) {
	row := db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE spotify_id = ?`, spotifyID)
	return db.scanUser(row)
}

// SaveUser inserts the user or replaces every column of the existing row
// with the same id. created_at is kept from the first insert.
func (db *DB) SaveUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		return errors.New("save user: empty id")
	}

	access, err := db.sealer.Seal(user.AccessToken)
	if err != nil {
		return fmt.Errorf("sealing access token: %w", err)
	}
	refresh, err := db.sealer.Seal(user.RefreshToken)
	if err != nil {
		return fmt.Errorf("sealing refresh token: %w", err)
	}
	secret, err := db.sealer.Seal(user.ClientSecret)
	if err != nil {
		return fmt.Errorf("sealing client secret: %w", err)
	}
	lastPlayed, err := marshalLastPlayed(user.LastPlayed)
	if err != nil {
		return err
	}

	now := db.now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	_, err = db.ExecContext(ctx, `
	INSERT INTO users (`+userColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		spotify_id = excluded.spotify_id,
		display_name = excluded.display_name,
		access_token = excluded.access_token,
		refresh_token = excluded.refresh_token,
		expires_at = excluded.expires_at,
		client_id = excluded.client_id,
		client_secret = excluded.client_secret,
		last_played = excluded.last_played,
		updated_at = excluded.updated_at`,
		user.ID, user.SpotifyID, user.DisplayName, access, refresh, user.ExpiresAt.UnixMilli(),
		user.ClientID, secret, lastPlayed, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving user %s: %w", user.ID, err)
	}
	return nil
}

// UpdateUserToken updates a user's Spotify tokens
func (db *DB) UpdateUserToken(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error {
	access, err := db.sealer.Seal(accessToken)
	if err != nil {
		return fmt.Errorf("sealing access token: %w", err)
	}
	refresh, err := db.sealer.Seal(refreshToken)
	if err != nil {
		return fmt.Errorf("sealing refresh token: %w", err)
	}

	res, err := db.ExecContext(ctx, `
	UPDATE users
	SET access_token = ?, refresh_token = ?, expires_at = ?, updated_at = ?
	WHERE id = ?`,
		access, refresh, expiresAt.UnixMilli(), db.now(), id)
	if err != nil {
		return fmt.Errorf("updating token for %s: %w", id, err)
	}
	return requireRow(res, id)
}

// UpdateLastPlayed records the most recent track observed for a user.
func (db *DB) UpdateLastPlayed(ctx context.Context, id string, lp *models.LastPlayed) error {
	raw, err := marshalLastPlayed(lp)
	if err != nil {
		return err
	}

	res, err := db.ExecContext(ctx, `
	UPDATE users SET last_played = ?, updated_at = ? WHERE id = ?`,
		raw, db.now(), id)
	if err != nil {
		return fmt.Errorf("updating last played for %s: %w", id, err)
	}
	return requireRow(res, id)
}

// DeleteUser removes the user and retires the id so it is never issued again.
// Deleting an unknown id is not an error.
func (db *DB) DeleteUser(ctx context.Context, id string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting user %s: %w", id, err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO retired_user_ids (id, retired_at) VALUES (?, ?)`,
			id, db.now())
		if err != nil {
			return fmt.Errorf("retiring id %s: %w", id, err)
		}
	}

	return tx.Commit()
}

// NewUserID returns a random id that no current or deleted user has held.
func (db *DB) NewUserID(ctx context.Context) (string, error) {
	for range maxIDAttempts {
		buf := make([]byte, 16)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generating user id: %w", err)
		}
		id := hex.EncodeToString(buf)

		var taken bool
		err := db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)
			OR EXISTS(SELECT 1 FROM retired_user_ids WHERE id = ?)`,
			id, id).Scan(&taken)
		if err != nil {
			return "", fmt.Errorf("checking user id: %w", err)
		}
		if !taken {
			return id, nil
		}
		db.logger.Warn("user id collision, retrying", "id", id)
	}
	return "", errors.New("could not allocate a unique user id")
}

func (db *DB) scanUser(row rowScanner) (*models.User, error) {
	var (
		user       models.User
		expiresAt  int64
		lastPlayed sql.NullString
	)

	err := row.Scan(
		&user.ID, &user.SpotifyID, &user.DisplayName,
		&user.AccessToken, &user.RefreshToken, &expiresAt,
		&user.ClientID, &user.ClientSecret, &lastPlayed,
		&user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if user.AccessToken, err = db.sealer.Open(user.AccessToken); err != nil {
		return nil, fmt.Errorf("opening access token: %w", err)
	}
	if user.RefreshToken, err = db.sealer.Open(user.RefreshToken); err != nil {
		return nil, fmt.Errorf("opening refresh token: %w", err)
	}
	if user.ClientSecret, err = db.sealer.Open(user.ClientSecret); err != nil {
		return nil, fmt.Errorf("opening client secret: %w", err)
	}

	user.ExpiresAt = time.UnixMilli(expiresAt)

	if lastPlayed.Valid && lastPlayed.String != "" {
		var lp models.LastPlayed
		if err := json.Unmarshal([]byte(lastPlayed.String), &lp); err != nil {
			// a corrupt snapshot only costs us the fallback
			db.logger.Warn("discarding unreadable last_played", "user", user.ID, "error", err)
		} else {
			user.LastPlayed = &lp
		}
	}

	return &user, nil
}

func marshalLastPlayed(lp *models.LastPlayed) (sql.NullString, error) {
	if lp == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(lp)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encoding last played: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperror.UserNotFound(id)
	}
	return nil
}
