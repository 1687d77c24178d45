package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	_ "github.com/mattn/go-sqlite3"
)

// DB is a wrapper around sql.DB holding the credential store.
type DB struct {
	*sql.DB
	sealer Sealer
	logger *log.Logger
	now    func() time.Time
}

type Option func(*DB)

// WithSealer encrypts token and secret columns at rest.
func WithSealer(s Sealer) Option {
	return func(db *DB) { db.sealer = s }
}

func WithLogger(l *log.Logger) Option {
	return func(db *DB) { db.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(db *DB) { db.now = now }
}

// New opens the SQLite database at dbPath, creating its directory if needed.
func New(dbPath string, opts ...Option) (*DB, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if dir != "." && dir != "/" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
	}

	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	// every :memory: connection is its own database
	if dbPath == ":memory:" {
		conn.SetMaxOpenConns(1)
	}

	if err = conn.Ping(); err != nil {
		conn.Close()
		return nil, err
	}

	db := &DB{
		DB:     conn,
		sealer: plainSealer{},
		logger: log.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(db)
	}
	return db, nil
}

// Initialize sets up the database tables
func (db *DB) Initialize() error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		spotify_id TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		access_token TEXT NOT NULL DEFAULT '',
		refresh_token TEXT NOT NULL DEFAULT '',
		expires_at INTEGER NOT NULL DEFAULT 0, -- epoch milliseconds
		client_id TEXT NOT NULL DEFAULT '',
		client_secret TEXT NOT NULL DEFAULT '',
		last_played TEXT, -- JSON, NULL until something was observed
		created_at TIMESTAMP,
		updated_at TIMESTAMP
	)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS retired_user_ids (
		id TEXT PRIMARY KEY,
		retired_at TIMESTAMP
	)`)
	if err != nil {
		return err
	}

	db.logger.Debug("schema ready")
	return nil
}
