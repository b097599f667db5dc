// Package storage persists registered users, their devices, and their
// keyword subscriptions in Postgres.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	// Postgres driver.
	_ "github.com/lib/pq"

	"chatty-notifier/pkg/notifier"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id                BIGSERIAL PRIMARY KEY,
	name              TEXT NOT NULL UNIQUE,
	password          TEXT NOT NULL DEFAULT '',
	notify_on_mention BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE UNIQUE INDEX IF NOT EXISTS users_name_lower ON users (LOWER(name));

CREATE TABLE IF NOT EXISTS devices (
	id      BIGSERIAL PRIMARY KEY,
	user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	uri     TEXT NOT NULL UNIQUE,
	name    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS keywords (
	id      BIGSERIAL PRIMARY KEY,
	user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	word    TEXT NOT NULL,
	UNIQUE (user_id, word)
);
`

// Store wraps the user database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open connects to Postgres and ensures the schema exists.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}

	logger.Info("User database ready")
	return &Store{db: db, logger: logger}, nil
}

// New wraps an existing database handle; the schema is assumed to exist.
func New(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// FindUserByName looks up a user by name, case-insensitively. A missing
// user returns (nil, nil); the matcher treats that as "no match".
func (s *Store) FindUserByName(ctx context.Context, name string) (*notifier.User, error) {
	user := &notifier.User{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, notify_on_mention FROM users WHERE LOWER(name) = LOWER($1)`,
		name).Scan(&user.ID, &user.Name, &user.NotifyOnMention)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user %q: %w", name, err)
	}
	return user, nil
}

// MentionUsernames returns the names of all users who asked to be alerted
// when their name appears in a post.
func (s *Store) MentionUsernames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM users WHERE notify_on_mention ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("mention usernames: %w", err)
	}
	return scanStrings(rows)
}

// AllKeywords returns every distinct subscribed keyword.
func (s *Store) AllKeywords(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT word FROM keywords ORDER BY word`)
	if err != nil {
		return nil, fmt.Errorf("all keywords: %w", err)
	}
	return scanStrings(rows)
}

// UsersSubscribedToWord returns the users subscribed to a keyword.
func (s *Store) UsersSubscribedToWord(ctx context.Context, word string) ([]*notifier.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT u.id, u.name, u.notify_on_mention
		 FROM users u JOIN keywords k ON k.user_id = u.id
		 WHERE LOWER(k.word) = LOWER($1)
		 ORDER BY u.name`, word)
	if err != nil {
		return nil, fmt.Errorf("users subscribed to %q: %w", word, err)
	}
	defer closeRows(rows, s.logger)

	var users []*notifier.User
	for rows.Next() {
		user := &notifier.User{}
		if err := rows.Scan(&user.ID, &user.Name, &user.NotifyOnMention); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// DevicesForUser returns all push targets registered to a user.
func (s *Store) DevicesForUser(ctx context.Context, userID int64) ([]notifier.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT uri, name FROM devices WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("devices for user %d: %w", userID, err)
	}
	defer closeRows(rows, s.logger)

	var devices []notifier.Device
	for rows.Next() {
		var d notifier.Device
		if err := rows.Scan(&d.URI, &d.Name); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// DeleteDeviceByURI drops a device record. Deleting an unknown URI is not
// an error; the push backend may report the same dead channel repeatedly.
func (s *Store) DeleteDeviceByURI(ctx context.Context, uri string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE uri = $1`, uri)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		s.logger.Info("Device deleted", "uri", uri)
	}
	return nil
}

// EnsureUser creates or updates a user record and returns it. The password
// is kept for posting replies to the forum on the user's behalf.
func (s *Store) EnsureUser(ctx context.Context, name, password string) (*notifier.User, error) {
	user := &notifier.User{}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO users (name, password) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET password = EXCLUDED.password
		 RETURNING id, name, notify_on_mention`,
		strings.TrimSpace(name), password).Scan(&user.ID, &user.Name, &user.NotifyOnMention)
	if err != nil {
		return nil, fmt.Errorf("ensure user %q: %w", name, err)
	}
	return user, nil
}

// RegisterDevice attaches a push target to a user, replacing any existing
// registration of the same URI.
func (s *Store) RegisterDevice(ctx context.Context, userID int64, uri, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (user_id, uri, name) VALUES ($1, $2, $3)
		 ON CONFLICT (uri) DO UPDATE SET user_id = EXCLUDED.user_id, name = EXCLUDED.name`,
		userID, uri, name)
	if err != nil {
		return fmt.Errorf("register device: %w", err)
	}
	s.logger.Info("Device registered", "user_id", userID, "uri", uri)
	return nil
}

// AddKeyword subscribes a user to a keyword.
func (s *Store) AddKeyword(ctx context.Context, userID int64, word string) error {
	word = strings.TrimSpace(strings.ToLower(word))
	if word == "" {
		return errors.New("empty keyword")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO keywords (user_id, word) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		userID, word)
	if err != nil {
		return fmt.Errorf("add keyword: %w", err)
	}
	return nil
}

// RemoveKeyword unsubscribes a user from a keyword.
func (s *Store) RemoveKeyword(ctx context.Context, userID int64, word string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM keywords WHERE user_id = $1 AND LOWER(word) = LOWER($2)`,
		userID, word)
	if err != nil {
		return fmt.Errorf("remove keyword: %w", err)
	}
	return nil
}

// SetMentionAlert toggles mention alerts for a user.
func (s *Store) SetMentionAlert(ctx context.Context, userID int64, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET notify_on_mention = $2 WHERE id = $1`, userID, enabled)
	if err != nil {
		return fmt.Errorf("set mention alert: %w", err)
	}
	return nil
}

// UserPassword returns the stored forum password for a user, for posting
// replies on their behalf.
func (s *Store) UserPassword(ctx context.Context, name string) (string, error) {
	var password string
	err := s.db.QueryRowContext(ctx,
		`SELECT password FROM users WHERE LOWER(name) = LOWER($1)`, name).Scan(&password)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("unknown user %q", name)
	}
	if err != nil {
		return "", fmt.Errorf("user password: %w", err)
	}
	return password, nil
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer func() {
		_ = rows.Close()
	}()
	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

func closeRows(rows *sql.Rows, logger *slog.Logger) {
	if err := rows.Close(); err != nil {
		logger.Warn("Failed to close rows", "error", err)
	}
}
