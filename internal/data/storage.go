package data

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"keycloak-portal/internal/platform"

	_ "modernc.org/sqlite"
)

// SQLiteStorage persists browser storage partitions, one per browser session.
type SQLiteStorage struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStorage opens (or creates) the storage database at dbPath.
// Use ":memory:" for an ephemeral store.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	// 确保目录存在
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS browser_sessions (
			id TEXT PRIMARY KEY,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			last_seen INTEGER NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create browser_sessions table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS browser_storage (
			session_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (session_id, key),
			FOREIGN KEY (session_id) REFERENCES browser_sessions(id) ON DELETE CASCADE
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create browser_storage table: %w", err)
	}

	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_browser_sessions_last_seen ON browser_sessions(last_seen)"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create last_seen index: %w", err)
	}

	return &SQLiteStorage{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Partition returns the storage bound to sessionID.
func (s *SQLiteStorage) Partition(sessionID string) platform.Storage {
	return &partition{store: s, sessionID: sessionID}
}

// PurgeIdle deletes sessions not seen since the cutoff, with their storage.
func (s *SQLiteStorage) PurgeIdle(ctx context.Context, idle time.Duration) (int64, error) {
	cutoff := s.now().Add(-idle).Unix()
	res, err := s.db.ExecContext(ctx, "DELETE FROM browser_sessions WHERE last_seen < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge idle sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RunJanitor purges idle sessions every interval until ctx is done.
func (s *SQLiteStorage) RunJanitor(ctx context.Context, logger *slog.Logger, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PurgeIdle(ctx, idle)
			if err != nil {
				logger.Warn("storage janitor failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("purged idle browser sessions", "count", n)
			}
		}
	}
}

func (s *SQLiteStorage) touch(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO browser_sessions (id, last_seen) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET last_seen = excluded.last_seen
	`, sessionID, s.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// seen refreshes last_seen of an existing session.
func (s *SQLiteStorage) seen(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE browser_sessions SET last_seen = ? WHERE id = ?", s.now().Unix(), sessionID); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

type partition struct {
	store     *SQLiteStorage
	sessionID string
}

func (p *partition) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := p.store.db.QueryRowContext(ctx,
		"SELECT value FROM browser_storage WHERE session_id = ? AND key = ?",
		p.sessionID, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	// reads keep the session alive for the janitor
	if err := p.store.seen(ctx, p.sessionID); err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (p *partition) Set(ctx context.Context, key, value string) error {
	if err := p.store.touch(ctx, p.sessionID); err != nil {
		return err
	}
	_, err := p.store.db.ExecContext(ctx, `
		INSERT INTO browser_storage (session_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, p.sessionID, key, value, p.store.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (p *partition) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if _, err := p.store.db.ExecContext(ctx,
			"DELETE FROM browser_storage WHERE session_id = ? AND key = ?",
			p.sessionID, key,
		); err != nil {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
	}
	return nil
}

func (p *partition) Clear(ctx context.Context) error {
	// CASCADE 会自动删除关联的 storage
	if _, err := p.store.db.ExecContext(ctx, "DELETE FROM browser_sessions WHERE id = ?", p.sessionID); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}
