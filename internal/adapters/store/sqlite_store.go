package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS cases (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sender TEXT NOT NULL DEFAULT '',
		recipient TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		envelope_from TEXT NOT NULL DEFAULT '',
		envelope_to TEXT NOT NULL DEFAULT '[]',
		label TEXT NOT NULL,
		apt_groups TEXT NOT NULL DEFAULT '',
		techniques TEXT NOT NULL DEFAULT '',
		tactics TEXT NOT NULL DEFAULT '',
		links_removed BOOLEAN NOT NULL DEFAULT 0,
		attachments_removed BOOLEAN NOT NULL DEFAULT 0,
		delivery TEXT NOT NULL,
		digest TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		released_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cases_label ON cases(label)`,
	`CREATE TABLE IF NOT EXISTS dataset (
		case_id INTEGER PRIMARY KEY REFERENCES cases(id),
		sender TEXT NOT NULL DEFAULT '',
		receiver TEXT NOT NULL DEFAULT '',
		date TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		urls INTEGER NOT NULL DEFAULT 0,
		label INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS features (
		case_id INTEGER PRIMARY KEY REFERENCES cases(id),
		urls INTEGER NOT NULL,
		url_count INTEGER NOT NULL,
		url_subdomain_count INTEGER NOT NULL,
		url_digit_count INTEGER NOT NULL,
		word_entropy REAL NOT NULL,
		phishing_keyword_count INTEGER NOT NULL,
		email_length INTEGER NOT NULL,
		avg_word_length REAL NOT NULL,
		label INTEGER NOT NULL,
		term_weights TEXT NOT NULL
	)`,
}

// SQLiteStore is a SQLite implementation of the CaseRepository interface
type SQLiteStore struct {
	*sqlStore
}

// NewSQLiteStore opens (and creates if needed) the case database at dbPath
func NewSQLiteStore(dbPath string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// a single connection serializes writers and keeps :memory: databases shared
	db.SetMaxOpenConns(1)

	s := newSQLStore(db, "sqlite3", logger)
	if err := s.migrate(context.Background(), sqliteSchema); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("SQLite case store ready", zap.String("path", dbPath))
	return &SQLiteStore{sqlStore: s}, nil
}

func sqliteDSN(path string) string {
	if path == ":memory:" || strings.Contains(path, "?") {
		return path
	}
	return path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
}
