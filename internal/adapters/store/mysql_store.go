package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
)

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS cases (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		sender VARCHAR(320) NOT NULL DEFAULT '',
		recipient VARCHAR(1024) NOT NULL DEFAULT '',
		subject TEXT NOT NULL,
		envelope_from VARCHAR(320) NOT NULL DEFAULT '',
		envelope_to TEXT NOT NULL,
		label VARCHAR(16) NOT NULL,
		apt_groups TEXT NOT NULL,
		techniques TEXT NOT NULL,
		tactics TEXT NOT NULL,
		links_removed BOOLEAN NOT NULL DEFAULT FALSE,
		attachments_removed BOOLEAN NOT NULL DEFAULT FALSE,
		delivery VARCHAR(16) NOT NULL,
		digest VARCHAR(64) NOT NULL DEFAULT '',
		created_at VARCHAR(40) NOT NULL,
		updated_at VARCHAR(40) NOT NULL,
		released_at VARCHAR(40) NULL,
		INDEX idx_cases_label (label)
	)`,
	`CREATE TABLE IF NOT EXISTS dataset (
		case_id BIGINT PRIMARY KEY,
		sender VARCHAR(320) NOT NULL DEFAULT '',
		receiver VARCHAR(1024) NOT NULL DEFAULT '',
		date VARCHAR(128) NOT NULL DEFAULT '',
		subject TEXT NOT NULL,
		body MEDIUMTEXT NOT NULL,
		urls INT NOT NULL DEFAULT 0,
		label INT NOT NULL DEFAULT 0,
		FOREIGN KEY (case_id) REFERENCES cases(id)
	)`,
	`CREATE TABLE IF NOT EXISTS features (
		case_id BIGINT PRIMARY KEY,
		urls INT NOT NULL,
		url_count INT NOT NULL,
		url_subdomain_count INT NOT NULL,
		url_digit_count INT NOT NULL,
		word_entropy DOUBLE NOT NULL,
		phishing_keyword_count INT NOT NULL,
		email_length INT NOT NULL,
		avg_word_length DOUBLE NOT NULL,
		label INT NOT NULL,
		term_weights MEDIUMTEXT NOT NULL,
		FOREIGN KEY (case_id) REFERENCES cases(id)
	)`,
}

// MySQLStore is a MySQL implementation of the CaseRepository interface
type MySQLStore struct {
	*sqlStore
}

// NewMySQLStore connects to MySQL and creates the tables if needed
func NewMySQLStore(dsn string, logger *zap.Logger) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL database: %w", err)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to MySQL database: %w", err)
	}

	s := newSQLStore(db, "mysql", logger)
	if err := s.migrate(ctx, mysqlSchema); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("MySQL case store ready")
	return &MySQLStore{sqlStore: s}, nil
}
