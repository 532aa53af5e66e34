package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mikey/phishguard/internal/core"
	"go.uber.org/zap"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS cases (
		id BIGSERIAL PRIMARY KEY,
		sender TEXT NOT NULL DEFAULT '',
		recipient TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		envelope_from TEXT NOT NULL DEFAULT '',
		envelope_to TEXT[] NOT NULL DEFAULT '{}',
		label TEXT NOT NULL,
		apt_groups TEXT NOT NULL DEFAULT '',
		techniques TEXT NOT NULL DEFAULT '',
		tactics TEXT NOT NULL DEFAULT '',
		links_removed BOOLEAN NOT NULL DEFAULT FALSE,
		attachments_removed BOOLEAN NOT NULL DEFAULT FALSE,
		delivery TEXT NOT NULL,
		digest TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		released_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cases_label ON cases(label)`,
	`CREATE TABLE IF NOT EXISTS dataset (
		case_id BIGINT PRIMARY KEY REFERENCES cases(id),
		sender TEXT NOT NULL DEFAULT '',
		receiver TEXT NOT NULL DEFAULT '',
		date TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		urls INTEGER NOT NULL DEFAULT 0,
		label INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS features (
		case_id BIGINT PRIMARY KEY REFERENCES cases(id),
		urls INTEGER NOT NULL,
		url_count INTEGER NOT NULL,
		url_subdomain_count INTEGER NOT NULL,
		url_digit_count INTEGER NOT NULL,
		word_entropy DOUBLE PRECISION NOT NULL,
		phishing_keyword_count INTEGER NOT NULL,
		email_length INTEGER NOT NULL,
		avg_word_length DOUBLE PRECISION NOT NULL,
		label INTEGER NOT NULL,
		term_weights JSONB NOT NULL
	)`,
}

// PostgresStore is a PostgreSQL implementation of the CaseRepository interface
type PostgresStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
	now    func() time.Time
}

// NewPostgresStore opens a connection pool and creates the tables if needed
func NewPostgresStore(dsn string, maxConns int32, logger *zap.Logger) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
	poolCfg.MaxConnIdleTime = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to migrate postgres schema: %w", err)
		}
	}

	logger.Info("PostgreSQL case store ready", zap.Int32("max_conns", poolCfg.MaxConns))
	return &PostgresStore{db: pool, logger: logger, now: time.Now}, nil
}

// CreateCase inserts the case and dataset entry; the id comes from the BIGSERIAL sequence
func (s *PostgresStore) CreateCase(ctx context.Context, record *core.CaseRecord, entry *core.DatasetEntry) (int64, error) {
	created := record.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	envelopeTo := record.EnvelopeTo
	if envelopeTo == nil {
		envelopeTo = []string{}
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, storageErr("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO cases (sender, recipient, subject, envelope_from, envelope_to, label, apt_groups,
			techniques, tactics, links_removed, attachments_removed, delivery, digest, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
		RETURNING id
	`, record.Sender, record.Recipient, record.Subject, record.EnvelopeFrom, envelopeTo,
		string(record.Label), record.APTGroups, record.Techniques, record.Tactics,
		record.LinksRemoved, record.AttachmentsRemoved, string(record.Delivery), record.Digest, created).Scan(&id)
	if err != nil {
		return 0, storageErr("insert case", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO dataset (case_id, sender, receiver, date, subject, body, urls, label)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, id, entry.Sender, entry.Receiver, entry.Date, entry.Subject, entry.Body, entry.URLs, entry.Label)
	if err != nil {
		return 0, storageErr("insert dataset entry", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, storageErr("commit case", err)
	}
	return id, nil
}

// FinalizeCase stores the pipeline outcome and the matching dataset label
func (s *PostgresStore) FinalizeCase(ctx context.Context, id int64, outcome core.CaseOutcome) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE cases SET label = $1, apt_groups = $2, techniques = $3, tactics = $4, links_removed = $5,
			attachments_removed = $6, delivery = $7, digest = $8, updated_at = $9
		WHERE id = $10
	`, string(outcome.Label), outcome.Attribution.Groups, outcome.Attribution.Techniques,
		outcome.Attribution.Tactics, outcome.LinksRemoved, outcome.AttachmentsRemoved,
		string(outcome.Delivery), outcome.Digest, s.now(), id)
	if err != nil {
		return storageErr("finalize case", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("case %d: %w", id, core.ErrNotFound)
	}

	if _, err := tx.Exec(ctx, `UPDATE dataset SET label = $1, urls = $2 WHERE case_id = $3`,
		outcome.Label.DatasetLabel(), outcome.URLs, id); err != nil {
		return storageErr("update dataset entry", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return storageErr("commit finalize", err)
	}
	return nil
}

// SaveFeatures upserts the feature snapshot of a case
func (s *PostgresStore) SaveFeatures(ctx context.Context, snap *core.FeatureSnapshot) error {
	weights := snap.TermWeights
	if weights == nil {
		weights = map[string]float64{}
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO features (case_id, urls, url_count, url_subdomain_count, url_digit_count, word_entropy,
			phishing_keyword_count, email_length, avg_word_length, label, term_weights)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (case_id) DO UPDATE SET
			urls = EXCLUDED.urls,
			url_count = EXCLUDED.url_count,
			url_subdomain_count = EXCLUDED.url_subdomain_count,
			url_digit_count = EXCLUDED.url_digit_count,
			word_entropy = EXCLUDED.word_entropy,
			phishing_keyword_count = EXCLUDED.phishing_keyword_count,
			email_length = EXCLUDED.email_length,
			avg_word_length = EXCLUDED.avg_word_length,
			label = EXCLUDED.label,
			term_weights = EXCLUDED.term_weights
	`, snap.CaseID, snap.URLs, snap.URLCount, snap.URLSubdomainCount, snap.URLDigitCount, snap.WordEntropy,
		snap.PhishingKeywordCount, snap.EmailLength, snap.AvgWordLength, snap.Label, weights)
	if err != nil {
		return storageErr("save features", err)
	}
	return nil
}

// MarkReleased flips the case to Safe, and its dataset and feature labels to safe
func (s *PostgresStore) MarkReleased(ctx context.Context, id int64) error {
	now := s.now()
	safe := core.LabelSafe.DatasetLabel()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE cases SET label = $1, delivery = $2, released_at = $3, updated_at = $3 WHERE id = $4
	`, string(core.LabelSafe), string(core.DeliveryReleased), now, id)
	if err != nil {
		return storageErr("release case", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("case %d: %w", id, core.ErrNotFound)
	}

	if _, err := tx.Exec(ctx, `UPDATE dataset SET label = $1 WHERE case_id = $2`, safe, id); err != nil {
		return storageErr("update dataset entry", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE features SET label = $1 WHERE case_id = $2`, safe, id); err != nil {
		return storageErr("update features", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return storageErr("commit release", err)
	}
	return nil
}

// GetCase returns a case or ErrNotFound
func (s *PostgresStore) GetCase(ctx context.Context, id int64) (*core.CaseRecord, error) {
	row := s.db.QueryRow(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = $1`, id)
	rec, err := scanPgCase(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("case %d: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get case", err)
	}
	return rec, nil
}

// ListCases returns cases newest first
func (s *PostgresStore) ListCases(ctx context.Context, limit int) ([]*core.CaseRecord, error) {
	query := `SELECT ` + caseColumns + ` FROM cases ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list cases", err)
	}
	defer rows.Close()

	records := []*core.CaseRecord{}
	for rows.Next() {
		rec, err := scanPgCase(rows)
		if err != nil {
			return nil, storageErr("scan case", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list cases", err)
	}
	return records, nil
}

// Stats counts cases by label and returns the most recent ones
func (s *PostgresStore) Stats(ctx context.Context, recent int) (*core.CaseStats, error) {
	stats := &core.CaseStats{}
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE label = $1),
			COUNT(*) FILTER (WHERE label = $2)
		FROM cases
	`, string(core.LabelPhishing), string(core.LabelSafe)).Scan(&stats.Total, &stats.PhishingCount, &stats.SafeCount)
	if err != nil {
		return nil, storageErr("count cases", err)
	}
	stats.UnknownCount = stats.Total - stats.PhishingCount - stats.SafeCount

	if recent > 0 {
		stats.Recent, err = s.ListCases(ctx, recent)
		if err != nil {
			return nil, err
		}
	}
	return stats, nil
}

// Dataset returns the dataset entry of a case
func (s *PostgresStore) Dataset(ctx context.Context, id int64) (*core.DatasetEntry, error) {
	var e core.DatasetEntry
	err := s.db.QueryRow(ctx, `
		SELECT case_id, sender, receiver, date, subject, body, urls, label FROM dataset WHERE case_id = $1
	`, id).Scan(&e.CaseID, &e.Sender, &e.Receiver, &e.Date, &e.Subject, &e.Body, &e.URLs, &e.Label)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("dataset entry %d: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get dataset entry", err)
	}
	return &e, nil
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func scanPgCase(row pgx.Row) (*core.CaseRecord, error) {
	var (
		rec      core.CaseRecord
		label    string
		delivery string
	)
	err := row.Scan(&rec.ID, &rec.Sender, &rec.Recipient, &rec.Subject, &rec.EnvelopeFrom, &rec.EnvelopeTo,
		&label, &rec.APTGroups, &rec.Techniques, &rec.Tactics, &rec.LinksRemoved, &rec.AttachmentsRemoved,
		&delivery, &rec.Digest, &rec.CreatedAt, &rec.UpdatedAt, &rec.ReleasedAt)
	if err != nil {
		return nil, err
	}
	rec.Label = core.Label(label)
	rec.Delivery = core.DeliveryStatus(delivery)
	return &rec, nil
}
