package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mikey/phishguard/internal/core"
	"go.uber.org/zap"
)

const timeLayout = time.RFC3339Nano

const caseColumns = `id, sender, recipient, subject, envelope_from, envelope_to, label, apt_groups,
	techniques, tactics, links_removed, attachments_removed, delivery, digest, created_at, updated_at, released_at`

// sqlStore implements CaseRepository over database/sql. SQLite and MySQL
// share it; they differ only in DDL and connection setup.
type sqlStore struct {
	db     *sql.DB
	driver string
	logger *zap.Logger
	now    func() time.Time
}

func newSQLStore(db *sql.DB, driver string, logger *zap.Logger) *sqlStore {
	return &sqlStore{
		db:     db,
		driver: driver,
		logger: logger,
		now:    time.Now,
	}
}

func (s *sqlStore) migrate(ctx context.Context, statements []string) error {
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate %s schema: %w", s.driver, err)
		}
	}
	return nil
}

// CreateCase inserts the case and its dataset entry in one transaction; the
// identifier comes from the database sequence
func (s *sqlStore) CreateCase(ctx context.Context, record *core.CaseRecord, entry *core.DatasetEntry) (int64, error) {
	envelopeTo, err := json.Marshal(record.EnvelopeTo)
	if err != nil {
		return 0, storageErr("encode envelope", err)
	}

	created := record.CreatedAt
	if created.IsZero() {
		created = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("begin transaction", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO cases (sender, recipient, subject, envelope_from, envelope_to, label, apt_groups,
			techniques, tactics, links_removed, attachments_removed, delivery, digest, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, record.Sender, record.Recipient, record.Subject, record.EnvelopeFrom, string(envelopeTo),
		string(record.Label), record.APTGroups, record.Techniques, record.Tactics,
		record.LinksRemoved, record.AttachmentsRemoved, string(record.Delivery), record.Digest,
		created.UTC().Format(timeLayout), created.UTC().Format(timeLayout))
	if err != nil {
		return 0, storageErr("insert case", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("read case id", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO dataset (case_id, sender, receiver, date, subject, body, urls, label)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, entry.Sender, entry.Receiver, entry.Date, entry.Subject, entry.Body, entry.URLs, entry.Label)
	if err != nil {
		return 0, storageErr("insert dataset entry", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, storageErr("commit case", err)
	}

	s.logger.Debug("Case created", zap.Int64("case_id", id))
	return id, nil
}

// FinalizeCase stores the pipeline outcome and the matching dataset label
func (s *sqlStore) FinalizeCase(ctx context.Context, id int64, outcome core.CaseOutcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE cases SET label = ?, apt_groups = ?, techniques = ?, tactics = ?, links_removed = ?,
			attachments_removed = ?, delivery = ?, digest = ?, updated_at = ?
		WHERE id = ?
	`, string(outcome.Label), outcome.Attribution.Groups, outcome.Attribution.Techniques,
		outcome.Attribution.Tactics, outcome.LinksRemoved, outcome.AttachmentsRemoved,
		string(outcome.Delivery), outcome.Digest, s.now().UTC().Format(timeLayout), id)
	if err != nil {
		return storageErr("finalize case", err)
	}
	if err := requireRow(res, id); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE dataset SET label = ?, urls = ? WHERE case_id = ?`,
		outcome.Label.DatasetLabel(), outcome.URLs, id); err != nil {
		return storageErr("update dataset entry", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit finalize", err)
	}
	return nil
}

// SaveFeatures stores or replaces the feature snapshot of a case
func (s *sqlStore) SaveFeatures(ctx context.Context, snap *core.FeatureSnapshot) error {
	weights, err := json.Marshal(snap.TermWeights)
	if err != nil {
		return storageErr("encode term weights", err)
	}

	_, err = s.db.ExecContext(ctx, `
		REPLACE INTO features (case_id, urls, url_count, url_subdomain_count, url_digit_count, word_entropy,
			phishing_keyword_count, email_length, avg_word_length, label, term_weights)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, snap.CaseID, snap.URLs, snap.URLCount, snap.URLSubdomainCount, snap.URLDigitCount, snap.WordEntropy,
		snap.PhishingKeywordCount, snap.EmailLength, snap.AvgWordLength, snap.Label, string(weights))
	if err != nil {
		return storageErr("save features", err)
	}
	return nil
}

// MarkReleased flips the case to Safe, and its dataset and feature labels to safe
func (s *sqlStore) MarkReleased(ctx context.Context, id int64) error {
	now := s.now().UTC().Format(timeLayout)
	safe := core.LabelSafe.DatasetLabel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE cases SET label = ?, delivery = ?, released_at = ?, updated_at = ? WHERE id = ?
	`, string(core.LabelSafe), string(core.DeliveryReleased), now, now, id)
	if err != nil {
		return storageErr("release case", err)
	}
	if err := requireRow(res, id); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE dataset SET label = ? WHERE case_id = ?`, safe, id); err != nil {
		return storageErr("update dataset entry", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE features SET label = ? WHERE case_id = ?`, safe, id); err != nil {
		return storageErr("update features", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit release", err)
	}
	return nil
}

// GetCase returns a case or ErrNotFound
func (s *sqlStore) GetCase(ctx context.Context, id int64) (*core.CaseRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = ?`, id)
	rec, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("case %d: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get case", err)
	}
	return rec, nil
}

// ListCases returns cases newest first
func (s *sqlStore) ListCases(ctx context.Context, limit int) ([]*core.CaseRecord, error) {
	query := `SELECT ` + caseColumns + ` FROM cases ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list cases", err)
	}
	defer rows.Close()

	records := []*core.CaseRecord{}
	for rows.Next() {
		rec, err := scanCase(rows)
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
func (s *sqlStore) Stats(ctx context.Context, recent int) (*core.CaseStats, error) {
	stats := &core.CaseStats{}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN label = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN label = ? THEN 1 ELSE 0 END), 0)
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
func (s *sqlStore) Dataset(ctx context.Context, id int64) (*core.DatasetEntry, error) {
	var e core.DatasetEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT case_id, sender, receiver, date, subject, body, urls, label FROM dataset WHERE case_id = ?
	`, id).Scan(&e.CaseID, &e.Sender, &e.Receiver, &e.Date, &e.Subject, &e.Body, &e.URLs, &e.Label)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dataset entry %d: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get dataset entry", err)
	}
	return &e, nil
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database", zap.String("driver", s.driver), zap.Error(err))
		return err
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (*core.CaseRecord, error) {
	var (
		rec        core.CaseRecord
		envelopeTo string
		label      string
		delivery   string
		createdAt  string
		updatedAt  string
		releasedAt sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.Sender, &rec.Recipient, &rec.Subject, &rec.EnvelopeFrom, &envelopeTo,
		&label, &rec.APTGroups, &rec.Techniques, &rec.Tactics, &rec.LinksRemoved, &rec.AttachmentsRemoved,
		&delivery, &rec.Digest, &createdAt, &updatedAt, &releasedAt)
	if err != nil {
		return nil, err
	}

	rec.Label = core.Label(label)
	rec.Delivery = core.DeliveryStatus(delivery)
	if envelopeTo != "" {
		if err := json.Unmarshal([]byte(envelopeTo), &rec.EnvelopeTo); err != nil {
			return nil, fmt.Errorf("failed to decode envelope recipients: %w", err)
		}
	}
	if rec.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	if releasedAt.Valid && releasedAt.String != "" {
		t, err := time.Parse(timeLayout, releasedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse released_at: %w", err)
		}
		rec.ReleasedAt = &t
	}
	return &rec, nil
}

func requireRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("case %d: %w", id, core.ErrNotFound)
	}
	return nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %v", core.ErrStorage, op, err)
}
