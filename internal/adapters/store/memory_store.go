package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mikey/phishguard/internal/core"
	"go.uber.org/zap"
)

// MemoryStore is an in-memory implementation of the CaseRepository interface
type MemoryStore struct {
	mu       sync.RWMutex
	nextID   int64
	cases    map[int64]*core.CaseRecord
	dataset  map[int64]*core.DatasetEntry
	features map[int64]*core.FeatureSnapshot
	logger   *zap.Logger
	now      func() time.Time
}

// NewMemoryStore creates a new in-memory case store
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		cases:    make(map[int64]*core.CaseRecord),
		dataset:  make(map[int64]*core.DatasetEntry),
		features: make(map[int64]*core.FeatureSnapshot),
		logger:   logger,
		now:      time.Now,
	}
}

// CreateCase allocates the next identifier and stores the record with its dataset entry
func (s *MemoryStore) CreateCase(ctx context.Context, record *core.CaseRecord, entry *core.DatasetEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID

	rec := *record
	rec.ID = id
	rec.EnvelopeTo = append([]string(nil), record.EnvelopeTo...)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	rec.UpdatedAt = rec.CreatedAt
	s.cases[id] = &rec

	ent := *entry
	ent.CaseID = id
	s.dataset[id] = &ent

	s.logger.Debug("Case created", zap.Int64("case_id", id))
	return id, nil
}

// FinalizeCase stores the pipeline outcome
func (s *MemoryStore) FinalizeCase(ctx context.Context, id int64, outcome core.CaseOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.cases[id]
	if !ok {
		return fmt.Errorf("case %d: %w", id, core.ErrNotFound)
	}

	rec.Label = outcome.Label
	rec.APTGroups = outcome.Attribution.Groups
	rec.Techniques = outcome.Attribution.Techniques
	rec.Tactics = outcome.Attribution.Tactics
	rec.LinksRemoved = outcome.LinksRemoved
	rec.AttachmentsRemoved = outcome.AttachmentsRemoved
	rec.Delivery = outcome.Delivery
	rec.Digest = outcome.Digest
	rec.UpdatedAt = s.now()

	if ent, ok := s.dataset[id]; ok {
		ent.Label = outcome.Label.DatasetLabel()
		ent.URLs = outcome.URLs
	}
	return nil
}

// SaveFeatures stores or replaces the feature snapshot of a case
func (s *MemoryStore) SaveFeatures(ctx context.Context, snapshot *core.FeatureSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cases[snapshot.CaseID]; !ok {
		return fmt.Errorf("case %d: %w", snapshot.CaseID, core.ErrNotFound)
	}

	snap := *snapshot
	snap.TermWeights = make(map[string]float64, len(snapshot.TermWeights))
	for k, v := range snapshot.TermWeights {
		snap.TermWeights[k] = v
	}
	s.features[snapshot.CaseID] = &snap
	return nil
}

// MarkReleased flips a case to Safe and its dataset label to safe
func (s *MemoryStore) MarkReleased(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.cases[id]
	if !ok {
		return fmt.Errorf("case %d: %w", id, core.ErrNotFound)
	}

	now := s.now()
	rec.Label = core.LabelSafe
	rec.Delivery = core.DeliveryReleased
	rec.ReleasedAt = &now
	rec.UpdatedAt = now

	if ent, ok := s.dataset[id]; ok {
		ent.Label = core.LabelSafe.DatasetLabel()
	}
	if snap, ok := s.features[id]; ok {
		snap.Label = core.LabelSafe.DatasetLabel()
	}
	return nil
}

// GetCase returns a copy of a case
func (s *MemoryStore) GetCase(ctx context.Context, id int64) (*core.CaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.cases[id]
	if !ok {
		return nil, fmt.Errorf("case %d: %w", id, core.ErrNotFound)
	}
	return copyRecord(rec), nil
}

// ListCases returns cases newest first
func (s *MemoryStore) ListCases(ctx context.Context, limit int) ([]*core.CaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.listLocked(limit), nil
}

func (s *MemoryStore) listLocked(limit int) []*core.CaseRecord {
	records := make([]*core.CaseRecord, 0, len(s.cases))
	for id := s.nextID; id > 0; id-- {
		if limit > 0 && len(records) >= limit {
			break
		}
		if rec, ok := s.cases[id]; ok {
			records = append(records, copyRecord(rec))
		}
	}
	return records
}

// Stats counts cases by label
func (s *MemoryStore) Stats(ctx context.Context, recent int) (*core.CaseStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &core.CaseStats{Total: int64(len(s.cases))}
	for _, rec := range s.cases {
		switch rec.Label {
		case core.LabelPhishing:
			stats.PhishingCount++
		case core.LabelSafe:
			stats.SafeCount++
		default:
			stats.UnknownCount++
		}
	}
	if recent > 0 {
		stats.Recent = s.listLocked(recent)
	}
	return stats, nil
}

// Dataset returns a copy of the dataset entry of a case
func (s *MemoryStore) Dataset(ctx context.Context, id int64) (*core.DatasetEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ent, ok := s.dataset[id]
	if !ok {
		return nil, fmt.Errorf("dataset entry %d: %w", id, core.ErrNotFound)
	}
	cp := *ent
	return &cp, nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error {
	return nil
}

func copyRecord(rec *core.CaseRecord) *core.CaseRecord {
	cp := *rec
	cp.EnvelopeTo = append([]string(nil), rec.EnvelopeTo...)
	if rec.ReleasedAt != nil {
		t := *rec.ReleasedAt
		cp.ReleasedAt = &t
	}
	return &cp
}
