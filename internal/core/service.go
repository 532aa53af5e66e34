package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mikey/phishguard/internal/metrics"
	"github.com/mikey/phishguard/internal/utils"
	"go.uber.org/zap"
)

// InterceptService owns the case lifecycle: audit record and quarantine
// first, then analysis, relay and finalization, and later release.
type InterceptService struct {
	analyzer   *Analyzer
	cases      CaseRepository
	quarantine QuarantineStore
	relayer    Relayer
	composer   MessageComposer
	locks      *CaseLocks
	logger     *zap.Logger
	now        func() time.Time
}

// NewInterceptService creates a new intercept service
func NewInterceptService(
	analyzer *Analyzer,
	cases CaseRepository,
	quarantine QuarantineStore,
	relayer Relayer,
	composer MessageComposer,
	logger *zap.Logger,
) *InterceptService {
	return &InterceptService{
		analyzer:   analyzer,
		cases:      cases,
		quarantine: quarantine,
		relayer:    relayer,
		composer:   composer,
		locks:      NewCaseLocks(),
		logger:     logger,
		now:        time.Now,
	}
}

// Process runs one message through the pipeline. An error is returned only
// when the message could not be durably captured; every later failure is
// recorded on the case instead.
func (s *InterceptService) Process(ctx context.Context, msg *InboundMessage) (*CaseRecord, error) {
	started := s.now()

	record := &CaseRecord{
		Sender:       msg.From,
		Recipient:    msg.To,
		Subject:      msg.Subject,
		EnvelopeFrom: msg.Envelope.From,
		EnvelopeTo:   msg.Envelope.To,
		Label:        LabelUnknown,
		Delivery:     DeliveryPending,
		CreatedAt:    started,
		UpdatedAt:    started,
	}
	entry := &DatasetEntry{
		Sender:   msg.From,
		Receiver: msg.To,
		Date:     msg.Date,
		Subject:  msg.Subject,
		Body:     utils.FlattenBody(msg.Body),
		Label:    LabelSafe.DatasetLabel(),
	}

	id, err := s.cases.CreateCase(ctx, record, entry)
	if err != nil {
		metrics.StorageErrors.WithLabelValues("create_case").Inc()
		return nil, wrapStorage(fmt.Errorf("failed to create case: %w", err))
	}
	record.ID = id

	unlock := s.locks.Lock(id)
	defer unlock()

	logger := s.logger.With(zap.Int64("case_id", id), zap.String("sender", msg.Envelope.From))

	digest, err := s.quarantine.Store(ctx, &QuarantineSnapshot{
		CaseID:      id,
		Envelope:    msg.Envelope,
		Raw:         msg.Raw,
		Attachments: msg.Attachments,
		StoredAt:    s.now(),
	})
	if err != nil {
		metrics.StorageErrors.WithLabelValues("quarantine").Inc()
		logger.Error("Failed to quarantine message, aborting", zap.Error(err))
		s.finalize(ctx, logger, record, CaseOutcome{
			Label:       LabelUnknown,
			Attribution: NotApplicableAttribution(),
			Delivery:    DeliveryAborted,
		})
		return nil, wrapStorage(fmt.Errorf("failed to quarantine case %d: %w", id, err))
	}
	metrics.PipelineDuration.WithLabelValues("capture").Observe(s.now().Sub(started).Seconds())

	if msg.ParseErr != nil {
		logger.Warn("Message could not be parsed, holding for manual release", zap.Error(msg.ParseErr))
		s.finalize(ctx, logger, record, CaseOutcome{
			Label:       LabelUnknown,
			Attribution: NotApplicableAttribution(),
			Delivery:    DeliveryHeld,
			Digest:      digest,
		})
		return record, nil
	}

	analyzeStart := s.now()
	analysis, err := s.analyzer.Analyze(ctx, msg)
	metrics.PipelineDuration.WithLabelValues("analyze").Observe(s.now().Sub(analyzeStart).Seconds())

	if ferr := s.cases.SaveFeatures(ctx, NewFeatureSnapshot(id, analysis.Features, analysis.Label)); ferr != nil {
		metrics.StorageErrors.WithLabelValues("save_features").Inc()
		logger.Error("Failed to save feature snapshot", zap.Error(ferr))
	}

	if err != nil {
		logger.Error("Classification failed, holding for manual release", zap.Error(err))
		s.finalize(ctx, logger, record, CaseOutcome{
			Label:       LabelUnknown,
			Attribution: NotApplicableAttribution(),
			Delivery:    DeliveryHeld,
			Digest:      digest,
			URLs:        int(analysis.Features.URLs),
		})
		return record, nil
	}

	outcome := CaseOutcome{
		Label:              analysis.Label,
		Attribution:        analysis.Attribution,
		LinksRemoved:       analysis.Sanitization.LinksRemoved,
		AttachmentsRemoved: analysis.Sanitization.AttachmentsRemoved,
		Delivery:           DeliveryDelivered,
		Digest:             digest,
		URLs:               int(analysis.Features.URLs),
	}

	relayStart := s.now()
	if err := s.deliver(ctx, msg, id, analysis); err != nil {
		logger.Error("Failed to deliver message", zap.Error(err))
		outcome.Delivery = DeliveryUndelivered
	}
	metrics.PipelineDuration.WithLabelValues("relay").Observe(s.now().Sub(relayStart).Seconds())

	s.finalize(ctx, logger, record, outcome)

	logger.Info("Message processed",
		zap.String("label", string(outcome.Label)),
		zap.String("apt_groups", outcome.Attribution.Groups),
		zap.Bool("links_removed", outcome.LinksRemoved),
		zap.Bool("attachments_removed", outcome.AttachmentsRemoved),
		zap.String("delivery", string(outcome.Delivery)),
		zap.Duration("elapsed", s.now().Sub(started)))

	return record, nil
}

func (s *InterceptService) deliver(ctx context.Context, msg *InboundMessage, id int64, analysis *Analysis) error {
	phishing := analysis.Label == LabelPhishing
	out, err := s.composer.Compose(msg, id, analysis.Label, analysis.Sanitization.Body, !phishing)
	if err != nil {
		return fmt.Errorf("failed to compose outgoing message: %w", err)
	}
	return s.relayer.Relay(ctx, msg.Envelope.From, msg.Envelope.To, out)
}

// finalize stores the outcome and mirrors it onto record; a failure is logged
// because the message has already been relayed or held at this point
func (s *InterceptService) finalize(ctx context.Context, logger *zap.Logger, record *CaseRecord, outcome CaseOutcome) {
	record.Label = outcome.Label
	record.APTGroups = outcome.Attribution.Groups
	record.Techniques = outcome.Attribution.Techniques
	record.Tactics = outcome.Attribution.Tactics
	record.LinksRemoved = outcome.LinksRemoved
	record.AttachmentsRemoved = outcome.AttachmentsRemoved
	record.Delivery = outcome.Delivery
	record.Digest = outcome.Digest
	record.UpdatedAt = s.now()

	metrics.MessagesTotal.WithLabelValues(string(outcome.Label), string(outcome.Delivery)).Inc()

	if err := s.cases.FinalizeCase(ctx, record.ID, outcome); err != nil {
		metrics.StorageErrors.WithLabelValues("finalize_case").Inc()
		logger.Error("Failed to finalize case", zap.Error(err))
	}
}

// Release re-delivers the quarantined original of a case and marks it Safe.
// Releasing a case that is already Safe and delivered does nothing.
func (s *InterceptService) Release(ctx context.Context, id int64) (*CaseRecord, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	logger := s.logger.With(zap.Int64("case_id", id))

	record, err := s.cases.GetCase(ctx, id)
	if err != nil {
		metrics.ReleasesTotal.WithLabelValues("not_found").Inc()
		return nil, err
	}

	if record.Label == LabelSafe && (record.Delivery == DeliveryDelivered || record.Delivery == DeliveryReleased) {
		logger.Info("Case already delivered as safe, nothing to release")
		metrics.ReleasesTotal.WithLabelValues("noop").Inc()
		return record, nil
	}

	snapshot, err := s.quarantine.Load(ctx, id)
	if err != nil {
		metrics.ReleasesTotal.WithLabelValues("not_found").Inc()
		return nil, err
	}

	from := snapshot.Envelope.From
	to := snapshot.Envelope.To
	if len(to) == 0 {
		from, to = record.EnvelopeFrom, record.EnvelopeTo
	}

	if err := s.relayer.Relay(ctx, from, to, snapshot.Raw); err != nil {
		metrics.ReleasesTotal.WithLabelValues("relay_failed").Inc()
		logger.Error("Failed to relay released message", zap.Error(err))
		if !errors.Is(err, ErrRelay) {
			err = fmt.Errorf("%w: %v", ErrRelay, err)
		}
		return nil, err
	}

	if err := s.cases.MarkReleased(ctx, id); err != nil {
		metrics.ReleasesTotal.WithLabelValues("storage_failed").Inc()
		logger.Error("Message released but case update failed", zap.Error(err))
		return nil, wrapStorage(err)
	}

	metrics.ReleasesTotal.WithLabelValues("released").Inc()
	logger.Info("Case released", zap.String("previous_label", string(record.Label)))

	return s.cases.GetCase(ctx, id)
}

// Case returns a single case record
func (s *InterceptService) Case(ctx context.Context, id int64) (*CaseRecord, error) {
	return s.cases.GetCase(ctx, id)
}

// Cases lists case records newest first
func (s *InterceptService) Cases(ctx context.Context, limit int) ([]*CaseRecord, error) {
	return s.cases.ListCases(ctx, limit)
}

// Stats summarizes case labels with the most recent cases
func (s *InterceptService) Stats(ctx context.Context, recent int) (*CaseStats, error) {
	return s.cases.Stats(ctx, recent)
}

func wrapStorage(err error) error {
	if errors.Is(err, ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStorage, err)
}
