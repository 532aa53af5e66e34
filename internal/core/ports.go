package core

import (
	"context"
)

// Classifier scores an aligned feature vector
type Classifier interface {
	// Classify returns Safe or Phishing for a vector
	Classify(ctx context.Context, vector FeatureVector) (Label, error)

	// FeatureNames returns the feature order the classifier was trained on
	FeatureNames() []string
}

// FeatureExtractor turns a message body into schema-aligned features
type FeatureExtractor interface {
	Extract(body string) *Features
	Align(f *Features) FeatureVector
}

// Attributor maps message content to adversary techniques
type Attributor interface {
	Analyze(body, subject string, attachmentNames []string) APTAttribution
}

// Sanitizer strips links and attachments from flagged messages
type Sanitizer interface {
	Sanitize(body string, hasAttachments bool) SanitizationResult
}

// CaseRepository persists case records, dataset entries and feature snapshots
type CaseRepository interface {
	// CreateCase allocates a new case identifier and stores the record with its dataset entry
	CreateCase(ctx context.Context, record *CaseRecord, entry *DatasetEntry) (int64, error)

	// FinalizeCase stores the pipeline outcome and the matching dataset label
	FinalizeCase(ctx context.Context, id int64, outcome CaseOutcome) error

	// SaveFeatures stores the feature snapshot of a case
	SaveFeatures(ctx context.Context, snapshot *FeatureSnapshot) error

	// MarkReleased flips a case to Safe and its dataset label to safe
	MarkReleased(ctx context.Context, id int64) error

	// GetCase returns a case or ErrNotFound
	GetCase(ctx context.Context, id int64) (*CaseRecord, error)

	// ListCases returns cases newest first; limit <= 0 means all
	ListCases(ctx context.Context, limit int) ([]*CaseRecord, error)

	// Stats returns label counts and the most recent cases
	Stats(ctx context.Context, recent int) (*CaseStats, error)
}

// QuarantineStore archives the original message of every case
type QuarantineStore interface {
	// Store persists the snapshot and returns its content digest
	Store(ctx context.Context, snapshot *QuarantineSnapshot) (string, error)

	// Load returns the snapshot of a case or ErrNotFound
	Load(ctx context.Context, id int64) (*QuarantineSnapshot, error)
}

// Relayer delivers a message to the forwarding relay
type Relayer interface {
	Relay(ctx context.Context, from string, to []string, message []byte) error
}

// MessageComposer builds the outgoing copy of a processed message
type MessageComposer interface {
	Compose(msg *InboundMessage, caseID int64, label Label, body string, keepAttachments bool) ([]byte, error)
}
