package core

import (
	"time"
)

// Label is the verdict attached to a case
type Label string

const (
	LabelSafe     Label = "Safe"
	LabelPhishing Label = "Phishing"
	LabelUnknown  Label = "Unknown"
)

// DatasetLabel returns the binary training label for a verdict
func (l Label) DatasetLabel() int {
	if l == LabelPhishing {
		return 1
	}
	return 0
}

// DeliveryStatus tracks what happened to the outgoing copy of a case
type DeliveryStatus string

const (
	DeliveryPending     DeliveryStatus = "pending"
	DeliveryDelivered   DeliveryStatus = "delivered"
	DeliveryUndelivered DeliveryStatus = "undelivered"
	DeliveryHeld        DeliveryStatus = "held"
	DeliveryReleased    DeliveryStatus = "released"
	DeliveryAborted     DeliveryStatus = "aborted"
)

// Envelope is the SMTP envelope of an inbound message
type Envelope struct {
	From string
	To   []string
}

// Attachment is a decoded attachment payload
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// InboundMessage represents a message for the duration of one pipeline run
type InboundMessage struct {
	Envelope    Envelope
	Raw         []byte
	From        string
	To          string
	Subject     string
	Date        string
	Body        string
	Attachments []Attachment

	// ParseErr is set when the MIME structure could not be parsed; Raw is still valid
	ParseErr error
}

// AttachmentNames returns the filenames of all attachments
func (m *InboundMessage) AttachmentNames() []string {
	names := make([]string, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		names = append(names, a.Filename)
	}
	return names
}

// FeatureVector is a numeric vector aligned by name to the trained schema
type FeatureVector struct {
	Names  []string
	Values []float64
}

// Len returns the number of features
func (v FeatureVector) Len() int {
	return len(v.Values)
}

// APTAttribution is the outcome of rule-based threat attribution
type APTAttribution struct {
	Groups     string
	Techniques string
	Tactics    string
}

const (
	attributionUnknown = "Unknown"
	attributionNA      = "N/A"
)

// UnknownAttribution is returned when no corpus pattern matched
func UnknownAttribution() APTAttribution {
	return APTAttribution{Groups: attributionUnknown, Techniques: attributionUnknown, Tactics: attributionUnknown}
}

// NotApplicableAttribution is stored for messages that were not attributed
func NotApplicableAttribution() APTAttribution {
	return APTAttribution{Groups: attributionNA, Techniques: attributionNA, Tactics: attributionNA}
}

// SanitizationResult is the rewritten body of a flagged message
type SanitizationResult struct {
	Body               string
	LinksRemoved       bool
	AttachmentsRemoved bool
}

// Analysis is the combined result of the pure pipeline stages
type Analysis struct {
	Features     *Features
	Vector       FeatureVector
	Label        Label
	Attribution  APTAttribution
	Sanitization SanitizationResult
}

// Features holds the named structural features and the term-weight block
type Features struct {
	URLs                 float64
	URLCount             float64
	URLSubdomainCount    float64
	URLDigitCount        float64
	WordEntropy          float64
	PhishingKeywordCount float64
	EmailLength          float64
	AvgWordLength        float64
	TermWeights          map[string]float64
}

// CaseRecord is the persistent audit record of one processed message
type CaseRecord struct {
	ID                 int64
	Sender             string
	Recipient          string
	Subject            string
	EnvelopeFrom       string
	EnvelopeTo         []string
	Label              Label
	APTGroups          string
	Techniques         string
	Tactics            string
	LinksRemoved       bool
	AttachmentsRemoved bool
	Delivery           DeliveryStatus
	Digest             string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	ReleasedAt         *time.Time
}

// CaseOutcome carries the fields set when a case is finalized
type CaseOutcome struct {
	Label              Label
	Attribution        APTAttribution
	LinksRemoved       bool
	AttachmentsRemoved bool
	Delivery           DeliveryStatus
	Digest             string

	// URLs is the url-presence flag written to the dataset entry
	URLs int
}

// DatasetEntry is the label-correctable training row paired 1:1 with a case
type DatasetEntry struct {
	CaseID   int64
	Sender   string
	Receiver string
	Date     string
	Subject  string
	Body     string
	URLs     int
	Label    int
}

// FeatureSnapshot is the serialized feature row stored per case
type FeatureSnapshot struct {
	CaseID               int64
	URLs                 int
	URLCount             int
	URLSubdomainCount    int
	URLDigitCount        int
	WordEntropy          float64
	PhishingKeywordCount int
	EmailLength          int
	AvgWordLength        float64
	Label                int
	TermWeights          map[string]float64
}

// NewFeatureSnapshot converts extracted features into a storable row
func NewFeatureSnapshot(caseID int64, f *Features, label Label) *FeatureSnapshot {
	return &FeatureSnapshot{
		CaseID:               caseID,
		URLs:                 int(f.URLs),
		URLCount:             int(f.URLCount),
		URLSubdomainCount:    int(f.URLSubdomainCount),
		URLDigitCount:        int(f.URLDigitCount),
		WordEntropy:          f.WordEntropy,
		PhishingKeywordCount: int(f.PhishingKeywordCount),
		EmailLength:          int(f.EmailLength),
		AvgWordLength:        f.AvgWordLength,
		Label:                label.DatasetLabel(),
		TermWeights:          f.TermWeights,
	}
}

// QuarantineSnapshot is the archived original of a case
type QuarantineSnapshot struct {
	CaseID      int64
	Envelope    Envelope
	Raw         []byte
	Attachments []Attachment
	Digest      string
	StoredAt    time.Time
}

// CaseStats summarizes the case table
type CaseStats struct {
	Total         int64
	PhishingCount int64
	SafeCount     int64
	UnknownCount  int64
	Recent        []*CaseRecord
}
