package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRepo struct {
	mu       sync.Mutex
	next     int64
	cases    map[int64]*CaseRecord
	dataset  map[int64]*DatasetEntry
	features map[int64]*FeatureSnapshot
	failNext error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		cases:    make(map[int64]*CaseRecord),
		dataset:  make(map[int64]*DatasetEntry),
		features: make(map[int64]*FeatureSnapshot),
	}
}

func (r *fakeRepo) CreateCase(_ context.Context, record *CaseRecord, entry *DatasetEntry) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext != nil {
		err := r.failNext
		r.failNext = nil
		return 0, err
	}
	r.next++
	rec := *record
	rec.ID = r.next
	ent := *entry
	ent.CaseID = r.next
	r.cases[r.next] = &rec
	r.dataset[r.next] = &ent
	return r.next, nil
}

func (r *fakeRepo) FinalizeCase(_ context.Context, id int64, o CaseOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.cases[id]
	if !ok {
		return ErrNotFound
	}
	rec.Label = o.Label
	rec.APTGroups, rec.Techniques, rec.Tactics = o.Attribution.Groups, o.Attribution.Techniques, o.Attribution.Tactics
	rec.LinksRemoved, rec.AttachmentsRemoved = o.LinksRemoved, o.AttachmentsRemoved
	rec.Delivery = o.Delivery
	rec.Digest = o.Digest
	r.dataset[id].Label = o.Label.DatasetLabel()
	r.dataset[id].URLs = o.URLs
	return nil
}

func (r *fakeRepo) SaveFeatures(_ context.Context, s *FeatureSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.features[s.CaseID] = s
	return nil
}

func (r *fakeRepo) MarkReleased(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.cases[id]
	if !ok {
		return ErrNotFound
	}
	rec.Label = LabelSafe
	rec.Delivery = DeliveryReleased
	r.dataset[id].Label = 0
	return nil
}

func (r *fakeRepo) GetCase(_ context.Context, id int64) (*CaseRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.cases[id]
	if !ok {
		return nil, fmt.Errorf("case %d: %w", id, ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (r *fakeRepo) ListCases(context.Context, int) ([]*CaseRecord, error) { return nil, nil }

func (r *fakeRepo) Stats(context.Context, int) (*CaseStats, error) { return &CaseStats{}, nil }

type fakeQuarantine struct {
	mu    sync.Mutex
	snaps map[int64]*QuarantineSnapshot
	fail  error
}

func (q *fakeQuarantine) Store(_ context.Context, s *QuarantineSnapshot) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return "", q.fail
	}
	if q.snaps == nil {
		q.snaps = make(map[int64]*QuarantineSnapshot)
	}
	q.snaps[s.CaseID] = s
	return fmt.Sprintf("digest-%d", s.CaseID), nil
}

func (q *fakeQuarantine) Load(_ context.Context, id int64) (*QuarantineSnapshot, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.snaps[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

type relayed struct {
	from    string
	to      []string
	message []byte
}

type fakeRelayer struct {
	mu   sync.Mutex
	sent []relayed
	fail error
}

func (f *fakeRelayer) Relay(_ context.Context, from string, to []string, message []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, relayed{from: from, to: to, message: message})
	return nil
}

type fakeComposer struct{}

func (fakeComposer) Compose(msg *InboundMessage, id int64, label Label, body string, keep bool) ([]byte, error) {
	return []byte(fmt.Sprintf("Subject: (%s) %s\n\n%s\nattachments=%v", label, msg.Subject, body, keep)), nil
}

type keywordExtractor struct{}

func (keywordExtractor) Extract(body string) *Features {
	f := &Features{TermWeights: map[string]float64{}}
	if strings.Contains(body, "http") {
		f.URLs = 1
	}
	if strings.Contains(strings.ToLower(body), "verify") {
		f.PhishingKeywordCount = 1
	}
	return f
}

func (keywordExtractor) Align(f *Features) FeatureVector {
	return FeatureVector{Names: []string{"phishing_keyword_count"}, Values: []float64{f.PhishingKeywordCount}}
}

type thresholdClassifier struct{ err error }

func (c thresholdClassifier) Classify(_ context.Context, v FeatureVector) (Label, error) {
	if c.err != nil {
		return LabelUnknown, c.err
	}
	if v.Values[0] > 0 {
		return LabelPhishing, nil
	}
	return LabelSafe, nil
}

func (thresholdClassifier) FeatureNames() []string { return []string{"phishing_keyword_count"} }

type fixedAttributor struct{}

func (fixedAttributor) Analyze(string, string, []string) APTAttribution {
	return APTAttribution{Groups: "Probably APT29", Techniques: "Spearphishing Link (T1566.002)", Tactics: "Initial Access"}
}

type linkSanitizer struct{}

func (linkSanitizer) Sanitize(body string, hasAttachments bool) SanitizationResult {
	r := SanitizationResult{Body: strings.ReplaceAll(body, "http://evil.example.com/login", "")}
	r.LinksRemoved = r.Body != body
	if r.LinksRemoved {
		r.Body += "\n\n[Removed Links]"
	}
	if hasAttachments {
		r.Body += "\n[Removed Attachments]"
		r.AttachmentsRemoved = true
	}
	return r
}

type harness struct {
	svc        *InterceptService
	repo       *fakeRepo
	quarantine *fakeQuarantine
	relayer    *fakeRelayer
}

func newHarness(classifier Classifier) *harness {
	h := &harness{
		repo:       newFakeRepo(),
		quarantine: &fakeQuarantine{},
		relayer:    &fakeRelayer{},
	}
	analyzer := NewAnalyzer(keywordExtractor{}, classifier, fixedAttributor{}, linkSanitizer{})
	h.svc = NewInterceptService(analyzer, h.repo, h.quarantine, h.relayer, fakeComposer{}, zap.NewNop())
	return h
}

func phishingMessage() *InboundMessage {
	return &InboundMessage{
		Envelope: Envelope{From: "attacker@evil.example.com", To: []string{"victim@corp.example.com"}},
		Raw:      []byte("raw phishing bytes"),
		From:     "attacker@evil.example.com",
		To:       "victim@corp.example.com",
		Subject:  "Urgent Action Required",
		Body:     "Please verify your account at http://evil.example.com/login now",
		Attachments: []Attachment{
			{Filename: "invoice.zip", ContentType: "application/zip", Data: []byte("PK")},
		},
	}
}

func safeMessage() *InboundMessage {
	return &InboundMessage{
		Envelope: Envelope{From: "boss@corp.example.com", To: []string{"team@corp.example.com"}},
		Raw:      []byte("raw safe bytes"),
		From:     "boss@corp.example.com",
		To:       "team@corp.example.com",
		Subject:  "Meeting",
		Body:     "Meeting moved to 3pm, see agenda attached",
		Attachments: []Attachment{
			{Filename: "agenda.pdf", ContentType: "application/pdf", Data: []byte("%PDF")},
		},
	}
}

func TestProcessPhishing(t *testing.T) {
	h := newHarness(thresholdClassifier{})

	rec, err := h.svc.Process(context.Background(), phishingMessage())
	require.NoError(t, err)

	assert.Equal(t, int64(1), rec.ID)
	assert.Equal(t, LabelPhishing, rec.Label)
	assert.Equal(t, DeliveryDelivered, rec.Delivery)
	assert.Equal(t, "Probably APT29", rec.APTGroups)
	assert.True(t, rec.LinksRemoved)
	assert.True(t, rec.AttachmentsRemoved)

	require.Len(t, h.relayer.sent, 1)
	out := string(h.relayer.sent[0].message)
	assert.Contains(t, out, "Subject: (Phishing) Urgent Action Required")
	assert.NotContains(t, out, "http://evil.example.com/login")
	assert.Contains(t, out, "attachments=false")
	assert.Equal(t, []string{"victim@corp.example.com"}, h.relayer.sent[0].to)

	stored, err := h.repo.GetCase(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, LabelPhishing, stored.Label)
	assert.Equal(t, 1, h.repo.dataset[rec.ID].Label)
	assert.Equal(t, 1, h.repo.dataset[rec.ID].URLs)
	assert.Equal(t, 1, h.repo.features[rec.ID].Label)
	assert.NotNil(t, h.quarantine.snaps[rec.ID])
}

func TestProcessSafe(t *testing.T) {
	h := newHarness(thresholdClassifier{})

	rec, err := h.svc.Process(context.Background(), safeMessage())
	require.NoError(t, err)

	assert.Equal(t, LabelSafe, rec.Label)
	assert.Equal(t, NotApplicableAttribution(), APTAttribution{Groups: rec.APTGroups, Techniques: rec.Techniques, Tactics: rec.Tactics})
	assert.False(t, rec.LinksRemoved)
	assert.False(t, rec.AttachmentsRemoved)

	require.Len(t, h.relayer.sent, 1)
	out := string(h.relayer.sent[0].message)
	assert.Contains(t, out, "Subject: (Safe) Meeting")
	assert.Contains(t, out, "attachments=true")
	assert.Equal(t, 0, h.repo.dataset[rec.ID].Label)
}

func TestProcessDatasetBodyIsFlattened(t *testing.T) {
	h := newHarness(thresholdClassifier{})

	msg := safeMessage()
	msg.Body = "Subject: forwarded\n\nline one\n  line two  \n"
	rec, err := h.svc.Process(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "line one line two", h.repo.dataset[rec.ID].Body)
}

func TestProcessQuarantineFailureAborts(t *testing.T) {
	h := newHarness(thresholdClassifier{})
	h.quarantine.fail = errors.New("disk full")

	_, err := h.svc.Process(context.Background(), phishingMessage())
	require.ErrorIs(t, err, ErrStorage)
	assert.Empty(t, h.relayer.sent)

	rec, err := h.repo.GetCase(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, DeliveryAborted, rec.Delivery)
	assert.Equal(t, LabelUnknown, rec.Label)
}

func TestProcessCreateCaseFailure(t *testing.T) {
	h := newHarness(thresholdClassifier{})
	h.repo.failNext = errors.New("database is locked")

	_, err := h.svc.Process(context.Background(), safeMessage())
	require.ErrorIs(t, err, ErrStorage)
	assert.Empty(t, h.relayer.sent)
	assert.Empty(t, h.quarantine.snaps)
}

func TestProcessParseFailureHolds(t *testing.T) {
	h := newHarness(thresholdClassifier{})

	msg := &InboundMessage{
		Envelope: Envelope{From: "x@example.com", To: []string{"y@example.com"}},
		Raw:      []byte("garbage"),
		ParseErr: ErrParse,
	}
	rec, err := h.svc.Process(context.Background(), msg)
	require.NoError(t, err)

	assert.Equal(t, DeliveryHeld, rec.Delivery)
	assert.Equal(t, LabelUnknown, rec.Label)
	assert.Empty(t, h.relayer.sent)
	assert.NotNil(t, h.quarantine.snaps[rec.ID])
}

func TestProcessClassificationFailureHolds(t *testing.T) {
	h := newHarness(thresholdClassifier{err: errors.New("model exploded")})

	rec, err := h.svc.Process(context.Background(), phishingMessage())
	require.NoError(t, err)

	assert.Equal(t, DeliveryHeld, rec.Delivery)
	assert.Equal(t, LabelUnknown, rec.Label)
	assert.Empty(t, h.relayer.sent)
	assert.NotNil(t, h.repo.features[rec.ID])
}

func TestProcessRelayFailureIsUndelivered(t *testing.T) {
	h := newHarness(thresholdClassifier{})
	h.relayer.fail = fmt.Errorf("%w: connection refused", ErrRelay)

	rec, err := h.svc.Process(context.Background(), safeMessage())
	require.NoError(t, err)
	assert.Equal(t, DeliveryUndelivered, rec.Delivery)
	assert.Equal(t, LabelSafe, rec.Label)
}

func TestProcessConcurrentIDsAreUnique(t *testing.T) {
	h := newHarness(thresholdClassifier{})

	const n = 50
	ids := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := safeMessage()
			if i%2 == 0 {
				msg = phishingMessage()
			}
			rec, err := h.svc.Process(context.Background(), msg)
			if assert.NoError(t, err) {
				ids <- rec.ID
			}
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
	for id := int64(1); id <= n; id++ {
		assert.True(t, seen[id])
	}
	assert.Equal(t, 0, h.svc.locks.Len())
}

func TestReleasePhishingCase(t *testing.T) {
	h := newHarness(thresholdClassifier{})
	ctx := context.Background()

	rec, err := h.svc.Process(ctx, phishingMessage())
	require.NoError(t, err)
	require.Equal(t, LabelPhishing, rec.Label)

	released, err := h.svc.Release(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, LabelSafe, released.Label)
	assert.Equal(t, DeliveryReleased, released.Delivery)
	assert.Equal(t, 0, h.repo.dataset[rec.ID].Label)

	require.Len(t, h.relayer.sent, 2)
	assert.Equal(t, []byte("raw phishing bytes"), h.relayer.sent[1].message)
	assert.Equal(t, []string{"victim@corp.example.com"}, h.relayer.sent[1].to)

	// a second release must neither downgrade nor re-deliver
	again, err := h.svc.Release(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, LabelSafe, again.Label)
	assert.Len(t, h.relayer.sent, 2)
}

func TestReleaseSafeDeliveredIsNoop(t *testing.T) {
	h := newHarness(thresholdClassifier{})
	ctx := context.Background()

	rec, err := h.svc.Process(ctx, safeMessage())
	require.NoError(t, err)

	got, err := h.svc.Release(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, DeliveryDelivered, got.Delivery)
	assert.Len(t, h.relayer.sent, 1)
}

func TestReleaseHeldCase(t *testing.T) {
	h := newHarness(thresholdClassifier{})
	ctx := context.Background()

	rec, err := h.svc.Process(ctx, &InboundMessage{
		Envelope: Envelope{From: "x@example.com", To: []string{"y@example.com"}},
		Raw:      []byte("unparseable"),
		ParseErr: ErrParse,
	})
	require.NoError(t, err)

	got, err := h.svc.Release(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, LabelSafe, got.Label)
	require.Len(t, h.relayer.sent, 1)
	assert.Equal(t, []byte("unparseable"), h.relayer.sent[0].message)
}

func TestReleaseUnknownCase(t *testing.T) {
	h := newHarness(thresholdClassifier{})

	_, err := h.svc.Release(context.Background(), 42)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, CodeNotFound, ErrorCode(err))
}

func TestReleaseRelayFailure(t *testing.T) {
	h := newHarness(thresholdClassifier{})
	ctx := context.Background()

	rec, err := h.svc.Process(ctx, phishingMessage())
	require.NoError(t, err)

	h.relayer.fail = errors.New("connection refused")
	_, err = h.svc.Release(ctx, rec.ID)
	require.ErrorIs(t, err, ErrRelay)

	stored, err := h.repo.GetCase(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, LabelPhishing, stored.Label)
}
