package filter

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/mikey/phishguard/internal/adapters/quarantine"
	"github.com/mikey/phishguard/internal/adapters/relay"
	"github.com/mikey/phishguard/internal/adapters/store"
	"github.com/mikey/phishguard/internal/attribution"
	"github.com/mikey/phishguard/internal/core"
	"github.com/mikey/phishguard/internal/features"
	"github.com/mikey/phishguard/internal/oracle"
	"github.com/mikey/phishguard/internal/retry"
	"github.com/mikey/phishguard/internal/sanitize"
	"github.com/mikey/phishguard/internal/utils"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testCorpus = `{
  "T1566.002": {
    "technique": "Spearphishing Link",
    "tactic": "Initial Access",
    "procedures": [{"apt_group": "APT29", "patterns": ["verify"]}]
  },
  "T1566.001": {
    "technique": "Spearphishing Attachment",
    "tactic": "Initial Access",
    "procedures": [{"apt_group": "APT28", "patterns": [".docm"]}]
  }
}`

func newTestParser() *MessageParser {
	return NewMessageParser(utils.NewTextProcessor(zap.NewNop()), 1<<20)
}

// newTestAnalyzer wires the real extractor, oracle, attribution engine and
// sanitizer. The model flags any message containing a URL.
func newTestAnalyzer(t *testing.T) *core.Analyzer {
	t.Helper()

	vocab := make([]features.Term, 0, features.VocabularySize)
	for i := 0; i < features.VocabularySize; i++ {
		vocab = append(vocab, features.Term{Term: fmt.Sprintf("term%03d", i), IDF: 1})
	}
	names := append([]string(nil), features.StructuralFeatures...)
	for _, v := range vocab {
		names = append(names, v.Term)
	}
	schema, err := features.NewSchema("test", names, vocab)
	require.NoError(t, err)

	weights := make([]float64, len(names))
	weights[1] = 4 // url_count
	classifier, err := oracle.NewStackingClassifier(oracle.Model{
		Version:      "test",
		FeatureNames: names,
		BaseLearners: []oracle.BaseLearner{{Name: "linear", Kind: oracle.KindLinear, Weights: weights, Intercept: -2}},
		Meta:         oracle.MetaLearner{Weights: []float64{6}, Intercept: -3},
	})
	require.NoError(t, err)
	require.NoError(t, oracle.VerifySchema(classifier, schema.FeatureNames))

	corpus, err := attribution.ParseCorpus([]byte(testCorpus), ".json")
	require.NoError(t, err)

	return core.NewAnalyzer(
		features.NewExtractor(schema),
		classifier,
		attribution.NewEngine(corpus, zap.NewNop()),
		sanitize.NewSanitizer(),
	)
}

type relayed struct {
	from string
	to   []string
	data []byte
}

type captureBackend struct {
	mu       sync.Mutex
	messages []relayed
}

func (b *captureBackend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &captureSession{backend: b}, nil
}

func (b *captureBackend) all() []relayed {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]relayed(nil), b.messages...)
}

type captureSession struct {
	backend *captureBackend
	from    string
	to      []string
}

func (s *captureSession) Reset()        { s.from, s.to = "", nil }
func (s *captureSession) Logout() error { return nil }

func (s *captureSession) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *captureSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

func (s *captureSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.messages = append(s.backend.messages, relayed{from: s.from, to: s.to, data: data})
	return nil
}

func startCaptureServer(t *testing.T) (*captureBackend, string) {
	t.Helper()
	be := &captureBackend{}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := smtp.NewServer(be)
	srv.Domain = "relay.test"
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return be, ln.Addr().String()
}

type harness struct {
	gateway    *SMTPGateway
	service    *core.InterceptService
	cases      *store.MemoryStore
	quarantine core.QuarantineStore
	relay      *captureBackend
}

func newHarness(t *testing.T, q core.QuarantineStore) *harness {
	t.Helper()
	logger := zap.NewNop()

	if q == nil {
		fs, err := quarantine.NewFilesystemStore(t.TempDir(), logger)
		require.NoError(t, err)
		q = fs
	}

	capture, relayAddr := startCaptureServer(t)
	relayer := relay.NewSMTPRelay(relay.Config{
		Address:  relayAddr,
		HeloName: "phishguard.test",
		Timeout:  5 * time.Second,
		Retry:    retry.BackoffConfig{InitialInterval: time.Millisecond, Multiplier: 2},
	}, logger)

	cases := store.NewMemoryStore(logger)
	service := core.NewInterceptService(newTestAnalyzer(t), cases, q, relayer, NewComposer(), logger)

	gw := NewSMTPGateway(service, newTestParser(), logger, GatewayConfig{
		Domain:          "gateway.test",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		MaxMessageBytes: 10 << 20,
		MaxRecipients:   10,
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gw.Serve(ln)
	t.Cleanup(func() { gw.Stop() })

	return &harness{gateway: gw, service: service, cases: cases, quarantine: q, relay: capture}
}

// send submits one message to the gateway and returns the first failed reply
func (h *harness) send(from string, to []string, raw string) error {
	c, err := smtp.Dial(h.gateway.Addr())
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Hello("client.test"); err != nil {
		return err
	}
	if err := c.Mail(from, nil); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return err
		}
	}
	wc, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := io.WriteString(wc, raw); err != nil {
		return err
	}
	if err := wc.Close(); err != nil {
		return err
	}
	return c.Quit()
}

type failingQuarantine struct{}

func (failingQuarantine) Store(context.Context, *core.QuarantineSnapshot) (string, error) {
	return "", fmt.Errorf("%w: disk full", core.ErrStorage)
}

func (failingQuarantine) Load(context.Context, int64) (*core.QuarantineSnapshot, error) {
	return nil, core.ErrNotFound
}

// blockingQuarantine holds Store until release is closed
type blockingQuarantine struct {
	core.QuarantineStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newBlockingQuarantine(t *testing.T) *blockingQuarantine {
	t.Helper()
	fs, err := quarantine.NewFilesystemStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return &blockingQuarantine{
		QuarantineStore: fs,
		entered:         make(chan struct{}),
		release:         make(chan struct{}),
	}
}

func (b *blockingQuarantine) Store(ctx context.Context, snap *core.QuarantineSnapshot) (string, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.QuarantineStore.Store(ctx, snap)
}
