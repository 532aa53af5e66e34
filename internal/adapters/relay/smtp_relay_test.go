package relay

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/mikey/phishguard/internal/core"
	"github.com/mikey/phishguard/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type delivery struct {
	from string
	to   []string
	data []byte
	tls  bool
}

type captureBackend struct {
	mu         sync.Mutex
	deliveries []delivery
	rcptCalls  int
	rejectRcpt map[string]*smtp.SMTPError
	deferRcpt  map[string]int
	failData   int
}

func (b *captureBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	_, isTLS := c.TLSConnectionState()
	return &captureSession{backend: b, tls: isTLS}, nil
}

func (b *captureBackend) snapshot() []delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]delivery(nil), b.deliveries...)
}

type captureSession struct {
	backend *captureBackend
	tls     bool
	from    string
	to      []string
}

func (s *captureSession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *captureSession) Logout() error { return nil }

func (s *captureSession) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *captureSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.rcptCalls++
	if err, ok := s.backend.rejectRcpt[to]; ok {
		return err
	}
	if s.backend.deferRcpt[to] > 0 {
		s.backend.deferRcpt[to]--
		return &smtp.SMTPError{Code: 450, EnhancedCode: smtp.EnhancedCode{4, 2, 1}, Message: "mailbox busy"}
	}
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
	if s.backend.failData > 0 {
		s.backend.failData--
		return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "try again later"}
	}
	s.backend.deliveries = append(s.backend.deliveries, delivery{from: s.from, to: s.to, data: data, tls: s.tls})
	return nil
}

func startServer(t *testing.T, be *captureBackend) string {
	return startServerTLS(t, be, nil)
}

func startServerTLS(t *testing.T, be *captureBackend, tlsConfig *tls.Config) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := smtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true
	srv.TLSConfig = tlsConfig
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	return ln.Addr().String()
}

func testConfig(addr string) Config {
	return Config{
		Address:  addr,
		HeloName: "phishguard.test",
		Timeout:  5 * time.Second,
		Retry: retry.BackoffConfig{
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			Multiplier:      2,
			MaxRetries:      2,
		},
	}
}

const testMessage = "From: a@example.com\r\nTo: b@example.com\r\nSubject: hi\r\n\r\nhello\r\n"

func TestRelayDelivers(t *testing.T) {
	be := &captureBackend{}
	r := NewSMTPRelay(testConfig(startServer(t, be)), zap.NewNop())

	err := r.Relay(context.Background(), "a@example.com", []string{"b@example.com", "c@example.com"}, []byte(testMessage))
	require.NoError(t, err)

	got := be.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "a@example.com", got[0].from)
	assert.Equal(t, []string{"b@example.com", "c@example.com"}, got[0].to)
	assert.Contains(t, string(got[0].data), "Subject: hi")
}

func TestRelayRetriesTemporaryFailure(t *testing.T) {
	be := &captureBackend{failData: 1}
	r := NewSMTPRelay(testConfig(startServer(t, be)), zap.NewNop())

	err := r.Relay(context.Background(), "a@example.com", []string{"b@example.com"}, []byte(testMessage))
	require.NoError(t, err)
	assert.Len(t, be.snapshot(), 1)
}

func TestRelayStopsOnPermanentFailure(t *testing.T) {
	be := &captureBackend{rejectRcpt: map[string]*smtp.SMTPError{
		"b@example.com": {Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no such user"},
	}}
	r := NewSMTPRelay(testConfig(startServer(t, be)), zap.NewNop())

	err := r.Relay(context.Background(), "a@example.com", []string{"b@example.com"}, []byte(testMessage))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrRelay)
	assert.True(t, IsPermanentError(err))

	be.mu.Lock()
	defer be.mu.Unlock()
	assert.Equal(t, 1, be.rcptCalls)
	assert.Empty(t, be.deliveries)
}

func TestRelayPartialRecipientRejection(t *testing.T) {
	be := &captureBackend{rejectRcpt: map[string]*smtp.SMTPError{
		"gone@example.com": {Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no such user"},
	}}
	r := NewSMTPRelay(testConfig(startServer(t, be)), zap.NewNop())

	err := r.Relay(context.Background(), "a@example.com", []string{"gone@example.com", "b@example.com"}, []byte(testMessage))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrRelay)
	assert.True(t, IsPermanentError(err))

	var relayErr *RelayError
	require.ErrorAs(t, err, &relayErr)
	assert.Equal(t, []string{"gone@example.com"}, relayErr.Rejected)

	got := be.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, []string{"b@example.com"}, got[0].to)
}

func TestRelayRetriesDeferredRecipients(t *testing.T) {
	be := &captureBackend{deferRcpt: map[string]int{"busy@example.com": 1}}
	r := NewSMTPRelay(testConfig(startServer(t, be)), zap.NewNop())

	err := r.Relay(context.Background(), "a@example.com", []string{"b@example.com", "busy@example.com"}, []byte(testMessage))
	require.NoError(t, err)

	got := be.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, []string{"b@example.com"}, got[0].to)
	assert.Equal(t, []string{"busy@example.com"}, got[1].to)
}

func TestRelayGivesUpOnDeferredRecipients(t *testing.T) {
	be := &captureBackend{deferRcpt: map[string]int{"busy@example.com": 10}}
	r := NewSMTPRelay(testConfig(startServer(t, be)), zap.NewNop())

	err := r.Relay(context.Background(), "a@example.com", []string{"b@example.com", "busy@example.com"}, []byte(testMessage))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrRelay)
	assert.False(t, IsPermanentError(err))

	// b is served once and never resent
	got := be.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, []string{"b@example.com"}, got[0].to)
}

func TestRelayStartTLS(t *testing.T) {
	be := &captureBackend{}
	addr := startServerTLS(t, be, &tls.Config{Certificates: []tls.Certificate{selfSignedCert(t)}})

	cfg := testConfig(addr)
	cfg.TLSMode = TLSStartTLS
	r := NewSMTPRelay(cfg, zap.NewNop())

	err := r.Relay(context.Background(), "a@example.com", []string{"b@example.com"}, []byte(testMessage))
	require.NoError(t, err)

	got := be.snapshot()
	require.Len(t, got, 1)
	assert.True(t, got[0].tls)
}

func TestRelayStartTLSUnsupported(t *testing.T) {
	be := &captureBackend{}
	cfg := testConfig(startServer(t, be))
	cfg.TLSMode = TLSStartTLS
	r := NewSMTPRelay(cfg, zap.NewNop())

	err := r.Relay(context.Background(), "a@example.com", []string{"b@example.com"}, []byte(testMessage))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrRelay)
	assert.Empty(t, be.snapshot())
}

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func TestRelayConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	r := NewSMTPRelay(testConfig(addr), zap.NewNop())
	err = r.Relay(context.Background(), "a@example.com", []string{"b@example.com"}, []byte(testMessage))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrRelay)
	assert.False(t, IsPermanentError(err))
}

func TestRelayWithoutRecipients(t *testing.T) {
	r := NewSMTPRelay(testConfig("127.0.0.1:1"), zap.NewNop())
	err := r.Relay(context.Background(), "a@example.com", nil, []byte(testMessage))
	assert.ErrorIs(t, err, core.ErrRelay)
}

func TestIsPermanentError(t *testing.T) {
	assert.False(t, IsPermanentError(nil))
	assert.True(t, IsPermanentError(&smtp.SMTPError{Code: 554}))
	assert.False(t, IsPermanentError(&smtp.SMTPError{Code: 421}))
	assert.True(t, IsPermanentError(&RelayError{Err: io.EOF, Permanent: true}))
	assert.False(t, IsPermanentError(io.EOF))
}
