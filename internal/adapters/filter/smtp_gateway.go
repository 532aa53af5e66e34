package filter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/mikey/phishguard/internal/core"
	"github.com/mikey/phishguard/internal/metrics"
	"github.com/mikey/phishguard/internal/ports"
	"go.uber.org/zap"
)

// GatewayConfig holds the inbound SMTP listener settings
type GatewayConfig struct {
	ListenAddr      string
	Domain          string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	MaxRecipients   int
}

// SMTPGateway accepts inbound mail and runs every message through the intercept pipeline
type SMTPGateway struct {
	service *core.InterceptService
	parser  *MessageParser
	logger  *zap.Logger
	cfg     GatewayConfig

	mu       sync.Mutex
	server   *smtp.Server
	listener net.Listener
	conns    map[*smtp.Conn]struct{}
	draining bool
	inflight sync.WaitGroup
}

// NewSMTPGateway creates a new SMTP gateway
func NewSMTPGateway(service *core.InterceptService, parser *MessageParser, logger *zap.Logger, cfg GatewayConfig) *SMTPGateway {
	if cfg.Domain == "" {
		cfg.Domain = "localhost"
	}
	return &SMTPGateway{
		service: service,
		parser:  parser,
		logger:  logger,
		cfg:     cfg,
		conns:   make(map[*smtp.Conn]struct{}),
	}
}

// Start listens on the configured address and serves in the background
func (g *SMTPGateway) Start() error {
	ln, err := net.Listen("tcp", g.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", g.cfg.ListenAddr, err)
	}
	g.Serve(ln)
	return nil
}

// Serve starts serving on an existing listener
func (g *SMTPGateway) Serve(ln net.Listener) {
	server := smtp.NewServer(&smtpBackend{gateway: g})
	server.Addr = ln.Addr().String()
	server.Domain = g.cfg.Domain
	server.ReadTimeout = g.cfg.ReadTimeout
	server.WriteTimeout = g.cfg.WriteTimeout
	server.MaxMessageBytes = g.cfg.MaxMessageBytes
	server.MaxRecipients = g.cfg.MaxRecipients

	g.mu.Lock()
	g.server = server
	g.listener = ln
	g.mu.Unlock()

	g.logger.Info("SMTP gateway starting", zap.String("address", ln.Addr().String()))

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, smtp.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			g.logger.Error("SMTP server error", zap.Error(err))
		}
	}()
}

// Addr returns the address the gateway is listening on
func (g *SMTPGateway) Addr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return g.cfg.ListenAddr
	}
	return g.listener.Addr().String()
}

// Stop closes the listener and all open sessions
func (g *SMTPGateway) Stop() error {
	g.mu.Lock()
	server := g.server
	g.mu.Unlock()
	// closing a session logs it out, which takes g.mu
	if server != nil {
		return server.Close()
	}
	return nil
}

// Shutdown stops accepting connections and waits for open sessions to
// finish. When ctx expires the remaining sessions are closed, but a message
// already in the pipeline is still processed to the end before Shutdown returns.
func (g *SMTPGateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	server := g.server
	g.mu.Unlock()
	if server == nil {
		return nil
	}

	err := server.Shutdown(ctx)
	if errors.Is(err, smtp.ErrServerClosed) {
		err = nil
	}

	g.mu.Lock()
	g.draining = true
	open := make([]*smtp.Conn, 0, len(g.conns))
	for c := range g.conns {
		open = append(open, c)
	}
	g.mu.Unlock()

	if len(open) > 0 {
		g.logger.Warn("Closing SMTP sessions still open at shutdown", zap.Int("sessions", len(open)))
		for _, c := range open {
			c.Close()
		}
	}

	g.inflight.Wait()
	return err
}

// beginMessage registers a pipeline run; false once the gateway is draining
func (g *SMTPGateway) beginMessage() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.draining {
		return false
	}
	g.inflight.Add(1)
	return true
}

func (g *SMTPGateway) trackConn(c *smtp.Conn, open bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if open {
		g.conns[c] = struct{}{}
	} else {
		delete(g.conns, c)
	}
}

// ProcessMessage parses raw DATA and runs it through the pipeline
func (g *SMTPGateway) ProcessMessage(ctx context.Context, raw []byte, envelope core.Envelope) (*core.CaseRecord, error) {
	msg := g.parser.Parse(raw, envelope)
	return g.service.Process(ctx, msg)
}

type smtpBackend struct {
	gateway *SMTPGateway
}

func (b *smtpBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	metrics.SessionsTotal.Inc()
	remote := ""
	if conn := c.Conn(); conn != nil {
		remote = conn.RemoteAddr().String()
	}
	b.gateway.trackConn(c, true)
	return &smtpSession{
		gateway: b.gateway,
		conn:    c,
		remote:  remote,
	}, nil
}

type smtpSession struct {
	gateway    *SMTPGateway
	conn       *smtp.Conn
	remote     string
	sender     string
	recipients []string
}

func (s *smtpSession) Reset() {
	s.sender = ""
	s.recipients = nil
}

func (s *smtpSession) Mail(from string, _ *smtp.MailOptions) error {
	s.sender = from
	return nil
}

func (s *smtpSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.recipients = append(s.recipients, to)
	return nil
}

// Data accepts the message once it is durably captured; relay failures
// are recorded on the case and never reject the session
func (s *smtpSession) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		s.gateway.logger.Error("Failed to read message data", zap.Error(err), zap.String("remote", s.remote))
		return err
	}
	metrics.MessageSize.Observe(float64(len(raw)))

	if !s.gateway.beginMessage() {
		return &smtp.SMTPError{
			Code:         421,
			EnhancedCode: smtp.EnhancedCode{4, 3, 2},
			Message:      "Service shutting down, try again later",
		}
	}
	defer s.gateway.inflight.Done()

	envelope := core.Envelope{
		From: s.sender,
		To:   append([]string(nil), s.recipients...),
	}

	record, err := s.gateway.ProcessMessage(context.Background(), raw, envelope)
	if err != nil {
		s.gateway.logger.Error("Message could not be captured, deferring",
			zap.Error(err),
			zap.String("sender", s.sender),
			zap.String("sender_domain", senderDomain(s.sender)),
			zap.String("remote", s.remote))
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Requested action aborted: message could not be stored",
		}
	}

	s.gateway.logger.Debug("Message accepted",
		zap.Int64("case_id", record.ID),
		zap.String("sender_domain", senderDomain(s.sender)),
		zap.String("label", string(record.Label)),
		zap.String("delivery", string(record.Delivery)))
	return nil
}

func (s *smtpSession) Logout() error {
	s.gateway.trackConn(s.conn, false)
	return nil
}

func senderDomain(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "unknown"
}

var _ ports.EmailFilter = (*SMTPGateway)(nil)
