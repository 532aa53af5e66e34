package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/mikey/phishguard/internal/core"
	"github.com/mikey/phishguard/internal/metrics"
	"github.com/mikey/phishguard/internal/retry"
	"go.uber.org/zap"
)

// TLS modes for the relay connection
const (
	TLSNone     = "none"
	TLSStartTLS = "starttls"
	TLSImplicit = "tls"
)

// Config holds the outbound relay settings
type Config struct {
	Address   string
	HeloName  string
	TLSMode   string
	TLSVerify bool
	Username  string
	Password  string
	Timeout   time.Duration
	Retry     retry.BackoffConfig
}

// RelayError wraps a delivery failure with whether another attempt could succeed.
// Permanent errors are 5xx replies and configuration problems.
type RelayError struct {
	Err       error
	Permanent bool
	// Rejected lists recipients the relay refused, when only some were refused
	Rejected []string
}

func (e *RelayError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// IsPermanentError reports whether err is a 5xx reply or a RelayError marked permanent
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}

	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Permanent
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}

	return false
}

// SMTPRelay delivers messages to the forwarding relay over SMTP
type SMTPRelay struct {
	cfg    Config
	logger *zap.Logger
}

// NewSMTPRelay creates a new SMTP relay client
func NewSMTPRelay(cfg Config, logger *zap.Logger) *SMTPRelay {
	if cfg.TLSMode == "" {
		cfg.TLSMode = TLSNone
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HeloName == "" {
		if hostname, err := os.Hostname(); err == nil {
			cfg.HeloName = hostname
		} else {
			cfg.HeloName = "localhost"
		}
	}
	return &SMTPRelay{cfg: cfg, logger: logger}
}

// Relay sends message to every recipient. Recipients refused with a temporary
// reply are retried on the next attempt; permanently refused recipients fail
// the delivery once everyone else has been served.
func (r *SMTPRelay) Relay(ctx context.Context, from string, to []string, message []byte) error {
	if len(to) == 0 {
		return fmt.Errorf("%w: no recipients", core.ErrRelay)
	}

	pending := to
	var rejected []string
	attempt := 0
	err := retry.WithBackoff(ctx, r.cfg.Retry, func() error {
		attempt++
		res, err := r.send(from, pending, message)
		if err == nil {
			rejected = append(rejected, res.permanent...)
			pending = res.temporary
			if len(pending) == 0 {
				if res.accepted > 0 {
					metrics.RelayAttempts.WithLabelValues("success").Inc()
				}
				return nil
			}
			err = &RelayError{
				Err:      fmt.Errorf("recipients deferred: %s", strings.Join(pending, ", ")),
				Rejected: pending,
			}
		}

		if IsPermanentError(err) {
			metrics.RelayAttempts.WithLabelValues("permanent_failure").Inc()
			return retry.Stop(err)
		}
		metrics.RelayAttempts.WithLabelValues("temporary_failure").Inc()
		r.logger.Warn("Relay attempt failed",
			zap.Int("attempt", attempt),
			zap.String("relay", r.cfg.Address),
			zap.Error(err))
		return err
	})
	if err != nil {
		if len(rejected) > 0 {
			r.logger.Warn("Recipients permanently rejected", zap.Strings("recipients", rejected))
		}
		return fmt.Errorf("%w: %w", core.ErrRelay, err)
	}
	if len(rejected) > 0 {
		metrics.RelayAttempts.WithLabelValues("permanent_failure").Inc()
		return fmt.Errorf("%w: %w", core.ErrRelay, &RelayError{
			Err:       fmt.Errorf("recipients rejected: %s", strings.Join(rejected, ", ")),
			Permanent: true,
			Rejected:  rejected,
		})
	}

	r.logger.Debug("Message relayed",
		zap.String("relay", r.cfg.Address),
		zap.String("from", from),
		zap.Strings("to", to),
		zap.Int("attempts", attempt))
	return nil
}

func (r *SMTPRelay) dial() (*smtp.Client, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !r.cfg.TLSVerify,
	}
	if host, _, err := net.SplitHostPort(r.cfg.Address); err == nil {
		tlsConfig.ServerName = host
	}

	dialer := &net.Dialer{Timeout: r.cfg.Timeout}

	switch r.cfg.TLSMode {
	case TLSNone:
		conn, err := dialer.Dial("tcp", r.cfg.Address)
		if err != nil {
			return nil, &RelayError{Err: fmt.Errorf("failed to connect to relay: %w", err)}
		}
		return smtp.NewClient(conn), nil
	case TLSStartTLS:
		conn, err := dialer.Dial("tcp", r.cfg.Address)
		if err != nil {
			return nil, &RelayError{Err: fmt.Errorf("failed to connect to relay: %w", err)}
		}
		// the client greets as localhost before STARTTLS and may say hello again afterwards
		c, err := smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			return nil, &RelayError{Err: fmt.Errorf("failed to start TLS with relay: %w", err), Permanent: IsPermanentError(err)}
		}
		return c, nil
	case TLSImplicit:
		conn, err := tls.DialWithDialer(dialer, "tcp", r.cfg.Address, tlsConfig)
		if err != nil {
			return nil, &RelayError{Err: fmt.Errorf("failed to connect to relay with TLS: %w", err)}
		}
		return smtp.NewClient(conn), nil
	default:
		return nil, &RelayError{Err: fmt.Errorf("unknown TLS mode %q", r.cfg.TLSMode), Permanent: true}
	}
}

// rcptResult sorts the recipients of one transaction
type rcptResult struct {
	accepted  int
	temporary []string
	permanent []string
}

// send runs one SMTP transaction. A refused recipient is reported in the
// result; the returned error means the transaction itself failed.
func (r *SMTPRelay) send(from string, to []string, message []byte) (rcptResult, error) {
	var res rcptResult

	c, err := r.dial()
	if err != nil {
		return res, err
	}
	defer c.Close()

	c.CommandTimeout = r.cfg.Timeout
	c.SubmissionTimeout = r.cfg.Timeout

	if err := c.Hello(r.cfg.HeloName); err != nil {
		return res, &RelayError{Err: fmt.Errorf("EHLO failed: %w", err), Permanent: IsPermanentError(err)}
	}

	if r.cfg.Username != "" {
		auth := sasl.NewPlainClient("", r.cfg.Username, r.cfg.Password)
		if err := c.Auth(auth); err != nil {
			return res, &RelayError{Err: fmt.Errorf("authentication failed: %w", err), Permanent: IsPermanentError(err)}
		}
	}

	if err := c.Mail(from, nil); err != nil {
		return res, &RelayError{Err: fmt.Errorf("MAIL FROM failed: %w", err), Permanent: IsPermanentError(err)}
	}

	for _, rcpt := range to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			r.logger.Warn("RCPT TO failed for recipient",
				zap.String("recipient", rcpt),
				zap.Bool("permanent", IsPermanentError(err)),
				zap.Error(err))
			if IsPermanentError(err) {
				res.permanent = append(res.permanent, rcpt)
			} else {
				res.temporary = append(res.temporary, rcpt)
			}
			continue
		}
		res.accepted++
	}
	if res.accepted == 0 {
		return res, nil
	}

	wc, err := c.Data()
	if err != nil {
		return res, &RelayError{Err: fmt.Errorf("DATA command failed: %w", err), Permanent: IsPermanentError(err)}
	}
	if _, err := wc.Write(message); err != nil {
		_ = wc.Close()
		return res, &RelayError{Err: fmt.Errorf("failed to send message data: %w", err)}
	}
	if err := wc.Close(); err != nil {
		return res, &RelayError{Err: fmt.Errorf("message rejected: %w", err), Permanent: IsPermanentError(err)}
	}

	if err := c.Quit(); err != nil {
		r.logger.Warn("QUIT command failed", zap.Error(err))
	}
	return res, nil
}

var _ core.Relayer = (*SMTPRelay)(nil)
