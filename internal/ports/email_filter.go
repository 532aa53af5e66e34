package ports

import (
	"context"

	"github.com/mikey/phishguard/internal/core"
)

// EmailFilter defines the interface for the inbound mail gateway
type EmailFilter interface {
	// ProcessMessage runs raw message data through the intercept pipeline
	ProcessMessage(ctx context.Context, raw []byte, envelope core.Envelope) (*core.CaseRecord, error)

	// Start starts the email filter service
	Start() error

	// Stop stops the email filter service, dropping open sessions
	Stop() error

	// Shutdown stops accepting mail and drains open sessions
	Shutdown(ctx context.Context) error
}
