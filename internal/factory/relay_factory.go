package factory

import (
	"fmt"

	"github.com/mikey/phishguard/internal/adapters/relay"
	"github.com/mikey/phishguard/internal/config"
	"github.com/mikey/phishguard/internal/core"
	"github.com/mikey/phishguard/internal/retry"
	"go.uber.org/zap"
)

// RelayFactory creates the outbound relay client
type RelayFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewRelayFactory creates a new relay factory
func NewRelayFactory(cfg *config.Config, logger *zap.Logger) *RelayFactory {
	return &RelayFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateRelayer creates an SMTP relay client from the relay section
func (f *RelayFactory) CreateRelayer() (core.Relayer, error) {
	relayCfg, err := f.cfg.GetRelay()
	if err != nil {
		return nil, err
	}

	switch relayCfg.TLSMode {
	case relay.TLSNone, relay.TLSStartTLS, relay.TLSImplicit:
	default:
		return nil, fmt.Errorf("unsupported relay tls_mode: %s", relayCfg.TLSMode)
	}

	return relay.NewSMTPRelay(relay.Config{
		Address:   relayCfg.Address,
		HeloName:  relayCfg.HeloName,
		TLSMode:   relayCfg.TLSMode,
		TLSVerify: relayCfg.TLSVerify,
		Username:  relayCfg.Username,
		Password:  relayCfg.Password,
		Timeout:   relayCfg.Timeout,
		Retry: retry.BackoffConfig{
			InitialInterval: relayCfg.Retry.InitialInterval,
			MaxInterval:     relayCfg.Retry.MaxInterval,
			Multiplier:      relayCfg.Retry.Multiplier,
			Jitter:          relayCfg.Retry.Jitter,
			MaxRetries:      relayCfg.Retry.MaxRetries,
		},
	}, f.logger), nil
}
