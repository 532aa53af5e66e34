package factory

import (
	"github.com/mikey/phishguard/internal/adapters/filter"
	"github.com/mikey/phishguard/internal/config"
	"github.com/mikey/phishguard/internal/core"
	"github.com/mikey/phishguard/internal/ports"
	"github.com/mikey/phishguard/internal/utils"
	"go.uber.org/zap"
)

// FilterFactory creates the SMTP gateway and its message parser
type FilterFactory struct {
	cfg     *config.Config
	logger  *zap.Logger
	service *core.InterceptService
	text    *utils.TextProcessor
}

// NewFilterFactory creates a new filter factory
func NewFilterFactory(cfg *config.Config, logger *zap.Logger, service *core.InterceptService, text *utils.TextProcessor) *FilterFactory {
	return &FilterFactory{
		cfg:     cfg,
		logger:  logger,
		service: service,
		text:    text,
	}
}

// CreateMessageParser creates a MIME parser bounded by server.max_body_size
func (f *FilterFactory) CreateMessageParser() *filter.MessageParser {
	return filter.NewMessageParser(f.text, f.cfg.GetInt("server.max_body_size"))
}

// CreateEmailFilter creates the inbound SMTP gateway
func (f *FilterFactory) CreateEmailFilter() (ports.EmailFilter, error) {
	serverCfg, err := f.cfg.GetServer()
	if err != nil {
		return nil, err
	}

	return filter.NewSMTPGateway(f.service, f.CreateMessageParser(), f.logger, filter.GatewayConfig{
		ListenAddr:      serverCfg.ListenAddress,
		Domain:          serverCfg.Domain,
		ReadTimeout:     serverCfg.ReadTimeout,
		WriteTimeout:    serverCfg.WriteTimeout,
		MaxMessageBytes: serverCfg.MaxMessageBytes,
		MaxRecipients:   serverCfg.MaxRecipients,
	}), nil
}
