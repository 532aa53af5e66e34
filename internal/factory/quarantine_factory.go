package factory

import (
	"context"
	"fmt"
	"time"

	"github.com/mikey/phishguard/internal/adapters/quarantine"
	"github.com/mikey/phishguard/internal/config"
	"github.com/mikey/phishguard/internal/core"
	"go.uber.org/zap"
)

// QuarantineFactory creates the quarantine archive based on configuration
type QuarantineFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewQuarantineFactory creates a new quarantine factory
func NewQuarantineFactory(cfg *config.Config, logger *zap.Logger) *QuarantineFactory {
	return &QuarantineFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateQuarantineStore creates a filesystem or S3 quarantine store
func (f *QuarantineFactory) CreateQuarantineStore() (core.QuarantineStore, error) {
	qCfg := f.cfg.GetQuarantine()

	switch qCfg.Backend {
	case "filesystem":
		return quarantine.NewFilesystemStore(qCfg.Root, f.logger)
	case "s3":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return quarantine.NewMinioStore(ctx, quarantine.MinioConfig{
			Endpoint:  qCfg.S3.Endpoint,
			Region:    qCfg.S3.Region,
			Bucket:    qCfg.S3.Bucket,
			Prefix:    qCfg.S3.Prefix,
			AccessKey: qCfg.S3.AccessKey,
			SecretKey: qCfg.S3.SecretKey,
			UseSSL:    qCfg.S3.UseSSL,
		}, f.logger)
	default:
		return nil, fmt.Errorf("unsupported quarantine backend: %s", qCfg.Backend)
	}
}
