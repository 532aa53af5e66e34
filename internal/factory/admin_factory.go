package factory

import (
	"github.com/mikey/phishguard/internal/adapters/admin"
	"github.com/mikey/phishguard/internal/config"
	"github.com/mikey/phishguard/internal/core"
	"github.com/mikey/phishguard/internal/jobs"
	"go.uber.org/zap"
)

// AdminFactory creates the admin API and the offline job runner
type AdminFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewAdminFactory creates a new admin factory
func NewAdminFactory(cfg *config.Config, logger *zap.Logger) *AdminFactory {
	return &AdminFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateJobRunner creates a runner for the configured job commands.
// A kind without a command is rejected on submission.
func (f *AdminFactory) CreateJobRunner() (*jobs.Runner, error) {
	jobsCfg, err := f.cfg.GetJobs()
	if err != nil {
		return nil, err
	}

	commands := make(map[string]jobs.Command)
	for kind, job := range map[string]config.JobConfig{
		jobs.KindRefreshDataset: jobsCfg.RefreshDataset,
		jobs.KindRetrainModel:   jobsCfg.RetrainModel,
	} {
		if job.Command == "" {
			continue
		}
		commands[kind] = jobs.Command{
			Path:    job.Command,
			Args:    job.Args,
			Dir:     jobsCfg.WorkDir,
			Timeout: job.Timeout,
		}
	}
	return jobs.NewRunner(commands, f.logger.Named("jobs")), nil
}

// CreateAdminServer creates the admin API server
func (f *AdminFactory) CreateAdminServer(service *core.InterceptService, runner *jobs.Runner) (*admin.Server, error) {
	adminCfg, err := f.cfg.GetAdmin()
	if err != nil {
		return nil, err
	}
	return admin.NewServer(service, runner, admin.Config{
		ListenAddr:   adminCfg.ListenAddress,
		JWTSecret:    adminCfg.JWTSecret,
		ReadTimeout:  adminCfg.ReadTimeout,
		WriteTimeout: adminCfg.WriteTimeout,
	}, f.logger.Named("admin")), nil
}
