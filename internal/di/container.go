package di

import (
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/mikey/phishguard/internal/adapters/admin"
	"github.com/mikey/phishguard/internal/adapters/filter"
	"github.com/mikey/phishguard/internal/attribution"
	"github.com/mikey/phishguard/internal/config"
	"github.com/mikey/phishguard/internal/core"
	"github.com/mikey/phishguard/internal/factory"
	"github.com/mikey/phishguard/internal/features"
	"github.com/mikey/phishguard/internal/jobs"
	"github.com/mikey/phishguard/internal/logging"
	"github.com/mikey/phishguard/internal/ports"
	"github.com/mikey/phishguard/internal/utils"
)

// BuildContainer creates and configures the dependency injection container
// for the gateway. An empty configFile searches the default paths.
func BuildContainer(configFile string) (*dig.Container, error) {
	container := dig.New()

	// Register configuration
	if err := container.Provide(func() (*config.Config, error) {
		return config.Load(configFile)
	}); err != nil {
		return nil, err
	}

	// Register logger
	if err := container.Provide(logging.InitLogger); err != nil {
		return nil, err
	}

	if err := provideAnalysis(container); err != nil {
		return nil, err
	}

	// Register factories
	for _, constructor := range []interface{}{
		factory.NewStoreFactory,
		factory.NewQuarantineFactory,
		factory.NewRelayFactory,
		factory.NewFilterFactory,
		factory.NewAdminFactory,
	} {
		if err := container.Provide(constructor); err != nil {
			return nil, err
		}
	}

	// Register case store
	if err := container.Provide(func(f *factory.StoreFactory) (ports.CaseStore, error) {
		return f.CreateCaseStore()
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(s ports.CaseStore) core.CaseRepository {
		return s
	}); err != nil {
		return nil, err
	}

	// Register quarantine archive
	if err := container.Provide(func(f *factory.QuarantineFactory) (core.QuarantineStore, error) {
		return f.CreateQuarantineStore()
	}); err != nil {
		return nil, err
	}

	// Register relay client
	if err := container.Provide(func(f *factory.RelayFactory) (core.Relayer, error) {
		return f.CreateRelayer()
	}); err != nil {
		return nil, err
	}

	// Register message composer
	if err := container.Provide(func() core.MessageComposer {
		return filter.NewComposer()
	}); err != nil {
		return nil, err
	}

	// Register intercept service
	if err := container.Provide(core.NewInterceptService); err != nil {
		return nil, err
	}

	// Register email filter
	if err := container.Provide(func(f *factory.FilterFactory) (ports.EmailFilter, error) {
		return f.CreateEmailFilter()
	}); err != nil {
		return nil, err
	}

	// Register job runner and admin API
	if err := container.Provide(func(f *factory.AdminFactory) (*jobs.Runner, error) {
		return f.CreateJobRunner()
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(f *factory.AdminFactory, service *core.InterceptService, runner *jobs.Runner) (*admin.Server, error) {
		return f.CreateAdminServer(service, runner)
	}); err != nil {
		return nil, err
	}

	// Register corpus watcher; nil when hot reload is disabled
	if err := container.Provide(func(f *factory.AnalysisFactory, engine *attribution.Engine) (*attribution.Watcher, error) {
		return f.CreateCorpusWatcher(engine)
	}); err != nil {
		return nil, err
	}

	return container, nil
}

// provideAnalysis registers the text processor, the artifacts and the analyzer
func provideAnalysis(container *dig.Container) error {
	if err := container.Provide(factory.NewTextProcessorFactory); err != nil {
		return err
	}
	if err := container.Provide(func(f *factory.TextProcessorFactory) *utils.TextProcessor {
		return f.CreateTextProcessor()
	}); err != nil {
		return err
	}

	if err := container.Provide(factory.NewAnalysisFactory); err != nil {
		return err
	}
	if err := container.Provide(func(f *factory.AnalysisFactory) (*features.Schema, error) {
		return f.CreateSchema()
	}); err != nil {
		return err
	}
	// Fails with ErrSchemaMismatch when the model and the schema disagree
	if err := container.Provide(func(f *factory.AnalysisFactory, schema *features.Schema) (core.Classifier, error) {
		return f.CreateClassifier(schema)
	}); err != nil {
		return err
	}
	if err := container.Provide(func(f *factory.AnalysisFactory) (*attribution.Engine, error) {
		return f.CreateAttributionEngine()
	}); err != nil {
		return err
	}
	return container.Provide(func(f *factory.AnalysisFactory, schema *features.Schema, classifier core.Classifier, engine *attribution.Engine, logger *zap.Logger) *core.Analyzer {
		logger.Debug("Assembling analyzer", zap.String("schema", schema.Version), zap.String("corpus", engine.Version()))
		return f.CreateAnalyzer(schema, classifier, engine)
	})
}
