package factory

import (
	"fmt"

	"github.com/mikey/phishguard/internal/attribution"
	"github.com/mikey/phishguard/internal/config"
	"github.com/mikey/phishguard/internal/core"
	"github.com/mikey/phishguard/internal/features"
	"github.com/mikey/phishguard/internal/oracle"
	"github.com/mikey/phishguard/internal/sanitize"
	"go.uber.org/zap"
)

// AnalysisFactory loads the schema, model and corpus artifacts
type AnalysisFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewAnalysisFactory creates a new analysis factory
func NewAnalysisFactory(cfg *config.Config, logger *zap.Logger) *AnalysisFactory {
	return &AnalysisFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateSchema loads the feature schema artifact
func (f *AnalysisFactory) CreateSchema() (*features.Schema, error) {
	path := f.cfg.GetArtifacts().SchemaPath
	schema, err := features.LoadSchema(path)
	if err != nil {
		return nil, err
	}
	f.logger.Info("Loaded feature schema",
		zap.String("path", path),
		zap.String("version", schema.Version),
		zap.String("fingerprint", schema.Fingerprint),
		zap.Int("features", len(schema.FeatureNames)))
	return schema, nil
}

// CreateClassifier loads the model and refuses one trained on another feature order
func (f *AnalysisFactory) CreateClassifier(schema *features.Schema) (core.Classifier, error) {
	path := f.cfg.GetArtifacts().ModelPath
	classifier, err := oracle.LoadModel(path)
	if err != nil {
		return nil, err
	}
	if err := oracle.VerifySchema(classifier, schema.FeatureNames); err != nil {
		return nil, fmt.Errorf("model %s does not match schema %s: %w", path, schema.Version, err)
	}
	f.logger.Info("Loaded classifier", zap.String("path", path), zap.String("version", classifier.Version()))
	return classifier, nil
}

// CreateAttributionEngine loads the rule corpus
func (f *AnalysisFactory) CreateAttributionEngine() (*attribution.Engine, error) {
	path := f.cfg.GetArtifacts().CorpusPath
	corpus, err := attribution.LoadCorpus(path)
	if err != nil {
		return nil, err
	}
	f.logger.Info("Loaded attribution corpus",
		zap.String("path", path),
		zap.String("version", corpus.Version),
		zap.Int("techniques", len(corpus.Techniques)))
	return attribution.NewEngine(corpus, f.logger), nil
}

// CreateCorpusWatcher returns a watcher for the corpus file, or nil when hot reload is disabled
func (f *AnalysisFactory) CreateCorpusWatcher(engine *attribution.Engine) (*attribution.Watcher, error) {
	artifacts := f.cfg.GetArtifacts()
	if !artifacts.WatchCorpus {
		return nil, nil
	}
	return attribution.NewWatcher(engine, artifacts.CorpusPath, f.logger)
}

// CreateAnalyzer assembles the analysis pipeline
func (f *AnalysisFactory) CreateAnalyzer(schema *features.Schema, classifier core.Classifier, engine *attribution.Engine) *core.Analyzer {
	return core.NewAnalyzer(
		features.NewExtractor(schema),
		classifier,
		engine,
		sanitize.NewSanitizer(),
	)
}
