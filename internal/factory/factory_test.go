package factory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/mikey/phishguard/internal/adapters/quarantine"
	"github.com/mikey/phishguard/internal/adapters/store"
	"github.com/mikey/phishguard/internal/config"
	"github.com/mikey/phishguard/internal/core"
	"github.com/mikey/phishguard/internal/features"
	"github.com/mikey/phishguard/internal/jobs"
	"github.com/mikey/phishguard/internal/oracle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(values map[string]any) *config.Config {
	v := config.NewEmptyViper()
	for k, val := range values {
		v.Set(k, val)
	}
	return config.NewFromViper(v)
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

// writeArtifacts writes a schema, a model and a corpus into dir
func writeArtifacts(t *testing.T, dir string, modelNames func([]string) []string) (schemaPath, modelPath, corpusPath string) {
	t.Helper()

	vocab := make([]features.Term, 0, features.VocabularySize)
	names := append([]string(nil), features.StructuralFeatures...)
	for i := 0; i < features.VocabularySize; i++ {
		term := fmt.Sprintf("word%03d", i)
		vocab = append(vocab, features.Term{Term: term, IDF: 1.5})
		names = append(names, term)
	}

	schemaPath = filepath.Join(dir, "schema.json")
	writeJSON(t, schemaPath, features.Schema{Version: "v1", FeatureNames: names, Vocabulary: vocab})

	trained := names
	if modelNames != nil {
		trained = modelNames(names)
	}
	modelPath = filepath.Join(dir, "model.json")
	writeJSON(t, modelPath, oracle.Model{
		Version:      "m1",
		FeatureNames: trained,
		BaseLearners: []oracle.BaseLearner{{Name: "lr", Kind: oracle.KindLinear, Weights: make([]float64, len(trained))}},
		Meta:         oracle.MetaLearner{Weights: []float64{1}},
	})

	corpusPath = filepath.Join(dir, "corpus.yaml")
	require.NoError(t, os.WriteFile(corpusPath, []byte(`
T1566.002:
  technique: Spearphishing Link
  tactic: Initial Access
  procedures:
    - apt_group: APT29
      patterns: ["verify"]
`), 0o600))
	return schemaPath, modelPath, corpusPath
}

func TestStoreFactory(t *testing.T) {
	logger := zap.NewNop()

	mem, err := NewStoreFactory(testConfig(map[string]any{"store.driver": "memory"}), logger).CreateCaseStore()
	require.NoError(t, err)
	assert.IsType(t, &store.MemoryStore{}, mem)
	require.NoError(t, mem.Close())

	path := filepath.Join(t.TempDir(), "nested", "cases.db")
	sqlite, err := NewStoreFactory(testConfig(map[string]any{"store.driver": "sqlite", "store.sqlite_path": path}), logger).CreateCaseStore()
	require.NoError(t, err)
	defer sqlite.Close()
	assert.FileExists(t, path)

	_, err = NewStoreFactory(testConfig(map[string]any{"store.driver": "oracle"}), logger).CreateCaseStore()
	require.Error(t, err)
}

func TestQuarantineFactory(t *testing.T) {
	root := filepath.Join(t.TempDir(), "q")
	q, err := NewQuarantineFactory(testConfig(map[string]any{"quarantine.root": root}), zap.NewNop()).CreateQuarantineStore()
	require.NoError(t, err)
	assert.IsType(t, &quarantine.FilesystemStore{}, q)
	assert.DirExists(t, root)

	_, err = NewQuarantineFactory(testConfig(map[string]any{"quarantine.backend": "tape"}), zap.NewNop()).CreateQuarantineStore()
	require.Error(t, err)
}

func TestRelayFactory(t *testing.T) {
	r, err := NewRelayFactory(testConfig(nil), zap.NewNop()).CreateRelayer()
	require.NoError(t, err)
	assert.NotNil(t, r)

	_, err = NewRelayFactory(testConfig(map[string]any{"relay.tls_mode": "ssl3"}), zap.NewNop()).CreateRelayer()
	require.Error(t, err)

	_, err = NewRelayFactory(testConfig(map[string]any{"relay.timeout": "later"}), zap.NewNop()).CreateRelayer()
	require.Error(t, err)
}

func TestAnalysisFactory(t *testing.T) {
	schemaPath, modelPath, corpusPath := writeArtifacts(t, t.TempDir(), nil)
	f := NewAnalysisFactory(testConfig(map[string]any{
		"features.schema_path":    schemaPath,
		"oracle.model_path":       modelPath,
		"attribution.corpus_path": corpusPath,
		"attribution.watch":       false,
	}), zap.NewNop())

	schema, err := f.CreateSchema()
	require.NoError(t, err)
	assert.Equal(t, "v1", schema.Version)

	classifier, err := f.CreateClassifier(schema)
	require.NoError(t, err)

	engine, err := f.CreateAttributionEngine()
	require.NoError(t, err)
	assert.NotEmpty(t, engine.Version())

	watcher, err := f.CreateCorpusWatcher(engine)
	require.NoError(t, err)
	assert.Nil(t, watcher)

	analyzer := f.CreateAnalyzer(schema, classifier, engine)
	assert.NotNil(t, analyzer)
}

func TestAnalysisFactoryRejectsMismatchedModel(t *testing.T) {
	swap := func(names []string) []string {
		out := append([]string(nil), names...)
		out[0], out[1] = out[1], out[0]
		return out
	}
	schemaPath, modelPath, _ := writeArtifacts(t, t.TempDir(), swap)
	f := NewAnalysisFactory(testConfig(map[string]any{
		"features.schema_path": schemaPath,
		"oracle.model_path":    modelPath,
	}), zap.NewNop())

	schema, err := f.CreateSchema()
	require.NoError(t, err)
	_, err = f.CreateClassifier(schema)
	require.ErrorIs(t, err, core.ErrSchemaMismatch)
}

func TestAdminFactoryJobRunner(t *testing.T) {
	f := NewAdminFactory(testConfig(map[string]any{
		"jobs.retrain_model.command": "true",
	}), zap.NewNop())

	runner, err := f.CreateJobRunner()
	require.NoError(t, err)

	_, err = runner.Submit(jobs.KindRefreshDataset)
	require.ErrorIs(t, err, jobs.ErrUnknownKind)

	job, err := runner.Submit(jobs.KindRetrainModel)
	require.NoError(t, err)
	assert.Equal(t, jobs.KindRetrainModel, job.Kind)
}
