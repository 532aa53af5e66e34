package oracle

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/mikey/phishguard/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testModel() Model {
	return Model{
		Version:      "test",
		FeatureNames: []string{"url_count", "phishing_keyword_count", "account"},
		BaseLearners: []BaseLearner{
			{Name: "svm", Kind: KindLinear, Weights: []float64{2, 0, 0}, Intercept: -1},
			{Name: "xgb", Kind: KindTrees, Trees: []Tree{{Nodes: []Node{
				{Feature: 1, Threshold: 0.5, Left: 1, Right: 2},
				{IsLeaf: true, Leaf: -2},
				{IsLeaf: true, Leaf: 2},
			}}}},
		},
		Meta: MetaLearner{Weights: []float64{3, 3}, Intercept: -3},
	}
}

func vector(values ...float64) core.FeatureVector {
	return core.FeatureVector{
		Names:  []string{"url_count", "phishing_keyword_count", "account"},
		Values: values,
	}
}

func TestClassify(t *testing.T) {
	c, err := NewStackingClassifier(testModel())
	require.NoError(t, err)

	label, err := c.Classify(context.Background(), vector(1, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, core.LabelPhishing, label)

	label, err = c.Classify(context.Background(), vector(0, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, core.LabelSafe, label)
}

func TestClassifyIsStable(t *testing.T) {
	c, err := NewStackingClassifier(testModel())
	require.NoError(t, err)

	ctx := context.Background()
	first, err := c.Probability(ctx, vector(0.3, 2, 0.7))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		p, err := c.Probability(ctx, vector(0.3, 2, 0.7))
		require.NoError(t, err)
		require.Equal(t, first, p)
	}
}

func TestClassifyRejectsMisalignedVector(t *testing.T) {
	c, err := NewStackingClassifier(testModel())
	require.NoError(t, err)

	_, err = c.Classify(context.Background(), core.FeatureVector{Values: []float64{1, 2}})
	require.ErrorIs(t, err, core.ErrClassification)

	v := vector(1, 1, 1)
	v.Names = []string{"account", "url_count", "phishing_keyword_count"}
	_, err = c.Classify(context.Background(), v)
	require.ErrorIs(t, err, core.ErrClassification)
	short := vector(1, 1, 1)
	short.Names = short.Names[:1]
	require.NotPanics(t, func() {
		_, err = c.Classify(context.Background(), short)
	})
	require.ErrorIs(t, err, core.ErrClassification)
}

func TestPlattCalibration(t *testing.T) {
	m := testModel()
	m.BaseLearners[0].Platt = &Platt{A: 0, B: 0}
	c, err := NewStackingClassifier(m)
	require.NoError(t, err)

	// with A=0 the linear learner always says 0.5
	assert.InDelta(t, 0.5, m.BaseLearners[0].probability([]float64{100, 0, 0}), 1e-12)

	_, err = c.Classify(context.Background(), vector(100, 0, 0))
	require.NoError(t, err)
}

func TestNewStackingClassifierValidation(t *testing.T) {
	m := testModel()
	m.Meta.Weights = []float64{1}
	_, err := NewStackingClassifier(m)
	require.Error(t, err)

	m = testModel()
	m.BaseLearners[0].Weights = []float64{1}
	_, err = NewStackingClassifier(m)
	require.ErrorIs(t, err, core.ErrSchemaMismatch)

	m = testModel()
	m.BaseLearners[1].Trees[0].Nodes[0].Left = 0
	_, err = NewStackingClassifier(m)
	require.Error(t, err)

	m = testModel()
	m.BaseLearners[1].Trees[0].Nodes[0].Feature = 7
	_, err = NewStackingClassifier(m)
	require.ErrorIs(t, err, core.ErrSchemaMismatch)

	m = testModel()
	m.BaseLearners[0].Kind = "forest"
	_, err = NewStackingClassifier(m)
	require.Error(t, err)
}

func TestVerifySchema(t *testing.T) {
	c, err := NewStackingClassifier(testModel())
	require.NoError(t, err)

	require.NoError(t, VerifySchema(c, []string{"url_count", "phishing_keyword_count", "account"}))
	require.ErrorIs(t, VerifySchema(c, []string{"phishing_keyword_count", "url_count", "account"}), core.ErrSchemaMismatch)
	require.ErrorIs(t, VerifySchema(c, []string{"url_count"}), core.ErrSchemaMismatch)
}

func TestLoadModelJSON(t *testing.T) {
	data, err := json.Marshal(testModel())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	c, err := LoadModel(path)
	require.NoError(t, err)
	assert.Equal(t, "test", c.Version())
	assert.Len(t, c.Fingerprint(), 64)
	assert.Equal(t, []string{"url_count", "phishing_keyword_count", "account"}, c.FeatureNames())

	label, err := c.Classify(context.Background(), vector(1, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, core.LabelPhishing, label)
}

func TestLoadModelMissingFile(t *testing.T) {
	_, err := LoadModel(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
