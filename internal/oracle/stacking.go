package oracle

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/mikey/phishguard/internal/core"
	"gopkg.in/yaml.v3"
	"lukechampine.com/blake3"
)

const (
	KindLinear = "linear"
	KindTrees  = "trees"

	defaultThreshold = 0.5
)

// Platt holds the sigmoid calibration of a margin-based learner: p = 1 / (1 + exp(A*f + B))
type Platt struct {
	A float64 `json:"a" yaml:"a"`
	B float64 `json:"b" yaml:"b"`
}

// Node is one node of a regression tree, addressed by index
type Node struct {
	Feature   int     `json:"feature" yaml:"feature"`
	Threshold float64 `json:"threshold" yaml:"threshold"`
	Left      int     `json:"left" yaml:"left"`
	Right     int     `json:"right" yaml:"right"`
	Leaf      float64 `json:"leaf" yaml:"leaf"`
	IsLeaf    bool    `json:"is_leaf" yaml:"is_leaf"`
}

// Tree is a regression tree whose root is Nodes[0]
type Tree struct {
	Nodes []Node `json:"nodes" yaml:"nodes"`
}

// BaseLearner is one first-level model of the stack
type BaseLearner struct {
	Name       string    `json:"name" yaml:"name"`
	Kind       string    `json:"kind" yaml:"kind"`
	Weights    []float64 `json:"weights,omitempty" yaml:"weights,omitempty"`
	Intercept  float64   `json:"intercept,omitempty" yaml:"intercept,omitempty"`
	Platt      *Platt    `json:"platt,omitempty" yaml:"platt,omitempty"`
	BaseMargin float64   `json:"base_margin,omitempty" yaml:"base_margin,omitempty"`
	Trees      []Tree    `json:"trees,omitempty" yaml:"trees,omitempty"`
}

// MetaLearner is the logistic model over base-learner probabilities
type MetaLearner struct {
	Weights   []float64 `json:"weights" yaml:"weights"`
	Intercept float64   `json:"intercept" yaml:"intercept"`
}

// Model is the serialized stacked ensemble
type Model struct {
	Version      string        `json:"version" yaml:"version"`
	FeatureNames []string      `json:"feature_names" yaml:"feature_names"`
	BaseLearners []BaseLearner `json:"base_learners" yaml:"base_learners"`
	Meta         MetaLearner   `json:"meta" yaml:"meta"`
	Threshold    float64       `json:"threshold,omitempty" yaml:"threshold,omitempty"`
}

// StackingClassifier scores feature vectors with a loaded stacked ensemble.
// It is immutable after construction and safe for concurrent use.
type StackingClassifier struct {
	model       Model
	fingerprint string
}

// LoadModel reads a JSON or YAML model artifact
func LoadModel(path string) (*StackingClassifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model artifact: %w", err)
	}

	var m Model
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &m)
	default:
		err = json.Unmarshal(data, &m)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode model artifact %s: %w", path, err)
	}

	c, err := NewStackingClassifier(m)
	if err != nil {
		return nil, err
	}
	sum := blake3.Sum256(data)
	c.fingerprint = hex.EncodeToString(sum[:])
	return c, nil
}

// NewStackingClassifier validates a model and wraps it
func NewStackingClassifier(m Model) (*StackingClassifier, error) {
	if err := validate(&m); err != nil {
		return nil, err
	}
	if m.Threshold == 0 {
		m.Threshold = defaultThreshold
	}
	return &StackingClassifier{model: m}, nil
}

func validate(m *Model) error {
	n := len(m.FeatureNames)
	if n == 0 {
		return fmt.Errorf("%w: model has no feature names", core.ErrSchemaMismatch)
	}
	if len(m.BaseLearners) == 0 {
		return fmt.Errorf("model has no base learners")
	}
	if len(m.Meta.Weights) != len(m.BaseLearners) {
		return fmt.Errorf("meta learner has %d weights for %d base learners", len(m.Meta.Weights), len(m.BaseLearners))
	}

	for i, bl := range m.BaseLearners {
		switch bl.Kind {
		case KindLinear:
			if len(bl.Weights) != n {
				return fmt.Errorf("%w: base learner %d has %d weights for %d features",
					core.ErrSchemaMismatch, i, len(bl.Weights), n)
			}
		case KindTrees:
			if len(bl.Trees) == 0 {
				return fmt.Errorf("base learner %d has no trees", i)
			}
			for j, t := range bl.Trees {
				if err := validateTree(t, n); err != nil {
					return fmt.Errorf("base learner %d tree %d: %w", i, j, err)
				}
			}
		default:
			return fmt.Errorf("base learner %d has unknown kind %q", i, bl.Kind)
		}
	}
	return nil
}

func validateTree(t Tree, features int) error {
	if len(t.Nodes) == 0 {
		return fmt.Errorf("empty tree")
	}
	for k, node := range t.Nodes {
		if node.IsLeaf {
			continue
		}
		if node.Feature < 0 || node.Feature >= features {
			return fmt.Errorf("%w: node %d splits on feature %d", core.ErrSchemaMismatch, k, node.Feature)
		}
		// children must point forward so evaluation always terminates
		if node.Left <= k || node.Left >= len(t.Nodes) || node.Right <= k || node.Right >= len(t.Nodes) {
			return fmt.Errorf("node %d has invalid children %d/%d", k, node.Left, node.Right)
		}
	}
	return nil
}

// FeatureNames returns the trained feature order
func (c *StackingClassifier) FeatureNames() []string {
	return append([]string(nil), c.model.FeatureNames...)
}

// Fingerprint returns the blake3 digest of the artifact, empty for in-memory models
func (c *StackingClassifier) Fingerprint() string {
	return c.fingerprint
}

// Version returns the artifact version string
func (c *StackingClassifier) Version() string {
	return c.model.Version
}

// Classify returns Phishing when the meta probability reaches the threshold
func (c *StackingClassifier) Classify(ctx context.Context, vector core.FeatureVector) (core.Label, error) {
	p, err := c.Probability(ctx, vector)
	if err != nil {
		return core.LabelUnknown, err
	}
	if p >= c.model.Threshold {
		return core.LabelPhishing, nil
	}
	return core.LabelSafe, nil
}

// Probability returns the stacked phishing probability of a vector
func (c *StackingClassifier) Probability(ctx context.Context, vector core.FeatureVector) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", core.ErrClassification, err)
	}
	if len(vector.Values) != len(c.model.FeatureNames) {
		return 0, fmt.Errorf("%w: vector has %d values, model expects %d",
			core.ErrClassification, len(vector.Values), len(c.model.FeatureNames))
	}
	if vector.Names != nil {
		if len(vector.Names) != len(c.model.FeatureNames) {
			return 0, fmt.Errorf("%w: vector has %d names, model expects %d",
				core.ErrClassification, len(vector.Names), len(c.model.FeatureNames))
		}
		for i, name := range c.model.FeatureNames {
			if vector.Names[i] != name {
				return 0, fmt.Errorf("%w: feature %d is %q, model expects %q",
					core.ErrClassification, i, vector.Names[i], name)
			}
		}
	}

	z := c.model.Meta.Intercept
	for i, bl := range c.model.BaseLearners {
		z += c.model.Meta.Weights[i] * bl.probability(vector.Values)
	}
	p := sigmoid(z)
	if math.IsNaN(p) {
		return 0, fmt.Errorf("%w: non-finite score", core.ErrClassification)
	}
	return p, nil
}

func (bl *BaseLearner) probability(x []float64) float64 {
	switch bl.Kind {
	case KindLinear:
		f := bl.Intercept
		for i, w := range bl.Weights {
			f += w * x[i]
		}
		platt := Platt{A: -1}
		if bl.Platt != nil {
			platt = *bl.Platt
		}
		return 1 / (1 + math.Exp(platt.A*f+platt.B))
	default:
		margin := bl.BaseMargin
		for _, t := range bl.Trees {
			margin += t.eval(x)
		}
		return sigmoid(margin)
	}
}

func (t Tree) eval(x []float64) float64 {
	k := 0
	for {
		node := t.Nodes[k]
		if node.IsLeaf {
			return node.Leaf
		}
		if x[node.Feature] < node.Threshold {
			k = node.Left
		} else {
			k = node.Right
		}
	}
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

// VerifySchema fails when the classifier was trained on a different feature order
func VerifySchema(c core.Classifier, schemaNames []string) error {
	trained := c.FeatureNames()
	if len(trained) != len(schemaNames) {
		return fmt.Errorf("%w: classifier expects %d features, schema has %d",
			core.ErrSchemaMismatch, len(trained), len(schemaNames))
	}
	for i := range trained {
		if trained[i] != schemaNames[i] {
			return fmt.Errorf("%w: feature %d is %q in classifier and %q in schema",
				core.ErrSchemaMismatch, i, trained[i], schemaNames[i])
		}
	}
	return nil
}
