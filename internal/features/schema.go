package features

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mikey/phishguard/internal/core"
	"gopkg.in/yaml.v3"
	"lukechampine.com/blake3"
)

// VocabularySize is the fixed size of the weighted-vocabulary block
const VocabularySize = 125

// Structural feature names as used by the training job
const (
	FeatureURLs                 = "urls"
	FeatureURLCount             = "url_count"
	FeatureURLSubdomainCount    = "url_subdomain_count"
	FeatureURLDigitCount        = "url_digit_count"
	FeatureWordEntropy          = "word_entropy"
	FeaturePhishingKeywordCount = "phishing_keyword_count"
	FeatureEmailLength          = "email_length"
	FeatureAvgWordLength        = "avg_word_length"
)

// StructuralFeatures lists the structural features in training order
var StructuralFeatures = []string{
	FeatureURLs,
	FeatureURLCount,
	FeatureURLSubdomainCount,
	FeatureURLDigitCount,
	FeatureWordEntropy,
	FeaturePhishingKeywordCount,
	FeatureEmailLength,
	FeatureAvgWordLength,
}

// Term is one vocabulary entry with its inverse document frequency
type Term struct {
	Term string  `json:"term" yaml:"term"`
	IDF  float64 `json:"idf" yaml:"idf"`
}

// Schema is the immutable feature-schema artifact produced at training time
type Schema struct {
	Version      string   `json:"version" yaml:"version"`
	FeatureNames []string `json:"feature_names" yaml:"feature_names"`
	Vocabulary   []Term   `json:"vocabulary" yaml:"vocabulary"`

	// Fingerprint is the blake3 digest of the artifact bytes
	Fingerprint string `json:"-" yaml:"-"`
}

// LoadSchema reads a JSON or YAML schema artifact
func LoadSchema(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read feature schema: %w", err)
	}

	var s Schema
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &s)
	default:
		err = json.Unmarshal(data, &s)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode feature schema %s: %w", path, err)
	}

	sum := blake3.Sum256(data)
	s.Fingerprint = hex.EncodeToString(sum[:])

	if err := s.init(); err != nil {
		return nil, err
	}
	return &s, nil
}

// NewSchema builds a schema from in-memory parts
func NewSchema(version string, featureNames []string, vocabulary []Term) (*Schema, error) {
	s := &Schema{
		Version:      version,
		FeatureNames: append([]string(nil), featureNames...),
		Vocabulary:   append([]Term(nil), vocabulary...),
	}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Schema) init() error {
	if len(s.FeatureNames) == 0 {
		return fmt.Errorf("%w: schema has no feature names", core.ErrSchemaMismatch)
	}
	if len(s.Vocabulary) != VocabularySize {
		return fmt.Errorf("%w: vocabulary has %d terms, want %d", core.ErrSchemaMismatch, len(s.Vocabulary), VocabularySize)
	}

	seen := make(map[string]struct{}, len(s.FeatureNames))
	for _, name := range s.FeatureNames {
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: duplicate feature name %q", core.ErrSchemaMismatch, name)
		}
		seen[name] = struct{}{}
	}

	terms := make(map[string]struct{}, len(s.Vocabulary))
	for _, t := range s.Vocabulary {
		if t.Term == "" {
			return fmt.Errorf("%w: empty vocabulary term", core.ErrSchemaMismatch)
		}
		if _, dup := terms[t.Term]; dup {
			return fmt.Errorf("%w: duplicate vocabulary term %q", core.ErrSchemaMismatch, t.Term)
		}
		terms[t.Term] = struct{}{}
	}
	return nil
}
