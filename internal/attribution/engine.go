package attribution

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/mikey/phishguard/internal/core"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	"lukechampine.com/blake3"
)

// Procedure is one adversary group's observable usage of a technique
type Procedure struct {
	APTGroup string   `json:"apt_group" yaml:"apt_group"`
	Patterns []string `json:"patterns" yaml:"patterns"`
}

// Technique is one corpus entry
type Technique struct {
	Technique  string      `json:"technique" yaml:"technique"`
	Tactic     string      `json:"tactic" yaml:"tactic"`
	Procedures []Procedure `json:"procedures" yaml:"procedures"`
}

// Corpus is an immutable, lowercased rule set keyed by technique id
type Corpus struct {
	Version    string
	Techniques map[string]Technique
}

// ParseCorpus decodes corpus bytes; format is chosen by the file extension
func ParseCorpus(data []byte, ext string) (*Corpus, error) {
	raw := make(map[string]Technique)
	var err error
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode attribution corpus: %w", err)
	}

	for id, t := range raw {
		for i := range t.Procedures {
			patterns := make([]string, 0, len(t.Procedures[i].Patterns))
			for _, p := range t.Procedures[i].Patterns {
				// an empty pattern would match every message
				if p = strings.ToLower(p); p != "" {
					patterns = append(patterns, p)
				}
			}
			t.Procedures[i].Patterns = patterns
		}
		raw[id] = t
	}

	sum := blake3.Sum256(data)
	return &Corpus{
		Version:    hex.EncodeToString(sum[:]),
		Techniques: raw,
	}, nil
}

// LoadCorpus reads a corpus file
func LoadCorpus(path string) (*Corpus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read attribution corpus: %w", err)
	}
	return ParseCorpus(data, filepath.Ext(path))
}

// Engine matches messages against the current corpus
type Engine struct {
	corpus atomic.Pointer[Corpus]
	logger *zap.Logger
}

// NewEngine creates an engine serving the given corpus
func NewEngine(corpus *Corpus, logger *zap.Logger) *Engine {
	e := &Engine{logger: logger}
	e.corpus.Store(corpus)
	return e
}

// Corpus returns the corpus currently in use
func (e *Engine) Corpus() *Corpus {
	return e.corpus.Load()
}

// Version returns the digest of the corpus in use
func (e *Engine) Version() string {
	if c := e.corpus.Load(); c != nil {
		return c.Version
	}
	return ""
}

// Swap replaces the corpus; in-flight analyses keep the one they started with
func (e *Engine) Swap(corpus *Corpus) {
	previous := e.Version()
	e.corpus.Store(corpus)
	e.logger.Info("Attribution corpus loaded",
		zap.String("version", corpus.Version),
		zap.String("previous_version", previous),
		zap.Int("techniques", len(corpus.Techniques)))
}

// Analyze records every (group, technique, tactic) whose pattern occurs in
// the body, the subject or an attachment filename
func (e *Engine) Analyze(body, subject string, attachmentNames []string) core.APTAttribution {
	corpus := e.corpus.Load()
	if corpus == nil {
		return core.UnknownAttribution()
	}

	body = strings.ToLower(body)
	subject = strings.ToLower(subject)
	names := make([]string, len(attachmentNames))
	for i, n := range attachmentNames {
		names[i] = strings.ToLower(n)
	}

	groups := make(map[string]struct{})
	techniques := make(map[string]struct{})
	tactics := make(map[string]struct{})

	for id, t := range corpus.Techniques {
		for _, proc := range t.Procedures {
			for _, pattern := range proc.Patterns {
				if !matches(pattern, body, subject, names) {
					continue
				}
				groups[proc.APTGroup] = struct{}{}
				techniques[fmt.Sprintf("%s (%s)", t.Technique, id)] = struct{}{}
				tactics[t.Tactic] = struct{}{}
			}
		}
	}

	if len(groups) == 0 {
		return core.UnknownAttribution()
	}

	return core.APTAttribution{
		Groups:     "Probably " + joinSorted(groups),
		Techniques: joinSorted(techniques),
		Tactics:    joinSorted(tactics),
	}
}

func matches(pattern, body, subject string, names []string) bool {
	if strings.Contains(body, pattern) || strings.Contains(subject, pattern) {
		return true
	}
	for _, n := range names {
		if strings.Contains(n, pattern) {
			return true
		}
	}
	return false
}

func joinSorted(set map[string]struct{}) string {
	items := make([]string, 0, len(set))
	for s := range set {
		items = append(items, s)
	}
	sort.Strings(items)
	return strings.Join(items, ", ")
}
