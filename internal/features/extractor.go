package features

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/kljensen/snowball/english"
	"github.com/mikey/phishguard/internal/core"
	"github.com/mikey/phishguard/internal/utils"
)

var (
	urlPattern     = regexp.MustCompile(`https?://\S+`)
	urlHostPattern = regexp.MustCompile(`https?://([\w.-]+)`)
	nonAlpha       = regexp.MustCompile(`[^a-z\s]`)
)

// Extractor computes schema-aligned features. It holds no mutable state and
// is safe for concurrent use.
type Extractor struct {
	schema *Schema
}

// NewExtractor creates an extractor bound to a loaded schema
func NewExtractor(schema *Schema) *Extractor {
	return &Extractor{schema: schema}
}

// Schema returns the schema the extractor aligns to
func (e *Extractor) Schema() *Schema {
	return e.schema
}

// Normalize folds accents, lowercases, strips non-letters, removes stop-words and stems
func Normalize(text string) []string {
	text = strings.ToLower(utils.FoldAccents(text))
	text = nonAlpha.ReplaceAllString(text, "")

	fields := strings.Fields(text)
	words := make([]string, 0, len(fields))
	for _, w := range fields {
		if _, stop := stopWords[w]; stop {
			continue
		}
		words = append(words, english.Stem(w, true))
	}
	return words
}

// Extract computes structural features and the term-weight block for a body
func (e *Extractor) Extract(body string) *Features {
	urls := urlPattern.FindAllString(body, -1)
	words := Normalize(body)

	f := &Features{
		URLCount:             float64(len(urls)),
		URLSubdomainCount:    float64(subdomainDots(body)),
		URLDigitCount:        float64(urlsWithDigits(urls)),
		WordEntropy:          WordEntropy(words),
		PhishingKeywordCount: float64(KeywordCount(body)),
		EmailLength:          float64(len(words)),
		AvgWordLength:        avgWordLength(words),
		TermWeights:          e.termWeights(words),
	}
	if len(urls) > 0 {
		f.URLs = 1
	}
	return f
}

// Features is re-exported for callers that only import this package
type Features = core.Features

// Align orders features by the schema's feature names, filling unknown names with 0
func (e *Extractor) Align(f *Features) core.FeatureVector {
	names := e.schema.FeatureNames
	values := make([]float64, len(names))
	for i, name := range names {
		values[i] = lookup(f, name)
	}
	return core.FeatureVector{
		Names:  append([]string(nil), names...),
		Values: values,
	}
}

func lookup(f *Features, name string) float64 {
	switch name {
	case FeatureURLs:
		return f.URLs
	case FeatureURLCount:
		return f.URLCount
	case FeatureURLSubdomainCount:
		return f.URLSubdomainCount
	case FeatureURLDigitCount:
		return f.URLDigitCount
	case FeatureWordEntropy:
		return f.WordEntropy
	case FeaturePhishingKeywordCount:
		return f.PhishingKeywordCount
	case FeatureEmailLength:
		return f.EmailLength
	case FeatureAvgWordLength:
		return f.AvgWordLength
	}
	return f.TermWeights[name]
}

// termWeights weights term counts by the fixed idf and L2-normalizes over the vocabulary
func (e *Extractor) termWeights(words []string) map[string]float64 {
	counts := make(map[string]int, len(words))
	for _, w := range words {
		if len(w) < 2 {
			continue
		}
		counts[w]++
	}

	weights := make(map[string]float64, len(e.schema.Vocabulary))
	var norm float64
	for _, t := range e.schema.Vocabulary {
		w := float64(counts[t.Term]) * t.IDF
		weights[t.Term] = w
		norm += w * w
	}
	if norm == 0 {
		return weights
	}

	norm = math.Sqrt(norm)
	for _, t := range e.schema.Vocabulary {
		weights[t.Term] /= norm
	}
	return weights
}

// WordEntropy is the base-2 Shannon entropy of the word distribution
func WordEntropy(words []string) float64 {
	if len(words) == 0 {
		return 0
	}

	freq := make(map[string]int, len(words))
	for _, w := range words {
		freq[w]++
	}

	// summed in key order so the result does not depend on map iteration
	keys := make([]string, 0, len(freq))
	for k := range freq {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	total := float64(len(words))
	var h float64
	for _, k := range keys {
		p := float64(freq[k]) / total
		h -= p * math.Log2(p)
	}
	if h <= 0 {
		return 0
	}
	return h
}

// KeywordCount counts how many phishing keywords occur in the lowercased body
func KeywordCount(body string) int {
	lower := strings.ToLower(body)
	n := 0
	for _, kw := range phishingKeywords {
		if strings.Contains(lower, kw) {
			n++
		}
	}
	return n
}

func subdomainDots(body string) int {
	n := 0
	for _, m := range urlHostPattern.FindAllStringSubmatch(body, -1) {
		n += strings.Count(m[1], ".")
	}
	return n
}

func urlsWithDigits(urls []string) int {
	n := 0
	for _, u := range urls {
		if strings.ContainsAny(u, "0123456789") {
			n++
		}
	}
	return n
}

func avgWordLength(words []string) float64 {
	if len(words) == 0 {
		return 0
	}
	total := 0
	for _, w := range words {
		total += len(w)
	}
	return float64(total) / float64(len(words))
}
