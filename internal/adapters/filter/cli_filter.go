package filter

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mikey/phishguard/internal/core"
	"go.uber.org/zap"
)

// CliFilter inspects a single message offline and prints the analysis.
// Nothing is stored or relayed.
type CliFilter struct {
	parser   *MessageParser
	analyzer *core.Analyzer
	logger   *zap.Logger
	verbose  bool
	out      io.Writer
}

// NewCliFilter creates a new CLI filter writing to stdout
func NewCliFilter(parser *MessageParser, analyzer *core.Analyzer, logger *zap.Logger, verbose bool) *CliFilter {
	return &CliFilter{
		parser:   parser,
		analyzer: analyzer,
		logger:   logger,
		verbose:  verbose,
		out:      os.Stdout,
	}
}

// SetOutput redirects the report
func (f *CliFilter) SetOutput(w io.Writer) {
	f.out = w
}

// Inspect parses and analyzes raw and prints a report
func (f *CliFilter) Inspect(ctx context.Context, raw []byte) (*core.Analysis, error) {
	msg := f.parser.Parse(raw, core.Envelope{})
	if msg.ParseErr != nil {
		f.logger.Error("Failed to parse message", zap.Error(msg.ParseErr))
		fmt.Fprintf(f.out, "Error: %v\n", msg.ParseErr)
		return nil, msg.ParseErr
	}

	fmt.Fprintf(f.out, "\n=== Email Summary ===\n")
	fmt.Fprintf(f.out, "From: %s\n", msg.From)
	fmt.Fprintf(f.out, "To: %s\n", msg.To)
	fmt.Fprintf(f.out, "Subject: %s\n", msg.Subject)
	fmt.Fprintf(f.out, "Body length: %d bytes\n", len(msg.Body))
	fmt.Fprintf(f.out, "Attachments: %d\n", len(msg.Attachments))
	for _, name := range msg.AttachmentNames() {
		fmt.Fprintf(f.out, "  - %s\n", name)
	}

	started := time.Now()
	analysis, err := f.analyzer.Analyze(ctx, msg)
	if err != nil {
		f.logger.Error("Failed to analyze message", zap.Error(err))
		fmt.Fprintf(f.out, "Error: %v\n", err)
		return nil, err
	}
	duration := time.Since(started)

	feat := analysis.Features
	fmt.Fprintf(f.out, "\n=== Features ===\n")
	fmt.Fprintf(f.out, "urls: %.0f\n", feat.URLs)
	fmt.Fprintf(f.out, "url_count: %.0f\n", feat.URLCount)
	fmt.Fprintf(f.out, "url_subdomain_count: %.0f\n", feat.URLSubdomainCount)
	fmt.Fprintf(f.out, "url_digit_count: %.0f\n", feat.URLDigitCount)
	fmt.Fprintf(f.out, "word_entropy: %.4f\n", feat.WordEntropy)
	fmt.Fprintf(f.out, "phishing_keyword_count: %.0f\n", feat.PhishingKeywordCount)
	fmt.Fprintf(f.out, "email_length: %.0f\n", feat.EmailLength)
	fmt.Fprintf(f.out, "avg_word_length: %.4f\n", feat.AvgWordLength)

	if f.verbose {
		for i, name := range analysis.Vector.Names {
			if v := analysis.Vector.Values[i]; v != 0 {
				fmt.Fprintf(f.out, "  %s = %.4f\n", name, v)
			}
		}
	}

	fmt.Fprintf(f.out, "\n=== Results ===\n")
	fmt.Fprintf(f.out, "Label: %s\n", analysis.Label)
	fmt.Fprintf(f.out, "APT groups: %s\n", analysis.Attribution.Groups)
	fmt.Fprintf(f.out, "Techniques: %s\n", analysis.Attribution.Techniques)
	fmt.Fprintf(f.out, "Tactics: %s\n", analysis.Attribution.Tactics)
	fmt.Fprintf(f.out, "Links removed: %t\n", analysis.Sanitization.LinksRemoved)
	fmt.Fprintf(f.out, "Attachments removed: %t\n", analysis.Sanitization.AttachmentsRemoved)
	fmt.Fprintf(f.out, "Processing time: %v\n", duration)

	if analysis.Label == core.LabelPhishing {
		preview := analysis.Sanitization.Body
		if !f.verbose && len(preview) > 500 {
			preview = preview[:500] + "..."
		}
		fmt.Fprintf(f.out, "\nSanitized body:\n%s\n", preview)
	}

	return analysis, nil
}
