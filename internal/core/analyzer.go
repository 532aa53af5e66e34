package core

import (
	"context"
	"fmt"
)

// Analyzer runs the pure pipeline stages: extraction, classification,
// attribution and sanitization. It performs no I/O.
type Analyzer struct {
	extractor  FeatureExtractor
	classifier Classifier
	attributor Attributor
	sanitizer  Sanitizer
}

// NewAnalyzer creates an analyzer from its stages
func NewAnalyzer(extractor FeatureExtractor, classifier Classifier, attributor Attributor, sanitizer Sanitizer) *Analyzer {
	return &Analyzer{
		extractor:  extractor,
		classifier: classifier,
		attributor: attributor,
		sanitizer:  sanitizer,
	}
}

// Analyze scores a message. Attribution and sanitization only run for
// Phishing; Safe messages get the N/A attribution and an untouched body.
// On a classifier failure the returned analysis still carries the features
// and its label is Unknown.
func (a *Analyzer) Analyze(ctx context.Context, msg *InboundMessage) (*Analysis, error) {
	features := a.extractor.Extract(msg.Body)
	vector := a.extractor.Align(features)

	analysis := &Analysis{
		Features:     features,
		Vector:       vector,
		Label:        LabelUnknown,
		Attribution:  NotApplicableAttribution(),
		Sanitization: SanitizationResult{Body: msg.Body},
	}

	label, err := a.classifier.Classify(ctx, vector)
	if err != nil {
		return analysis, fmt.Errorf("%w: %v", ErrClassification, err)
	}
	analysis.Label = label

	if label == LabelPhishing {
		analysis.Attribution = a.attributor.Analyze(msg.Body, msg.Subject, msg.AttachmentNames())
		analysis.Sanitization = a.sanitizer.Sanitize(msg.Body, len(msg.Attachments) > 0)
	}

	return analysis, nil
}
