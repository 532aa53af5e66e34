package sanitize

import (
	"regexp"

	"github.com/mikey/phishguard/internal/core"
)

const (
	RemovedLinksMarker       = "\n\n[Removed Links]"
	RemovedAttachmentsMarker = "\n[Removed Attachments]"
)

// linkPattern is used both to detect and to remove links
var linkPattern = regexp.MustCompile(`https?://(?:[a-zA-Z]|[0-9]|[$-_@.&+]|[!*\\(\\),]|(?:%[0-9a-fA-F][0-9a-fA-F]))+`)

// Sanitizer rewrites the body of flagged messages
type Sanitizer struct{}

// NewSanitizer creates a Sanitizer
func NewSanitizer() *Sanitizer {
	return &Sanitizer{}
}

// Sanitize removes links and notes dropped attachments
func (s *Sanitizer) Sanitize(body string, hasAttachments bool) core.SanitizationResult {
	result := core.SanitizationResult{Body: body}

	if linkPattern.MatchString(body) {
		result.Body = linkPattern.ReplaceAllString(body, "") + RemovedLinksMarker
		result.LinksRemoved = true
	}

	if hasAttachments {
		result.Body += RemovedAttachmentsMarker
		result.AttachmentsRemoved = true
	}

	return result
}
