package filter

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/mikey/phishguard/internal/core"
)

// Headers added to every outgoing message
const (
	CaseHeader  = "X-Phishguard-Case"
	LabelHeader = "X-Phishguard-Label"
)

// Composer rebuilds the outgoing copy of an inspected message
type Composer struct {
	now func() time.Time
}

// NewComposer creates a new message composer
func NewComposer() *Composer {
	return &Composer{now: time.Now}
}

// Compose writes a new message with the tagged subject and a single
// text/plain body. Attachments are carried over only when keepAttachments is set.
func (c *Composer) Compose(msg *core.InboundMessage, caseID int64, label core.Label, body string, keepAttachments bool) ([]byte, error) {
	var h mail.Header
	setAddressHeader(&h, "From", msg.From)
	setAddressHeader(&h, "To", msg.To)
	if msg.Date != "" {
		h.Set("Date", msg.Date)
	} else {
		h.SetDate(c.now())
	}
	h.SetSubject(fmt.Sprintf("(%s) %s", label, msg.Subject))
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("failed to generate message id: %w", err)
	}
	h.Set(CaseHeader, strconv.FormatInt(caseID, 10))
	h.Set(LabelHeader, string(label))

	var buf bytes.Buffer

	if !keepAttachments || len(msg.Attachments) == 0 {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("failed to create message writer: %w", err)
		}
		if _, err := io.WriteString(w, body); err != nil {
			return nil, fmt.Errorf("failed to write body: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to close body: %w", err)
		}
		return buf.Bytes(), nil
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}

	var th mail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	tw, err := mw.CreateSingleInline(th)
	if err != nil {
		return nil, fmt.Errorf("failed to create body part: %w", err)
	}
	if _, err := io.WriteString(tw, body); err != nil {
		return nil, fmt.Errorf("failed to write body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close body: %w", err)
	}

	for _, a := range msg.Attachments {
		var ah mail.AttachmentHeader
		contentType := a.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		ah.SetContentType(contentType, nil)
		ah.SetFilename(a.Filename)

		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment %q: %w", a.Filename, err)
		}
		if _, err := aw.Write(a.Data); err != nil {
			return nil, fmt.Errorf("failed to write attachment %q: %w", a.Filename, err)
		}
		if err := aw.Close(); err != nil {
			return nil, fmt.Errorf("failed to close attachment %q: %w", a.Filename, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close message: %w", err)
	}
	return buf.Bytes(), nil
}

func setAddressHeader(h *mail.Header, key, value string) {
	if value == "" {
		return
	}
	if addrs, err := mail.ParseAddressList(value); err == nil && len(addrs) > 0 {
		h.SetAddressList(key, addrs)
		return
	}
	h.SetText(key, value)
}

var _ core.MessageComposer = (*Composer)(nil)
