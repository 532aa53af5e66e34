package filter

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"
	"github.com/mikey/phishguard/internal/core"
	"github.com/mikey/phishguard/internal/utils"
)

// MessageParser turns raw DATA into an InboundMessage
type MessageParser struct {
	text        *utils.TextProcessor
	maxBodySize int
}

// NewMessageParser creates a parser; bodies longer than maxBodySize bytes are truncated
func NewMessageParser(text *utils.TextProcessor, maxBodySize int) *MessageParser {
	return &MessageParser{text: text, maxBodySize: maxBodySize}
}

// Parse never fails outright: a malformed message comes back with ParseErr
// set and whatever headers could be read, so it can still be quarantined.
func (p *MessageParser) Parse(raw []byte, envelope core.Envelope) *core.InboundMessage {
	msg := &core.InboundMessage{
		Envelope: envelope,
		Raw:      raw,
	}

	entity, err := message.Read(bytes.NewReader(raw))
	if entity == nil {
		msg.ParseErr = fmt.Errorf("%w: %v", core.ErrParse, err)
		return msg
	}

	msg.From = headerText(&entity.Header, "From")
	msg.To = headerText(&entity.Header, "To")
	msg.Subject = headerText(&entity.Header, "Subject")
	msg.Date = entity.Header.Get("Date")

	// an unknown top-level transfer encoding leaves nothing to decode
	if err != nil && !message.IsUnknownCharset(err) {
		msg.ParseErr = fmt.Errorf("%w: %v", core.ErrParse, err)
		return msg
	}
	mr := mail.NewReader(entity)
	defer mr.Close()

	var plain, html *string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !isCharsetOrEncodingError(err) {
			msg.ParseErr = fmt.Errorf("%w: %v", core.ErrParse, err)
			return msg
		}
		if part == nil {
			continue
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			if name := inlineFilename(h); name != "" {
				a, err := readAttachment(name, &h.Header, part.Body)
				if err != nil {
					msg.ParseErr = fmt.Errorf("%w: %v", core.ErrParse, err)
					return msg
				}
				msg.Attachments = append(msg.Attachments, a)
				continue
			}

			contentType, _, _ := h.ContentType()
			if contentType == "" {
				contentType = "text/plain"
			}
			if contentType != "text/plain" && contentType != "text/html" {
				continue
			}
			if (contentType == "text/plain" && plain != nil) || (contentType == "text/html" && html != nil) {
				continue
			}

			data, err := io.ReadAll(part.Body)
			if err != nil {
				msg.ParseErr = fmt.Errorf("%w: failed to read body part: %v", core.ErrParse, err)
				return msg
			}
			s := string(data)
			if contentType == "text/plain" {
				plain = &s
			} else {
				html = &s
			}

		case *mail.AttachmentHeader:
			name, _ := h.Filename()
			if name == "" {
				name = "attachment"
			}
			a, err := readAttachment(name, &h.Header, part.Body)
			if err != nil {
				msg.ParseErr = fmt.Errorf("%w: %v", core.ErrParse, err)
				return msg
			}
			msg.Attachments = append(msg.Attachments, a)
		}
	}

	switch {
	case plain != nil:
		msg.Body = *plain
	case html != nil:
		msg.Body = html2text.HTML2Text(*html)
	default:
		msg.ParseErr = fmt.Errorf("%w: no text body found", core.ErrParse)
		return msg
	}

	msg.Body = p.text.ProcessText(msg.Body, p.maxBodySize)
	return msg
}

func readAttachment(name string, h *message.Header, body io.Reader) (core.Attachment, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return core.Attachment{}, fmt.Errorf("failed to read attachment %q: %w", name, err)
	}
	contentType, _, _ := h.ContentType()
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return core.Attachment{Filename: name, ContentType: contentType, Data: data}, nil
}

// inlineFilename returns the filename of an inline part that carries one,
// such as an embedded image
func inlineFilename(h *mail.InlineHeader) string {
	if _, params, err := h.ContentDisposition(); err == nil {
		if name := params["filename"]; name != "" {
			return name
		}
	}
	if _, params, err := h.ContentType(); err == nil {
		return params["name"]
	}
	return ""
}

func headerText(h *message.Header, key string) string {
	v, err := h.Text(key)
	if err != nil {
		return strings.TrimSpace(h.Get(key))
	}
	return strings.TrimSpace(v)
}

func isCharsetOrEncodingError(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}
