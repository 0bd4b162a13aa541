package email

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/yuin/goldmark"
)

// ComposeOptions holds everything needed to build an RFC 5322 message.
// Body is markdown.
type ComposeOptions struct {
	// From is the sender address (e.g., "Support <help@example.com>").
	From string

	// To is the list of recipient addresses.
	To []string

	// ReplyTo optionally redirects replies away from From.
	ReplyTo string

	// Subject is the message subject line.
	Subject string

	// Body is the message body in markdown format.
	Body string

	// Headers are extra header fields, e.g. X-Supporthub-Ticket.
	Headers map[string]string

	// Date defaults to the current time.
	Date time.Time
}

// ComposeMessage builds a complete MIME message. The body markdown is
// converted to both text/plain and text/html parts in a
// multipart/alternative structure. Blind copies are never written to
// the header; pass them to SendMail as recipients only.
func ComposeMessage(opts ComposeOptions) ([]byte, error) {
	var buf bytes.Buffer

	var h mail.Header

	date := opts.Date
	if date.IsZero() {
		date = time.Now()
	}
	h.SetDate(date)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message-id: %w", err)
	}
	h.SetSubject(opts.Subject)

	from, err := mail.ParseAddress(opts.From)
	if err != nil {
		return nil, fmt.Errorf("parse from address %q: %w", opts.From, err)
	}
	h.SetAddressList("From", []*mail.Address{from})

	if len(opts.To) == 0 {
		return nil, fmt.Errorf("no recipients")
	}
	toAddrs, err := parseAddressList(opts.To)
	if err != nil {
		return nil, fmt.Errorf("parse to addresses: %w", err)
	}
	h.SetAddressList("To", toAddrs)

	if opts.ReplyTo != "" {
		rt, err := mail.ParseAddress(opts.ReplyTo)
		if err != nil {
			return nil, fmt.Errorf("parse reply-to address %q: %w", opts.ReplyTo, err)
		}
		h.SetAddressList("Reply-To", []*mail.Address{rt})
	}

	for k, v := range opts.Headers {
		h.Set(k, v)
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline writer: %w", err)
	}

	var ph mail.InlineHeader
	ph.Set("Content-Type", "text/plain; charset=utf-8")
	if err := writePart(tw, ph, markdownToPlain(opts.Body)); err != nil {
		return nil, fmt.Errorf("plain text part: %w", err)
	}

	htmlContent, err := markdownToHTML(opts.Body)
	if err != nil {
		return nil, fmt.Errorf("render markdown to HTML: %w", err)
	}
	var hh mail.InlineHeader
	hh.Set("Content-Type", "text/html; charset=utf-8")
	if err := writePart(tw, hh, htmlContent); err != nil {
		return nil, fmt.Errorf("html part: %w", err)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close inline writer: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mail writer: %w", err)
	}

	return buf.Bytes(), nil
}

func writePart(tw *mail.InlineWriter, h mail.InlineHeader, body string) error {
	w, err := tw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, body); err != nil {
		return err
	}
	return w.Close()
}

// parseAddressList parses "Name <addr>" or "addr" strings.
func parseAddressList(addrs []string) ([]*mail.Address, error) {
	result := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		parsed, err := mail.ParseAddress(a)
		if err != nil {
			return nil, fmt.Errorf("parse address %q: %w", a, err)
		}
		result = append(result, parsed)
	}
	return result, nil
}

// markdownToHTML renders markdown to a minimal HTML document with no
// external resources.
func markdownToHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}

	html := fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
%s
</body></html>`, buf.String())

	return html, nil
}

// Patterns for stripping markdown formatting.
var (
	mdBold       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdItalic     = regexp.MustCompile(`\*(.+?)\*`)
	mdLink       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	mdHeading    = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdQuote      = regexp.MustCompile(`(?m)^>\s?`)
	mdInlineCode = regexp.MustCompile("`([^`]+)`")
)

// markdownToPlain strips formatting characters while keeping line
// structure. List markers are left alone.
func markdownToPlain(md string) string {
	s := md
	s = mdLink.ReplaceAllString(s, "$1 ($2)")
	s = mdBold.ReplaceAllString(s, "$1")
	s = mdItalic.ReplaceAllString(s, "$1")
	s = mdInlineCode.ReplaceAllString(s, "$1")
	s = mdHeading.ReplaceAllString(s, "")
	s = mdQuote.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
