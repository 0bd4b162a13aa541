package knowledge

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Section is one heading-delimited slice of a document.
type Section struct {
	Title   string
	Content string
}

// Ingester turns uploaded files into documents. Markdown is split into
// one document per heading; anything else becomes a single document.
type Ingester struct {
	store    *Store
	category string
	md       goldmark.Markdown
}

// NewIngester creates an ingester writing to store. Documents it creates
// carry category.
func NewIngester(store *Store, category string) *Ingester {
	return &Ingester{
		store:    store,
		category: category,
		md:       goldmark.New(),
	}
}

// IsMarkdown reports whether a filename or content type denotes markdown.
func IsMarkdown(name, contentType string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".markdown":
		return true
	}
	return strings.HasPrefix(contentType, "text/markdown")
}

// IsSupported reports whether the ingester accepts the file.
func IsSupported(name, contentType string) bool {
	if IsMarkdown(name, contentType) {
		return true
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".text":
		return true
	}
	return strings.HasPrefix(contentType, "text/plain")
}

// Ingest replaces every document previously ingested from source with
// the sections of content, returning how many were stored.
func (in *Ingester) Ingest(ctx context.Context, source, contentType string, content []byte) (int, error) {
	var sections []Section
	if IsMarkdown(source, contentType) {
		sections = in.SplitMarkdown(content, titleFromSource(source))
	} else {
		body := strings.TrimSpace(string(content))
		if body != "" {
			sections = []Section{{Title: titleFromSource(source), Content: body}}
		}
	}
	if len(sections) == 0 {
		return 0, fmt.Errorf("%w: %s has no content to ingest", ErrInvalidDocument, source)
	}

	if _, err := in.store.DeleteBySource(ctx, source); err != nil {
		return 0, err
	}

	count := 0
	for _, sec := range sections {
		if _, err := in.store.Add(ctx, Document{
			Title:    sec.Title,
			Category: in.category,
			Content:  sec.Content,
			Source:   source,
		}); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// SplitMarkdown parses src and returns one section per heading. Text
// before the first heading is titled fallback. Nested headings are
// titled "Parent: Child".
func (in *Ingester) SplitMarkdown(src []byte, fallback string) []Section {
	doc := in.md.Parser().Parse(text.NewReader(src))

	var (
		sections []Section
		trail    []string // heading text by level-1
		title    = fallback
		start    = -1
		end      = -1
	)

	flush := func() {
		if start >= 0 && end > start {
			body := strings.TrimSpace(string(src[start:end]))
			if body != "" {
				sections = append(sections, Section{Title: title, Content: body})
			}
		}
		start, end = -1, -1
	}

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		if h, ok := n.(*ast.Heading); ok {
			flush()
			label := strings.TrimSpace(string(h.Text(src)))
			if len(trail) >= h.Level {
				trail = trail[:h.Level-1]
			}
			for len(trail) < h.Level-1 {
				trail = append(trail, "")
			}
			trail = append(trail, label)
			title = joinTrail(trail)
			continue
		}

		first, last := blockRange(n, src)
		if first < 0 {
			continue
		}
		if start < 0 {
			start = first
		}
		end = last
	}
	flush()

	return sections
}

func joinTrail(trail []string) string {
	var parts []string
	for _, p := range trail {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) > 2 {
		parts = parts[len(parts)-2:]
	}
	return strings.Join(parts, ": ")
}

// blockRange returns the byte range of a block node, widened to whole
// lines so list markers and code fences are kept.
func blockRange(n ast.Node, src []byte) (int, int) {
	first, last := -1, -1
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || c.Type() != ast.TypeBlock {
			return ast.WalkContinue, nil
		}
		lines := c.Lines()
		if lines == nil || lines.Len() == 0 {
			return ast.WalkContinue, nil
		}
		if s := lines.At(0).Start; first < 0 || s < first {
			first = s
		}
		if e := lines.At(lines.Len() - 1).Stop; e > last {
			last = e
		}
		return ast.WalkContinue, nil
	})
	if first < 0 {
		return -1, -1
	}

	first = lineStart(src, first)
	last = lineEnd(src, last)
	if _, ok := n.(*ast.FencedCodeBlock); ok {
		// Lines exclude the fences themselves.
		first = lineStart(src, first-1)
		last = lineEnd(src, last+1)
	}
	return first, last
}

func lineStart(src []byte, pos int) int {
	if pos <= 0 {
		return 0
	}
	if pos > len(src) {
		pos = len(src)
	}
	if i := bytes.LastIndexByte(src[:pos], '\n'); i >= 0 {
		return i + 1
	}
	return 0
}

func lineEnd(src []byte, pos int) int {
	if pos >= len(src) {
		return len(src)
	}
	if pos > 0 && src[pos-1] == '\n' {
		return pos
	}
	if i := bytes.IndexByte(src[pos:], '\n'); i >= 0 {
		return pos + i + 1
	}
	return len(src)
}

func titleFromSource(source string) string {
	base := filepath.Base(source)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	name = strings.NewReplacer("-", " ", "_", " ").Replace(name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." {
		return "Untitled"
	}
	return name
}
