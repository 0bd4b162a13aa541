package knowledge

import (
	"context"
	"strings"
	"testing"
)

const faqMarkdown = `Intro text before any heading.

# Billing

General billing notes.

## Refunds

Refunds are issued within 5 business days.

- Card payments
- Bank transfers

## Invoices

` + "```" + `
GET /v1/invoices
` + "```" + `

# Security

Enable two-factor authentication.
`

func TestSplitMarkdown(t *testing.T) {
	in := NewIngester(nil, "")
	sections := in.SplitMarkdown([]byte(faqMarkdown), "faq")

	want := []struct {
		title    string
		contains []string
	}{
		{"faq", []string{"Intro text"}},
		{"Billing", []string{"General billing notes."}},
		{"Billing: Refunds", []string{"5 business days", "- Card payments", "- Bank transfers"}},
		{"Billing: Invoices", []string{"```", "GET /v1/invoices"}},
		{"Security", []string{"two-factor"}},
	}

	if len(sections) != len(want) {
		for _, s := range sections {
			t.Logf("section %q: %q", s.Title, s.Content)
		}
		t.Fatalf("got %d sections, want %d", len(sections), len(want))
	}
	for i, w := range want {
		if sections[i].Title != w.title {
			t.Errorf("section %d title = %q, want %q", i, sections[i].Title, w.title)
		}
		for _, c := range w.contains {
			if !strings.Contains(sections[i].Content, c) {
				t.Errorf("section %q missing %q in %q", w.title, c, sections[i].Content)
			}
		}
	}
	if strings.Count(sections[3].Content, "```") != 2 {
		t.Errorf("code fences not preserved: %q", sections[3].Content)
	}
}

func TestIngest_ReplacesPreviousUpload(t *testing.T) {
	s := setupTestStore(t)
	in := NewIngester(s, "uploaded")
	ctx := context.Background()

	n, err := in.Ingest(ctx, "faq.md", "text/markdown", []byte(faqMarkdown))
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("ingested %d sections, want 5", n)
	}

	n, err = in.Ingest(ctx, "faq.md", "", []byte("# Only\n\nOne section now."))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("re-ingest stored %d, want 1", n)
	}
	if c, _ := s.Count(ctx); c != 1 {
		t.Errorf("Count() = %d after re-ingest, want 1", c)
	}
}

func TestIngest_PlainText(t *testing.T) {
	s := setupTestStore(t)
	in := NewIngester(s, "uploaded")

	n, err := in.Ingest(context.Background(), "shipping_policy.txt", "text/plain", []byte("We ship worldwide.\n# not a heading"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("stored %d, want 1", n)
	}
	docs, _ := s.Search(context.Background(), "ship worldwide", 3)
	if len(docs) != 1 || docs[0].Title != "shipping policy" {
		t.Errorf("docs = %+v", docs)
	}
}

func TestIngest_Empty(t *testing.T) {
	in := NewIngester(setupTestStore(t), "")
	if _, err := in.Ingest(context.Background(), "blank.md", "", []byte("   \n")); err == nil {
		t.Error("empty upload should fail")
	}
}

func TestIsSupported(t *testing.T) {
	tests := []struct {
		name, ct string
		want     bool
	}{
		{"guide.md", "", true},
		{"notes.TXT", "", true},
		{"upload", "text/plain; charset=utf-8", true},
		{"manual.pdf", "application/pdf", false},
		{"photo.png", "image/png", false},
	}
	for _, tt := range tests {
		if got := IsSupported(tt.name, tt.ct); got != tt.want {
			t.Errorf("IsSupported(%q, %q) = %v, want %v", tt.name, tt.ct, got, tt.want)
		}
	}
}
