package prompts

import (
	"strings"
	"testing"
)

func TestSupportInstructions(t *testing.T) {
	got := SupportInstructions("search_knowledge_base", "")
	if !strings.Contains(got, "search_knowledge_base") {
		t.Error("default instructions should name the lookup tool")
	}
	if !strings.Contains(got, "support ticket") {
		t.Error("default instructions should mention support tickets")
	}

	if got := SupportInstructions("x", "  Be terse.  "); got != "Be terse." {
		t.Errorf("override = %q, want %q", got, "Be terse.")
	}
}
