package knowledge

import (
	"context"
	"fmt"
	"strings"
)

// ToolName is the name the reasoning backend uses to call Search.
const ToolName = "search_knowledge_base"

// ToolDescription tells the model when to reach for the tool.
const ToolDescription = "Search the company knowledge base for relevant documentation and information."

// ToolHandler returns a function compatible with the tools.Tool Handler
// signature. Matches are rendered as plain text; an empty result is a
// normal answer, not an error, so the model can say it does not know.
func ToolHandler(store *Store, limit int) func(ctx context.Context, args map[string]any) (string, error) {
	return func(ctx context.Context, args map[string]any) (string, error) {
		query, _ := args["query"].(string)
		query = strings.TrimSpace(query)
		if query == "" {
			return "", fmt.Errorf("%s: query is required", ToolName)
		}

		docs, err := store.Search(ctx, query, limit)
		if err != nil {
			return "", err
		}
		return FormatResults(query, docs), nil
	}
}

// FormatResults renders search hits for the model.
func FormatResults(query string, docs []Document) string {
	if len(docs) == 0 {
		return fmt.Sprintf("No information found for %q in the knowledge base.", query)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d article(s) for %q:\n", len(docs), query)
	for i, d := range docs {
		fmt.Fprintf(&sb, "\n%d. %s\n%s\n", i+1, d.Title, d.Content)
	}
	return sb.String()
}

// ToolDefinition returns the JSON Schema parameters for the tool.
func ToolDefinition() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Free-text description of what the user needs help with.",
			},
		},
		"required": []string{"query"},
	}
}
