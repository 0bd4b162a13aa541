package prompts

import (
	"fmt"
	"strings"
)

// supportTemplate is the default system prompt. %s is the name of the
// lookup tool.
const supportTemplate = `Your primary role is to help users with their questions using the company's knowledge base. When a user asks a question:

1. First, search the knowledge base for relevant information using %s
2. Provide helpful, accurate answers based on the knowledge base content
3. If you can't find relevant information in the knowledge base, politely explain that you don't have that specific information and suggest creating a support ticket
4. Be friendly, professional, and concise
5. Always try to be helpful and guide users to the right solution

If you cannot answer a question satisfactorily, encourage the user to create a support ticket for human assistance.`

// SupportInstructions returns the system prompt for the support agent.
// A non-empty override replaces the built-in text entirely.
func SupportInstructions(toolName, override string) string {
	if o := strings.TrimSpace(override); o != "" {
		return o
	}
	return fmt.Sprintf(supportTemplate, toolName)
}
