package prompts

// EmptyResponseNudge is injected when the model returns no content
// after executing tool calls, giving it one more chance to answer.
const EmptyResponseNudge = "You searched the knowledge base but did not answer the user. Please respond now."

// ToolLimitNudge is appended before the final tool-less call once the
// tool iteration budget is spent.
const ToolLimitNudge = "You have used all available knowledge base lookups for this message. Answer the user now with what you have found."
