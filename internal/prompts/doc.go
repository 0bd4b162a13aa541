// Package prompts holds the instructions sent to the reasoning backend.
//
// Prompt text is Go code rather than config files because it is program
// logic: it is interpolated with fmt, embedded at compile time, and
// covered by tests. Operators can still replace the system instructions
// with reasoning.instructions_file in config.yaml.
package prompts
