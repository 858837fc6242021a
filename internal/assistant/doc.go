// Package assistant implements the automated-reply collaborator consulted
// for conversations in bot mode.
//
// Providers:
//
//   - anthropic: Anthropic Messages API (github.com/anthropics/anthropic-sdk-go)
//   - openai: Chat Completions API or any compatible endpoint (github.com/openai/openai-go/v3)
//   - canned: a fixed auto-reply text
//   - none: automated replies disabled
//
// Providers receive the conversation history as alternating user/assistant
// turns, where the counterpart is the user and the operator (or an earlier
// automated reply) is the assistant.
package assistant
