// Package llm is the model boundary for the agent loop.
//
// It presents a chat-completion style interface over gollm: a Client routes
// blocking requests to a registered provider adapter, and Generate wraps the
// client with a bounded tool-execution step loop, automatic retries for
// transient provider failures, and output truncation.
//
// The loop package consumes this boundary through the Generator interface,
// so any conforming implementation (including test fakes) is acceptable.
package llm
