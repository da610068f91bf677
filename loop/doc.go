// Package loop drives an autonomous coding agent: a controller repeatedly
// invokes a model with tools until the task completes, a resource budget is
// exhausted, or the agent is judged stuck.
//
// The controller owns the iteration state machine and cooperates with four
// collaborators: a BudgetTracker (limit gates), a Compactor (context-window
// compaction), a StuckAnalyzer (syntactic no-progress detection over recent
// iteration history), and a trace.Recorder (append-only NDJSON event log).
// Tool execution and the model itself stay behind the llm.Generator boundary.
//
// The loop is single-threaded cooperative: one iteration fully completes,
// including all nested tool-call steps, before the next begins. A stop
// request is honored only at the top of the next iteration; in-flight model
// and tool calls are never forcibly aborted.
package loop
