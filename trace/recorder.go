// Package trace provides an append-only structured event log for agent runs.
//
// Every recorded event becomes one line of NDJSON with an ISO-8601 "ts" and a
// "type" discriminator, written unbuffered so a crashed run still yields a
// valid prefix of events and the file can be tailed while the run is live.
package trace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event type discriminators.
const (
	EventRunStart        = "run_start"
	EventIterationStart  = "iteration_start"
	EventCompaction      = "compaction"
	EventModelResponse   = "model_response"
	EventToolCall        = "tool_call"
	EventFilesModified   = "files_modified"
	EventStuck           = "stuck"
	EventNudge           = "nudge"
	EventCompletionCheck = "completion_check"
	EventError           = "error"
	EventRunEnd          = "run_end"
	EventSummary         = "summary"
)

// Recorder writes NDJSON events to an append-only file, created lazily with
// its parent directory on first write. Write failures are logged and
// swallowed: a broken trace never aborts the run it is documenting.
type Recorder struct {
	path   string
	logger *zap.Logger

	mu   sync.Mutex
	file *os.File

	toolCounts map[string]int
	errorCount int
	stuckCount int
	eventCount int
}

// NewRecorder creates a recorder for the given file path. A nil logger is
// replaced with a no-op. An empty path disables recording entirely.
func NewRecorder(path string, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		path:       path,
		logger:     logger,
		toolCounts: make(map[string]int),
	}
}

// Record appends one event. The payload is sanitized (oversized strings
// truncated, base64 blobs and screenshot fields elided) before writing.
func (r *Recorder) Record(eventType string, payload map[string]interface{}) {
	if r == nil || r.path == "" {
		return
	}

	event := make(map[string]interface{}, len(payload)+2)
	for k, v := range payload {
		if k == "ts" || k == "type" {
			continue
		}
		event[k] = sanitizeValue(k, v)
	}
	event["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	event["type"] = eventType

	line, err := json.Marshal(event)
	if err != nil {
		r.logger.Warn("trace event not serializable", zap.String("type", eventType), zap.Error(err))
		return
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tally(eventType, payload)

	if r.file == nil {
		if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
			r.logger.Warn("trace directory not created", zap.Error(err))
			return
		}
		f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			r.logger.Warn("trace file not opened", zap.Error(err))
			return
		}
		r.file = f
	}

	if _, err := r.file.Write(line); err != nil {
		r.logger.Warn("trace write failed", zap.Error(err))
	}
}

// tally maintains the running counters flushed by RecordRunEnd. Caller holds
// the mutex.
func (r *Recorder) tally(eventType string, payload map[string]interface{}) {
	r.eventCount++
	switch eventType {
	case EventToolCall:
		if name, ok := payload["name"].(string); ok {
			r.toolCounts[name]++
		}
		if isErr, ok := payload["is_error"].(bool); ok && isErr {
			r.errorCount++
		}
	case EventError:
		r.errorCount++
	case EventStuck:
		r.stuckCount++
	}
}

// RecordRunStart logs the start of a run.
func (r *Recorder) RecordRunStart(runID string, payload map[string]interface{}) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["run_id"] = runID
	r.Record(EventRunStart, payload)
}

// RecordIterationStart logs the beginning of an iteration.
func (r *Recorder) RecordIterationStart(index int, cost float64, totalTokens int) {
	r.Record(EventIterationStart, map[string]interface{}{
		"iteration":    index,
		"cost":         cost,
		"total_tokens": totalTokens,
	})
}

// RecordModelResponse logs a model response and its token usage.
func (r *Recorder) RecordModelResponse(iteration int, text string, inputTokens, outputTokens int) {
	r.Record(EventModelResponse, map[string]interface{}{
		"iteration":     iteration,
		"text":          text,
		"input_tokens":  inputTokens,
		"output_tokens": outputTokens,
	})
}

// RecordToolCall logs a single tool invocation.
func (r *Recorder) RecordToolCall(name string, args map[string]interface{}, result string, isError bool, durationMs int64) {
	r.Record(EventToolCall, map[string]interface{}{
		"name":        name,
		"args":        args,
		"result":      result,
		"is_error":    isError,
		"duration_ms": durationMs,
	})
}

// RecordStuck logs a stuck verdict.
func (r *Recorder) RecordStuck(reason, details string, window int) {
	r.Record(EventStuck, map[string]interface{}{
		"reason":  reason,
		"details": details,
		"window":  window,
	})
}

// RecordError logs a recovered error.
func (r *Recorder) RecordError(where string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	r.Record(EventError, map[string]interface{}{
		"where": where,
		"error": msg,
	})
}

// RecordRunEnd logs the terminal event followed by the summary tally, then
// closes the file.
func (r *Recorder) RecordRunEnd(status, reason string, iterations int, cost float64) {
	r.Record(EventRunEnd, map[string]interface{}{
		"status":     status,
		"reason":     reason,
		"iterations": iterations,
		"cost":       cost,
	})

	r.mu.Lock()
	tools := make(map[string]interface{}, len(r.toolCounts))
	for name, count := range r.toolCounts {
		tools[name] = count
	}
	summary := map[string]interface{}{
		"tool_calls":  tools,
		"error_count": r.errorCount,
		"stuck_count": r.stuckCount,
		"event_count": r.eventCount,
	}
	r.mu.Unlock()

	r.Record(EventSummary, summary)
	r.Close()
}

// Close releases the underlying file. Safe to call multiple times.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}
}
