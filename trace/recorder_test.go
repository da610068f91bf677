package trace

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readEvents(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []map[string]interface{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		var event map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &event), "every line must parse as JSON")
		events = append(events, event)
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestRecorderWritesNDJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.ndjson")
	r := NewRecorder(path, nil)

	r.RecordRunStart("run-1", map[string]interface{}{"task": "fix build"})
	r.RecordIterationStart(0, 0, 0)
	r.RecordToolCall("shell", map[string]interface{}{"command": "make"}, "ok", false, 42)
	r.RecordRunEnd("done", "completed", 1, 0.12)

	events := readEvents(t, path)
	require.Len(t, events, 5, "run_start, iteration_start, tool_call, run_end, summary")

	for _, event := range events {
		ts, ok := event["ts"].(string)
		require.True(t, ok, "every event carries ts")
		_, err := time.Parse(time.RFC3339Nano, ts)
		assert.NoError(t, err)
		assert.NotEmpty(t, event["type"])
	}

	assert.Equal(t, EventRunStart, events[0]["type"])
	assert.Equal(t, "run-1", events[0]["run_id"])
	assert.Equal(t, EventSummary, events[4]["type"])
}

func TestRecorderLazyDirectoryCreation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "run.ndjson")
	r := NewRecorder(path, nil)

	_, err := os.Stat(filepath.Dir(path))
	assert.True(t, os.IsNotExist(err), "no directory before the first event")

	r.Record(EventError, map[string]interface{}{"where": "test"})
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestRecorderDisabledWithEmptyPath(t *testing.T) {
	r := NewRecorder("", nil)
	r.Record(EventToolCall, map[string]interface{}{"name": "shell"})
	r.RecordRunEnd("done", "completed", 0, 0)
	// Nothing to assert beyond not panicking; no file was named.
}

func TestRecorderNilSafe(t *testing.T) {
	var r *Recorder
	r.Record(EventError, nil)
}

func TestRecorderSanitizesBase64(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.ndjson")
	r := NewRecorder(path, nil)

	blob := strings.Repeat("QUJDREVGR0g=", 200) // 2400 chars of base64
	r.Record(EventToolCall, map[string]interface{}{"name": "shell", "result": blob})

	events := readEvents(t, path)
	require.Len(t, events, 1)
	result := events[0]["result"].(string)
	assert.Contains(t, result, "[base64 data:")
	assert.NotContains(t, result, "QUJDREVGR0g")
}

func TestRecorderTruncatesLongStrings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.ndjson")
	r := NewRecorder(path, nil)

	// Long but clearly not base64.
	long := strings.Repeat("hello world! ", 1000)
	r.Record(EventModelResponse, map[string]interface{}{"text": long})

	events := readEvents(t, path)
	text := events[0]["text"].(string)
	assert.Less(t, len(text), 2200)
	assert.Contains(t, text, "[truncated")
}

func TestRecorderElidesScreenshotFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.ndjson")
	r := NewRecorder(path, nil)

	r.Record(EventToolCall, map[string]interface{}{
		"name": "screenshot",
		"args": map[string]interface{}{"screenshot_data": "iVBORw0KGgo", "image": "abc"},
	})

	events := readEvents(t, path)
	args := events[0]["args"].(map[string]interface{})
	assert.Equal(t, "[elided]", args["screenshot_data"])
	assert.Equal(t, "[elided]", args["image"])
	assert.Equal(t, "screenshot", events[0]["name"])
}

func TestRecorderSummaryTally(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.ndjson")
	r := NewRecorder(path, nil)

	r.RecordToolCall("shell", nil, "ok", false, 1)
	r.RecordToolCall("shell", nil, "boom", true, 1)
	r.RecordToolCall("edit_file", nil, "ok", false, 1)
	r.RecordStuck("repetitive", "same calls", 8)
	r.RecordError("iteration", assert.AnError)
	r.RecordRunEnd("done", "max_iterations", 5, 1.5)

	events := readEvents(t, path)
	summary := events[len(events)-1]
	require.Equal(t, EventSummary, summary["type"])

	tools := summary["tool_calls"].(map[string]interface{})
	assert.Equal(t, float64(2), tools["shell"])
	assert.Equal(t, float64(1), tools["edit_file"])
	assert.Equal(t, float64(2), summary["error_count"], "one failing tool call plus one recorded error")
	assert.Equal(t, float64(1), summary["stuck_count"])
}

func TestRecorderAppendsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.ndjson")

	first := NewRecorder(path, nil)
	first.Record(EventRunStart, map[string]interface{}{"run_id": "a"})
	first.Close()

	second := NewRecorder(path, nil)
	second.Record(EventRunStart, map[string]interface{}{"run_id": "b"})
	second.Close()

	events := readEvents(t, path)
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0]["run_id"])
	assert.Equal(t, "b", events[1]["run_id"])
}
