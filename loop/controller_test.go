package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pilot/llm"
)

// fakeModel scripts generation results per call and captures the messages it
// was handed.
type fakeModel struct {
	calls    int
	messages [][]llm.Message
	script   func(call int, req llm.GenerateRequest) (*llm.GenerateResult, error)
}

func (f *fakeModel) Generate(_ context.Context, req llm.GenerateRequest) (*llm.GenerateResult, error) {
	call := f.calls
	f.calls++
	f.messages = append(f.messages, req.Messages)
	return f.script(call, req)
}

// toolRound builds a one-step result invoking a single tool.
func toolRound(name, args string, usage llm.Usage) *llm.GenerateResult {
	tc := llm.ToolCall{ID: "c1", Name: name, Arguments: json.RawMessage(args)}
	return &llm.GenerateResult{
		Text: "working on it",
		Steps: []llm.StepResult{{
			Text:         "working on it",
			ToolCalls:    []llm.ToolCall{tc},
			ToolResults:  []llm.ToolResult{{ToolCallID: "c1", Name: name, Content: "ok"}},
			FinishReason: llm.FinishToolCalls,
			Usage:        usage,
		}},
		TotalUsage: usage,
	}
}

var smallUsage = llm.Usage{InputTokens: 100, OutputTokens: 20, TotalTokens: 120}

func TestControllerStopsAtMaxIterations(t *testing.T) {
	model := &fakeModel{script: func(call int, _ llm.GenerateRequest) (*llm.GenerateResult, error) {
		return toolRound("shell", fmt.Sprintf(`{"command":"run %d"}`, call), smallUsage), nil
	}}

	c := New("fix the build", Config{Budget: Budget{MaxIterations: 3}}, Deps{Model: model})
	result, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusDone, result.Status)
	assert.Equal(t, ReasonMaxIterations, result.Reason)
	assert.Equal(t, 3, result.Iterations)
	assert.Equal(t, 3, model.calls, "exactly one model call per iteration")
}

func TestControllerStopsOnCost(t *testing.T) {
	heavy := llm.Usage{InputTokens: 1_000_000, OutputTokens: 500_000, TotalTokens: 1_500_000}
	model := &fakeModel{script: func(int, llm.GenerateRequest) (*llm.GenerateResult, error) {
		return toolRound("shell", `{"command":"ls"}`, heavy), nil
	}}

	c := New("task", Config{}, Deps{Model: model})
	result, err := c.Run(context.Background())
	require.NoError(t, err)

	// One iteration accrues $10.50, so the pre-iteration check stops the
	// run before a second model call.
	assert.Equal(t, ReasonMaxCost, result.Reason)
	assert.Equal(t, 1, result.Iterations)
	assert.Equal(t, 1, model.calls)
	assert.InDelta(t, 10.5, result.Cost, 1e-9)
}

func TestControllerDoneTool(t *testing.T) {
	model := &fakeModel{script: func(call int, _ llm.GenerateRequest) (*llm.GenerateResult, error) {
		if call == 0 {
			return toolRound("write_file", `{"file_path":"main.go","content":"x"}`, smallUsage), nil
		}
		return toolRound("task_done", `{"summary":"build fixed and tests pass"}`, smallUsage), nil
	}}

	c := New("task", Config{}, Deps{Model: model})
	result, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusDone, result.Status)
	assert.Equal(t, ReasonCompleted, result.Reason)
	assert.Equal(t, "build fixed and tests pass", result.Summary)
	assert.Equal(t, 2, model.calls)
}

func TestControllerCompletionStrategy(t *testing.T) {
	model := &fakeModel{script: func(int, llm.GenerateRequest) (*llm.GenerateResult, error) {
		return toolRound("shell", `{"command":"make"}`, smallUsage), nil
	}}

	var evaluations int
	strategy := FuncCompletion(func(_ context.Context, _ *State) (CompletionCheck, error) {
		evaluations++
		if evaluations == 2 {
			return CompletionCheck{Complete: true, Summary: "sentinel found"}, nil
		}
		return CompletionCheck{}, nil
	})

	c := New("task", Config{}, Deps{Model: model, Completion: strategy})
	result, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ReasonCompleted, result.Reason)
	assert.Equal(t, "sentinel found", result.Summary)
	assert.Equal(t, 2, model.calls)
}

func TestControllerCompletionErrorIsNotComplete(t *testing.T) {
	model := &fakeModel{script: func(int, llm.GenerateRequest) (*llm.GenerateResult, error) {
		return toolRound("shell", `{"command":"make"}`, smallUsage), nil
	}}

	strategy := FuncCompletion(func(_ context.Context, _ *State) (CompletionCheck, error) {
		return CompletionCheck{}, errors.New("predicate exploded")
	})

	c := New("task", Config{Budget: Budget{MaxIterations: 2}}, Deps{Model: model, Completion: strategy})
	result, err := c.Run(context.Background())
	require.NoError(t, err)

	// A failing check never ends the run; the budget does.
	assert.Equal(t, ReasonMaxIterations, result.Reason)
	assert.Equal(t, 2, result.Iterations)
}

func TestControllerCircuitBreaker(t *testing.T) {
	model := &fakeModel{script: func(int, llm.GenerateRequest) (*llm.GenerateResult, error) {
		return &llm.GenerateResult{}, nil // no text, no tools, no tokens
	}}

	c := New("task", Config{}, Deps{Model: model})
	result, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, ReasonFailed, result.Reason)
	assert.Equal(t, 3, result.Iterations)
	assert.NotEmpty(t, result.Err)
}

func TestControllerModelErrorsCountAsBarren(t *testing.T) {
	model := &fakeModel{script: func(int, llm.GenerateRequest) (*llm.GenerateResult, error) {
		return nil, errors.New("provider down")
	}}

	c := New("task", Config{}, Deps{Model: model})
	result, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, 3, model.calls, "errors are recovered per iteration until the breaker trips")
}

func TestControllerStopFlag(t *testing.T) {
	model := &fakeModel{script: func(int, llm.GenerateRequest) (*llm.GenerateResult, error) {
		return toolRound("shell", `{"command":"ls"}`, smallUsage), nil
	}}

	c := New("task", Config{}, Deps{Model: model})
	c.Stop()
	result, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusStopped, result.Status)
	assert.Equal(t, ReasonStopped, result.Reason)
	assert.Equal(t, 0, result.Iterations)
	assert.Equal(t, 0, model.calls, "stop is honored before any model call")
}

func TestControllerStuckNudgeInjected(t *testing.T) {
	// Identical tool calls every iteration trip the repetitive check after
	// five records; the policy's nudge must appear in the next banner and
	// then be consumed.
	model := &fakeModel{script: func(int, llm.GenerateRequest) (*llm.GenerateResult, error) {
		return toolRound("shell", `{"command":"make test"}`, smallUsage), nil
	}}

	var verdicts []StuckReason
	policy := func(v StuckVerdict) string {
		verdicts = append(verdicts, v.Reason)
		return "Try a different approach: read the failing test first."
	}

	c := New("task", Config{Budget: Budget{MaxIterations: 6}}, Deps{Model: model, StuckPolicy: policy})
	result, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReasonMaxIterations, result.Reason)

	require.NotEmpty(t, verdicts)
	assert.Equal(t, StuckRepetitive, verdicts[0])

	// The sixth call's newest message carries the nudge.
	require.Equal(t, 6, model.calls)
	sixth := model.messages[5]
	banner := sixth[len(sixth)-1]
	assert.Equal(t, llm.RoleUser, banner.Role)
	assert.Contains(t, banner.Content, "Try a different approach")

	// The nudge was consumed by iteration 5 and recorded on it; the still
	// repetitive history re-arms a fresh one afterwards.
	assert.Equal(t, "Try a different approach: read the failing test first.", c.State().Iterations[5].Nudge)
	assert.Empty(t, c.State().Iterations[4].Nudge)
	assert.Len(t, verdicts, 2)
}

func TestControllerBanner(t *testing.T) {
	model := &fakeModel{script: func(int, llm.GenerateRequest) (*llm.GenerateResult, error) {
		return toolRound("shell", `{"command":"ls"}`, smallUsage), nil
	}}

	c := New("refactor the config loader", Config{Budget: Budget{MaxIterations: 2}}, Deps{Model: model})
	_, err := c.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 2, model.calls)
	first := model.messages[0][len(model.messages[0])-1]
	assert.Contains(t, first.Content, "[iteration 1 of 2")
	assert.Contains(t, first.Content, "refactor the config loader")

	second := model.messages[1][len(model.messages[1])-1]
	assert.Contains(t, second.Content, "[iteration 2 of 2")
	assert.Contains(t, second.Content, "Continue working on the task.")
}

func TestControllerTracksModifiedFiles(t *testing.T) {
	files := []string{"a.go", "b.go", "a.go"}
	model := &fakeModel{script: func(call int, _ llm.GenerateRequest) (*llm.GenerateResult, error) {
		return toolRound("write_file", fmt.Sprintf(`{"file_path":"%s","content":"x"}`, files[call]), smallUsage), nil
	}}

	c := New("task", Config{Budget: Budget{MaxIterations: 3}}, Deps{Model: model})
	_, err := c.Run(context.Background())
	require.NoError(t, err)

	state := c.State()
	assert.Equal(t, []string{"a.go", "b.go"}, state.ModifiedFiles())
	assert.Equal(t, []string{"a.go"}, state.Iterations[0].ModifiedFiles)
	assert.Equal(t, []string{"b.go"}, state.Iterations[1].ModifiedFiles)
	assert.Empty(t, state.Iterations[2].ModifiedFiles, "re-writing a known file adds nothing")
}

func TestControllerObserverSnapshots(t *testing.T) {
	model := &fakeModel{script: func(int, llm.GenerateRequest) (*llm.GenerateResult, error) {
		return toolRound("shell", `{"command":"ls"}`, smallUsage), nil
	}}

	var snapshots []Snapshot
	c := New("task", Config{Budget: Budget{MaxIterations: 3}}, Deps{
		Model:    model,
		Observer: func(s Snapshot) { snapshots = append(snapshots, s) },
	})
	_, err := c.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, snapshots, 3)
	for i, s := range snapshots {
		assert.Equal(t, i, s.Iteration)
		assert.Equal(t, 120*(i+1), s.Tokens.Total)
	}
}

func TestControllerRequiresModel(t *testing.T) {
	c := New("task", Config{}, Deps{})
	_, err := c.Run(context.Background())
	assert.Error(t, err)
}

func TestControllerIterationRecords(t *testing.T) {
	model := &fakeModel{script: func(int, llm.GenerateRequest) (*llm.GenerateResult, error) {
		return toolRound("shell", `{"command":"go build"}`, smallUsage), nil
	}}

	c := New("task", Config{Budget: Budget{MaxIterations: 2}}, Deps{Model: model})
	_, err := c.Run(context.Background())
	require.NoError(t, err)

	records := c.State().Iterations
	require.Len(t, records, 2)
	rec := records[0]
	assert.Equal(t, 0, rec.Index)
	assert.Equal(t, 120, rec.Tokens.Total)
	require.Len(t, rec.ToolCalls, 1)
	assert.Equal(t, "shell", rec.ToolCalls[0].Name)
	assert.Equal(t, ToolExec, rec.ToolCalls[0].Kind)
	assert.Equal(t, "go build", rec.ToolCalls[0].Target)
	assert.NotEmpty(t, rec.ToolCalls[0].Signature)
}
