package llm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// StepGenerator implements Generator on top of a Client: one Generate call
// runs up to StepLimit tool-execution rounds against the provider, feeding
// tool results back into the conversation between rounds.
type StepGenerator struct {
	client *Client
	policy RetryPolicy
}

// NewStepGenerator creates a StepGenerator with the default retry policy.
func NewStepGenerator(client *Client) *StepGenerator {
	return &StepGenerator{client: client, policy: DefaultRetryPolicy()}
}

// SetRetryPolicy overrides the retry policy for provider calls.
func (g *StepGenerator) SetRetryPolicy(policy RetryPolicy) {
	g.policy = policy
}

// Generate runs the bounded tool-execution loop. It stops when the model
// produces no tool calls, when a tool is passive (no Execute handler), or
// when the step limit is exhausted.
func (g *StepGenerator) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	toolDefs := make([]ToolDefinition, 0, len(req.Tools))
	toolMap := make(map[string]Tool, len(req.Tools))
	for _, t := range req.Tools {
		toolDefs = append(toolDefs, t.Definition())
		toolMap[t.Name] = t
	}

	conversation := make([]Message, 0, len(req.Messages)+1)
	if req.System != "" {
		conversation = append(conversation, SystemMessage(req.System))
	}
	conversation = append(conversation, req.Messages...)

	var steps []StepResult
	var totalUsage Usage

	for round := 0; ; round++ {
		creq := Request{
			Model:     req.Model,
			Messages:  conversation,
			ToolDefs:  toolDefs,
			MaxTokens: req.MaxTokens,
		}

		resp, err := Retry(ctx, g.policy, func(ctx context.Context) (*Response, error) {
			return g.client.Complete(ctx, creq)
		})
		if err != nil {
			return nil, err
		}

		step := StepResult{
			Text:         resp.Text,
			ToolCalls:    resp.ToolCalls,
			FinishReason: resp.FinishReason,
			Usage:        resp.Usage,
		}

		if len(resp.ToolCalls) > 0 && resp.FinishReason == FinishToolCalls && round < req.StepLimit &&
			!hasPassiveCall(toolMap, resp.ToolCalls) {
			step.ToolResults = executeToolsConcurrently(ctx, toolMap, resp.ToolCalls)
		}

		steps = append(steps, step)
		totalUsage = totalUsage.Add(resp.Usage)

		if len(step.ToolResults) == 0 {
			break // natural completion, passive tools, or step budget exhausted
		}

		conversation = append(conversation, AssistantMessage(resp.Text, resp.ToolCalls))
		for _, result := range step.ToolResults {
			content := TruncateOutput(result.Content, DefaultToolOutputLimit, TruncateHeadTail)
			conversation = append(conversation, ToolResultMessage(result.ToolCallID, content, result.IsError))
		}
	}

	last := steps[len(steps)-1]
	return &GenerateResult{
		Text:       last.Text,
		Steps:      steps,
		TotalUsage: totalUsage,
	}, nil
}

// hasPassiveCall reports whether any call targets a registered tool without
// an Execute handler. Such a round is returned to the caller unexecuted.
func hasPassiveCall(toolMap map[string]Tool, calls []ToolCall) bool {
	for _, tc := range calls {
		if tool, ok := toolMap[tc.Name]; ok && tool.Execute == nil {
			return true
		}
	}
	return false
}

// executeToolsConcurrently executes all tool calls in parallel. Unregistered
// tools produce error results; passive tools never reach this point.
func executeToolsConcurrently(ctx context.Context, toolMap map[string]Tool, calls []ToolCall) []ToolResult {
	results := make([]ToolResult, len(calls))
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc ToolCall) {
			defer wg.Done()

			start := time.Now()
			tool, ok := toolMap[tc.Name]
			if !ok {
				results[idx] = ToolResult{
					ToolCallID: tc.ID,
					Name:       tc.Name,
					Content:    fmt.Sprintf("Unknown tool: %s", tc.Name),
					IsError:    true,
				}
				return
			}

			output, err := tool.Execute(ctx, tc.Arguments)
			duration := time.Since(start).Milliseconds()
			if err != nil {
				results[idx] = ToolResult{
					ToolCallID: tc.ID,
					Name:       tc.Name,
					Content:    fmt.Sprintf("Tool execution error: %v", err),
					IsError:    true,
					DurationMs: duration,
				}
				return
			}

			results[idx] = ToolResult{
				ToolCallID: tc.ID,
				Name:       tc.Name,
				Content:    output,
				DurationMs: duration,
			}
		}(i, call)
	}

	wg.Wait()
	return results
}
