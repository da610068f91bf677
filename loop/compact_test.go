package loop

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pilot/llm"
)

type fakeSummarizer struct {
	calls   int
	summary string
	err     error
}

func (f *fakeSummarizer) Summarize(_ context.Context, _ string, _ int) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.summary, nil
}

// bulkMessages builds n messages of roughly size chars each.
func bulkMessages(n, size int) []llm.Message {
	msgs := make([]llm.Message, n)
	for i := range msgs {
		msgs[i] = llm.UserMessage(strings.Repeat("a", size))
	}
	return msgs
}

func TestCompactIdentityBelowThreshold(t *testing.T) {
	c := NewCompactor(DefaultCompactConfig(), nil, nil)

	// 100 messages of 1000 chars each estimates to ~25k tokens.
	msgs := bulkMessages(100, 1000)
	out := c.Compact(context.Background(), "system", msgs)
	require.Len(t, out, 100)
	for i := range msgs {
		assert.Equal(t, msgs[i], out[i])
	}
}

func TestCompactIdentityAtExactThreshold(t *testing.T) {
	cfg := DefaultCompactConfig()
	c := NewCompactor(cfg, nil, nil)

	// Exactly BasicThreshold tokens once divided by 4.
	msgs := []llm.Message{llm.UserMessage(strings.Repeat("a", cfg.BasicThreshold*4))}
	out := c.Compact(context.Background(), "", msgs)
	assert.Len(t, out, 1)
	assert.Equal(t, msgs[0], out[0])
}

func TestCompactFoldsOlderKeepsRecent(t *testing.T) {
	c := NewCompactor(DefaultCompactConfig(), nil, nil)

	// 60 messages of 7000 chars estimates to ~91k tokens: above basic,
	// below AI threshold, so the heuristic summary is used.
	msgs := bulkMessages(60, 7000)
	for i := 52; i < 60; i++ {
		msgs[i] = llm.UserMessage("recent-" + strings.Repeat("b", 100))
	}

	out := c.Compact(context.Background(), "", msgs)
	require.Len(t, out, 9, "summary message plus the 8 kept recent")
	assert.Contains(t, out[0].Content, "52 earlier messages compacted")
	for i := 0; i < 8; i++ {
		assert.Equal(t, msgs[52+i], out[i+1], "recent messages preserved verbatim")
	}
}

func TestCompactUsesSummarizerAboveAIThreshold(t *testing.T) {
	sum := &fakeSummarizer{summary: "- fixed the parser\n- tests now pass"}
	c := NewCompactor(DefaultCompactConfig(), sum, nil)

	// 130k estimated tokens is above the AI threshold.
	msgs := bulkMessages(65, 8000)
	out := c.Compact(context.Background(), "", msgs)
	require.NotEmpty(t, out)
	assert.Equal(t, 1, sum.calls)
	assert.Contains(t, out[0].Content, "fixed the parser")
}

func TestCompactSummarizerFallbackOnError(t *testing.T) {
	sum := &fakeSummarizer{err: errors.New("model unavailable")}
	c := NewCompactor(DefaultCompactConfig(), sum, nil)

	msgs := bulkMessages(65, 8000)
	out := c.Compact(context.Background(), "", msgs)
	require.NotEmpty(t, out)
	assert.Equal(t, 1, sum.calls)
	// Heuristic summary still produced.
	assert.Contains(t, out[0].Content, "earlier messages compacted")
}

func TestCompactSummaryCacheHit(t *testing.T) {
	sum := &fakeSummarizer{summary: "cached summary body"}
	c := NewCompactor(DefaultCompactConfig(), sum, nil)

	msgs := bulkMessages(65, 8000)
	first := c.Compact(context.Background(), "", msgs)
	second := c.Compact(context.Background(), "", msgs)
	assert.Equal(t, 1, sum.calls, "unchanged older window must not be re-summarized")
	assert.Equal(t, first[0].Content, second[0].Content)
}

func TestCompactHeuristicContent(t *testing.T) {
	c := NewCompactor(DefaultCompactConfig(), nil, nil)

	msgs := bulkMessages(55, 7000)
	msgs[0] = llm.Message{
		Role:    llm.RoleAssistant,
		Content: "Editing main.go and internal/server/handler.go now.\n  $ go test ./...\n",
		ToolCalls: []llm.ToolCall{
			{ID: "1", Name: "edit_file", Arguments: []byte(`{"file_path":"main.go"}`)},
		},
	}
	msgs[1] = llm.ToolResultMessage("1", "syntax error on line 40", true)

	out := c.Compact(context.Background(), "", msgs)
	require.NotEmpty(t, out)
	summary := out[0].Content
	assert.Contains(t, summary, "edit_file")
	assert.Contains(t, summary, "main.go")
	assert.Contains(t, summary, "go test ./...")
	assert.Contains(t, summary, "syntax error on line 40")
}

func TestEstimateTokens(t *testing.T) {
	c := NewCompactor(DefaultCompactConfig(), nil, nil)
	msgs := []llm.Message{llm.UserMessage(strings.Repeat("a", 360))}
	assert.Equal(t, (40+360)/4, c.EstimateTokens(strings.Repeat("s", 40), msgs))
}
