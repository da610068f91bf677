package loop

import (
	"context"
	"fmt"
	"hash/fnv"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"pilot/llm"
)

// CompactConfig holds the context compaction thresholds.
type CompactConfig struct {
	BasicThreshold int // estimated tokens at or below this: no compaction
	AIThreshold    int // above this: model-assisted summarization (when available)
	KeepRecent     int // messages always preserved verbatim
	TranscriptCap  int // character cap on the transcript sent to the summarizer
	SummaryTokens  int // output-token budget for the model summary
}

// DefaultCompactConfig returns the default thresholds.
func DefaultCompactConfig() CompactConfig {
	return CompactConfig{
		BasicThreshold: 80000,
		AIThreshold:    120000,
		KeepRecent:     8,
		TranscriptCap:  24000,
		SummaryTokens:  1000,
	}
}

// Compactor bounds conversation size by replacing older messages with a
// synthetic summary. Estimation is characters/4: cheap, deterministic, and
// monotonic, which is all the thresholds need.
type Compactor struct {
	cfg        CompactConfig
	summarizer llm.Summarizer // nil disables model-assisted summarization
	logger     *zap.Logger

	// Single-slot summary cache keyed by a digest of the older-message
	// window, so an unchanged window is never re-summarized twice in a row.
	mu           sync.Mutex
	cacheKey     uint64
	cacheSummary string
}

// NewCompactor creates a compactor. A nil summarizer restricts it to the
// heuristic strategy; a nil logger is replaced with a no-op.
func NewCompactor(cfg CompactConfig, summarizer llm.Summarizer, logger *zap.Logger) *Compactor {
	def := DefaultCompactConfig()
	if cfg.BasicThreshold == 0 {
		cfg.BasicThreshold = def.BasicThreshold
	}
	if cfg.AIThreshold == 0 {
		cfg.AIThreshold = def.AIThreshold
	}
	if cfg.KeepRecent == 0 {
		cfg.KeepRecent = def.KeepRecent
	}
	if cfg.TranscriptCap == 0 {
		cfg.TranscriptCap = def.TranscriptCap
	}
	if cfg.SummaryTokens == 0 {
		cfg.SummaryTokens = def.SummaryTokens
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compactor{cfg: cfg, summarizer: summarizer, logger: logger}
}

// EstimateTokens returns the characters/4 estimate for the system prompt
// plus messages.
func (c *Compactor) EstimateTokens(system string, msgs []llm.Message) int {
	total := len(system)
	for _, m := range msgs {
		total += m.Size()
	}
	return total / 4
}

// Compact returns a bounded message set. At or below the basic threshold it
// is the identity function. Above it, everything older than the last
// KeepRecent messages is folded into one summary message inserted before
// them; the recent messages themselves are preserved verbatim unless they
// alone blow the budget, in which case their bodies are truncated head+tail
// rather than dropped.
func (c *Compactor) Compact(ctx context.Context, system string, msgs []llm.Message) []llm.Message {
	estimate := c.EstimateTokens(system, msgs)
	if estimate <= c.cfg.BasicThreshold {
		return msgs
	}

	keep := msgs
	var older []llm.Message
	if len(msgs) > c.cfg.KeepRecent {
		older = msgs[:len(msgs)-c.cfg.KeepRecent]
		keep = msgs[len(msgs)-c.cfg.KeepRecent:]
	}

	out := make([]llm.Message, 0, len(keep)+1)
	if len(older) > 0 {
		summary := c.summarize(ctx, older, estimate)
		out = append(out, llm.UserMessage(summary))
	}
	out = append(out, keep...)

	if c.EstimateTokens(system, out) > c.cfg.BasicThreshold {
		out = c.truncateBodies(system, out)
	}
	return out
}

// summarize picks the strategy for the older window: model-assisted above
// the AI threshold when a summarizer is configured, heuristic otherwise, and
// heuristic as the fallback on any model failure. Results are cached by a
// digest of the window.
func (c *Compactor) summarize(ctx context.Context, older []llm.Message, estimate int) string {
	key := digestMessages(older)

	c.mu.Lock()
	if key == c.cacheKey && c.cacheSummary != "" {
		cached := c.cacheSummary
		c.mu.Unlock()
		return cached
	}
	c.mu.Unlock()

	var summary string
	if estimate > c.cfg.AIThreshold && c.summarizer != nil {
		text, err := c.modelSummary(ctx, older)
		if err != nil {
			c.logger.Warn("model summarization failed, falling back to heuristic", zap.Error(err))
			summary = heuristicSummary(older)
		} else {
			summary = text
		}
	} else {
		summary = heuristicSummary(older)
	}

	c.mu.Lock()
	c.cacheKey = key
	c.cacheSummary = summary
	c.mu.Unlock()
	return summary
}

// modelSummary builds a metadata digest plus a capped transcript and asks
// the summarization model for a structured markdown summary.
func (c *Compactor) modelSummary(ctx context.Context, older []llm.Message) (string, error) {
	digest := messageDigest(older)

	var transcript strings.Builder
	for _, m := range older {
		fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
	}
	capped := llm.TruncateOutput(transcript.String(), c.cfg.TranscriptCap, llm.TruncateHeadTail)

	prompt := fmt.Sprintf(`Summarize this earlier portion of a coding-agent conversation as concise markdown.
Preserve: what was attempted, which files were changed, which commands ran, and any unresolved errors.

%s

Transcript:
%s`, digest, capped)

	text, err := c.summarizer.Summarize(ctx, prompt, c.cfg.SummaryTokens)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("[Conversation summary — %d earlier messages compacted]\n\n%s", len(older), text), nil
}

// truncateBodies shrinks individual message bodies head+tail so the kept set
// fits the basic budget.
func (c *Compactor) truncateBodies(system string, msgs []llm.Message) []llm.Message {
	budgetChars := c.cfg.BasicThreshold * 4
	budgetChars -= len(system)
	perMessage := budgetChars / (len(msgs) + 1)
	if perMessage < 200 {
		perMessage = 200
	}

	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		if len(m.Content) > perMessage {
			m.Content = llm.TruncateOutput(m.Content, perMessage, llm.TruncateHeadTail)
		}
		out[i] = m
	}
	return out
}

var (
	filePathPattern = regexp.MustCompile(`[\w~./-]*/?[\w.-]+\.(?:go|py|js|jsx|ts|tsx|json|yaml|yml|md|txt|sh|rs|rb|java|c|h|cpp|hpp|html|css|sql|toml|mod|sum|lock)\b`)
	commandPattern  = regexp.MustCompile(`(?m)^\s*\$\s+(.+)$`)
)

// heuristicSummary regex-scans older messages for tool names, file paths,
// and shell commands, and emits a short markdown digest. Pure and fast; no
// external calls.
func heuristicSummary(older []llm.Message) string {
	toolSet := make(map[string]struct{})
	fileSet := make(map[string]struct{})
	cmdSet := make(map[string]struct{})
	var errorSamples []string

	for _, m := range older {
		for _, tc := range m.ToolCalls {
			toolSet[tc.Name] = struct{}{}
			args := string(tc.Arguments)
			for _, f := range filePathPattern.FindAllString(args, 8) {
				fileSet[f] = struct{}{}
			}
		}
		for _, f := range filePathPattern.FindAllString(m.Content, 8) {
			fileSet[f] = struct{}{}
		}
		for _, match := range commandPattern.FindAllStringSubmatch(m.Content, 4) {
			cmdSet[strings.TrimSpace(match[1])] = struct{}{}
		}
		if m.Role == llm.RoleTool && m.IsError && len(errorSamples) < 3 {
			sample := m.Content
			if len(sample) > 120 {
				sample = sample[:120]
			}
			errorSamples = append(errorSamples, sample)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[Conversation summary — %d earlier messages compacted]\n", len(older))
	writeSection := func(title string, set map[string]struct{}, limit int) {
		if len(set) == 0 {
			return
		}
		items := make([]string, 0, len(set))
		for item := range set {
			items = append(items, item)
		}
		sort.Strings(items)
		if len(items) > limit {
			items = items[:limit]
		}
		fmt.Fprintf(&b, "\n## %s\n", title)
		for _, item := range items {
			fmt.Fprintf(&b, "- %s\n", item)
		}
	}
	writeSection("Tools used", toolSet, 12)
	writeSection("Files touched", fileSet, 20)
	writeSection("Commands run", cmdSet, 10)
	if len(errorSamples) > 0 {
		b.WriteString("\n## Recent errors\n")
		for _, e := range errorSamples {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}
	return b.String()
}

// messageDigest builds the metadata block for the model-assisted prompt.
func messageDigest(older []llm.Message) string {
	toolSet := make(map[string]int)
	errCount := 0
	for _, m := range older {
		for _, tc := range m.ToolCalls {
			toolSet[tc.Name]++
		}
		if m.Role == llm.RoleTool && m.IsError {
			errCount++
		}
	}
	names := make([]string, 0, len(toolSet))
	for name := range toolSet {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "Metadata: %d messages, %d failed tool results.\n", len(older), errCount)
	for _, name := range names {
		fmt.Fprintf(&b, "- %s called %d times\n", name, toolSet[name])
	}
	return b.String()
}

// digestMessages computes a cheap content hash of a message window.
func digestMessages(msgs []llm.Message) uint64 {
	h := fnv.New64a()
	for _, m := range msgs {
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
		for _, tc := range m.ToolCalls {
			h.Write([]byte(tc.Name))
			h.Write(tc.Arguments)
		}
		h.Write([]byte{0xff})
	}
	return h.Sum64()
}
