package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pilot/llm"
	"pilot/trace"
)

// maxBarrenIterations is the circuit breaker: this many consecutive
// iterations with neither tool calls nor tokens terminates the run.
const maxBarrenIterations = 3

// Deps holds the controller's collaborators. Model is required; everything
// else has a working default.
type Deps struct {
	Model        llm.Generator
	Tools        []llm.Tool
	SystemPrompt string

	Catalog    *Catalog           // nil: DefaultCatalog
	Completion CompletionStrategy // nil: rely on the done-signal tool only
	Summarizer llm.Summarizer     // nil: heuristic compaction only
	Recorder   *trace.Recorder    // nil: built from Config.TracePath
	Logger     *zap.Logger        // nil: no-op

	// StuckPolicy is invoked at most once per iteration when a verdict
	// fires; a non-empty return is injected as the next iteration's nudge.
	StuckPolicy func(StuckVerdict) string

	// Observer receives a status snapshot once per iteration.
	Observer func(Snapshot)
}

// Controller owns the iteration state machine. It is not safe for concurrent
// Run calls; external callers may call Stop and State from other goroutines.
type Controller struct {
	cfg       Config
	task      string
	model     llm.Generator
	tools     []llm.Tool
	system    string
	catalog   *Catalog
	budget    *BudgetTracker
	analyzer  *StuckAnalyzer
	compactor *Compactor
	recorder  *trace.Recorder

	completion  CompletionStrategy
	stuckPolicy func(StuckVerdict) string
	observer    func(Snapshot)
	logger      *zap.Logger

	state   *State
	history []llm.Message
	barren  int // consecutive content-free iterations
}

// New creates a controller for one task run.
func New(task string, cfg Config, deps Deps) *Controller {
	cfg = cfg.merged()

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	catalog := deps.Catalog
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = trace.NewRecorder(cfg.TracePath, logger)
	}

	return &Controller{
		cfg:         cfg,
		task:        task,
		model:       deps.Model,
		tools:       deps.Tools,
		system:      deps.SystemPrompt,
		catalog:     catalog,
		budget:      NewBudgetTracker(cfg.Budget),
		analyzer:    NewStuckAnalyzer(cfg.StuckThreshold, cfg.StuckWindowSize),
		compactor:   NewCompactor(DefaultCompactConfig(), deps.Summarizer, logger),
		recorder:    recorder,
		completion:  deps.Completion,
		stuckPolicy: deps.StuckPolicy,
		observer:    deps.Observer,
		logger:      logger,
		state:       NewState(uuid.New().String()),
	}
}

// State returns the run state for inspection.
func (c *Controller) State() *State { return c.state }

// Stop requests termination; honored at the top of the next iteration.
func (c *Controller) Stop() { c.state.RequestStop() }

// termination carries a terminal outcome from inside an iteration.
type termination struct {
	status  Status
	reason  StopReason
	summary string
}

// Run executes the loop until a terminal condition and returns the result.
func (c *Controller) Run(ctx context.Context) (*Result, error) {
	if c.model == nil {
		return nil, fmt.Errorf("controller: no model configured")
	}

	c.state.Status = StatusRunning
	c.state.StartedAt = time.Now()
	c.recorder.RecordRunStart(c.state.RunID, map[string]interface{}{
		"task":           c.task,
		"max_iterations": c.budget.Budget().MaxIterations,
		"max_cost":       c.budget.Budget().MaxCost,
		"timeout_ms":     c.budget.Budget().Timeout.Duration().Milliseconds(),
	})
	c.logger.Info("run started",
		zap.String("run_id", c.state.RunID),
		zap.Int("max_iterations", c.budget.Budget().MaxIterations))

	for {
		if c.state.StopRequested() || ctx.Err() != nil {
			return c.finish(StatusStopped, ReasonStopped, ""), nil
		}

		if reason, hit := c.budget.Check(c.state); hit {
			return c.finish(StatusDone, reason, ""), nil
		}

		if term := c.iterate(ctx); term != nil {
			return c.finish(term.status, term.reason, term.summary), nil
		}
	}
}

// iterate runs one full iteration and returns a termination when the run
// should end. The iteration counter is incremented exactly once per call,
// on success and on failure alike.
func (c *Controller) iterate(ctx context.Context) *termination {
	start := time.Now()
	c.recorder.RecordIterationStart(c.state.Iteration, c.state.Cost, c.state.Tokens.Total)

	rec := IterationRecord{
		Index:     c.state.Iteration,
		Timestamp: start,
		Nudge:     c.state.PendingNudge,
	}

	term, err := c.step(ctx, &rec)
	if err != nil {
		rec.Error = err.Error()
		c.recorder.RecordError("iteration", err)
		c.logger.Warn("iteration failed",
			zap.Int("iteration", c.state.Iteration),
			zap.Error(err))
	}

	rec.Duration = time.Since(start)
	c.state.Iterations = append(c.state.Iterations, rec)

	if len(rec.ToolCalls) == 0 && rec.Tokens.Total == 0 {
		c.barren++
	} else {
		c.barren = 0
	}
	if term == nil && c.barren >= maxBarrenIterations {
		term = &termination{status: StatusFailed, reason: ReasonFailed,
			summary: fmt.Sprintf("%d consecutive iterations produced no tool calls and no tokens", c.barren)}
	}

	if term == nil {
		c.checkStuck()
	}

	if c.observer != nil {
		c.observer(c.snapshot())
	}

	c.state.Iteration++
	return term
}

// step runs the fallible core of an iteration: banner, compaction, model
// call, tool extraction, completion checks. Any error is recovered by the
// caller and the loop keeps going.
func (c *Controller) step(ctx context.Context, rec *IterationRecord) (*termination, error) {
	c.history = append(c.history, c.buildUserMessage(rec.Nudge))

	before := len(c.history)
	msgs := c.compactor.Compact(ctx, c.system, c.history)
	if len(msgs) != before {
		c.recorder.Record(trace.EventCompaction, map[string]interface{}{
			"messages_before": before,
			"messages_after":  len(msgs),
		})
	}

	result, err := c.model.Generate(ctx, llm.GenerateRequest{
		Model:     c.cfg.Model,
		System:    c.system,
		Messages:  msgs,
		Tools:     c.tools,
		StepLimit: c.cfg.StepLimit,
		MaxTokens: c.budget.Budget().MaxTokensPerIteration,
	})
	if err != nil {
		return nil, err
	}

	usage := result.TotalUsage
	rec.Cost = c.budget.AddUsage(c.state, usage.InputTokens, usage.OutputTokens)
	rec.Tokens = TokenTotals{Input: usage.InputTokens, Output: usage.OutputTokens, Total: usage.InputTokens + usage.OutputTokens}
	rec.ResponseText = result.Text
	c.recorder.RecordModelResponse(rec.Index, result.Text, usage.InputTokens, usage.OutputTokens)

	c.appendHistory(result)

	doneCalled, doneSummary, writes := c.recordToolCalls(result, rec)
	rec.ModifiedFiles = c.state.AddModifiedFiles(writes)
	if len(rec.ModifiedFiles) > 0 {
		c.recorder.Record(trace.EventFilesModified, map[string]interface{}{
			"files": toInterfaceSlice(rec.ModifiedFiles),
		})
	}

	c.state.PendingNudge = "" // consumed

	if doneCalled {
		return &termination{status: StatusDone, reason: ReasonCompleted, summary: doneSummary}, nil
	}

	if c.completion != nil {
		check, err := c.completion.Evaluate(ctx, c.state)
		if err != nil {
			// A failing completion check means "not complete": record it and
			// keep iterating rather than killing the run.
			c.recorder.RecordError("completion_check", err)
			c.logger.Warn("completion check failed", zap.Error(err))
		} else {
			c.recorder.Record(trace.EventCompletionCheck, map[string]interface{}{
				"complete": check.Complete,
			})
			if check.Complete {
				return &termination{status: StatusDone, reason: ReasonCompleted, summary: check.Summary}, nil
			}
		}
	}

	return nil, nil
}

// appendHistory folds the generation steps into the conversation history.
func (c *Controller) appendHistory(result *llm.GenerateResult) {
	for _, step := range result.Steps {
		if step.Text != "" || len(step.ToolCalls) > 0 {
			c.history = append(c.history, llm.AssistantMessage(step.Text, step.ToolCalls))
		}
		for _, tr := range step.ToolResults {
			c.history = append(c.history, llm.ToolResultMessage(tr.ToolCallID, tr.Content, tr.IsError))
		}
	}
}

// recordToolCalls converts the generation steps into invocation records,
// tagging each call through the catalog and collecting written file paths.
func (c *Controller) recordToolCalls(result *llm.GenerateResult, rec *IterationRecord) (doneCalled bool, doneSummary string, writes []string) {
	for _, step := range result.Steps {
		results := make(map[string]llm.ToolResult, len(step.ToolResults))
		for _, tr := range step.ToolResults {
			results[tr.ToolCallID] = tr
		}

		for _, tc := range step.ToolCalls {
			var args map[string]interface{}
			_ = json.Unmarshal(tc.Arguments, &args)

			tag := c.catalog.Lookup(tc.Name)
			inv := ToolInvocationRecord{
				Name:      tc.Name,
				Args:      args,
				Kind:      tag.Kind,
				Target:    c.catalog.Target(tc.Name, args),
				Signature: callSignature(tc.Name, tc.Arguments),
				Timestamp: time.Now(),
			}
			if tr, ok := results[tc.ID]; ok {
				inv.Result = tr.Content
				inv.Duration = time.Duration(tr.DurationMs) * time.Millisecond
				inv.Error = errorSignal(tag.Kind, tr)
			}

			c.recorder.RecordToolCall(inv.Name, inv.Args, inv.Result, inv.Error != "", inv.Duration.Milliseconds())
			rec.ToolCalls = append(rec.ToolCalls, inv)

			if tag.Kind == ToolWrite && inv.Target != "" {
				writes = append(writes, inv.Target)
			}
			if c.catalog.IsDone(tc.Name) {
				doneCalled = true
				if s, ok := args["summary"].(string); ok {
					doneSummary = s
				}
			}
		}
	}
	return doneCalled, doneSummary, writes
}

// errorSignal extracts the error text from a tool result: the explicit error
// flag, or for exec tools a non-zero exit with stderr.
func errorSignal(kind ToolKind, tr llm.ToolResult) string {
	if tr.IsError {
		return tr.Content
	}
	if kind == ToolExec {
		var execResult struct {
			ExitCode int    `json:"exit_code"`
			Stderr   string `json:"stderr"`
		}
		if err := json.Unmarshal([]byte(tr.Content), &execResult); err == nil && execResult.ExitCode != 0 {
			if execResult.Stderr != "" {
				return execResult.Stderr
			}
			return fmt.Sprintf("exit code %d", execResult.ExitCode)
		}
	}
	return ""
}

// checkStuck runs the analyzer and, on a verdict, consults the stuck policy
// for a nudge. A verdict is advisory: it never terminates the run by itself.
func (c *Controller) checkStuck() {
	verdict := c.analyzer.Check(c.state.Iterations)
	if verdict == nil {
		return
	}

	c.state.Status = StatusStuck
	c.recorder.RecordStuck(string(verdict.Reason), verdict.Details, verdict.Window)
	c.logger.Info("stuck verdict",
		zap.String("reason", string(verdict.Reason)),
		zap.String("details", verdict.Details))

	if c.stuckPolicy != nil {
		if nudge := c.stuckPolicy(*verdict); nudge != "" {
			c.state.PendingNudge = nudge
			c.recorder.Record(trace.EventNudge, map[string]interface{}{
				"reason": string(verdict.Reason),
				"nudge":  nudge,
			})
		}
	}
	c.state.Status = StatusRunning
}

// buildUserMessage renders the per-iteration banner plus the nudge, the
// task, or a continuation placeholder.
func (c *Controller) buildUserMessage(nudge string) llm.Message {
	b := c.budget.Budget()
	var sb strings.Builder
	fmt.Fprintf(&sb, "[iteration %d of %d | cost $%.2f of $%.2f | tokens %d]\n\n",
		c.state.Iteration+1, b.MaxIterations, c.state.Cost, b.MaxCost, c.state.Tokens.Total)

	switch {
	case nudge != "":
		sb.WriteString(nudge)
	case c.state.Iteration == 0 && c.task != "":
		sb.WriteString(c.task)
	case c.state.Iteration == 0:
		sb.WriteString("Begin working on the task.")
	default:
		sb.WriteString("Continue working on the task.")
	}
	return llm.UserMessage(sb.String())
}

func (c *Controller) snapshot() Snapshot {
	return Snapshot{
		RunID:         c.state.RunID,
		Status:        c.state.Status,
		Iteration:     c.state.Iteration,
		Cost:          c.state.Cost,
		Tokens:        c.state.Tokens,
		Elapsed:       c.state.Elapsed(),
		ModifiedFiles: len(c.state.ModifiedFiles()),
	}
}

// finish records the terminal transition and builds the result.
func (c *Controller) finish(status Status, reason StopReason, summary string) *Result {
	if reason == ReasonCompleted {
		c.state.Status = StatusCompleting
	}
	c.state.Status = status

	result := &Result{
		RunID:      c.state.RunID,
		Status:     status,
		Reason:     reason,
		Iterations: c.state.Iteration,
		Cost:       c.state.Cost,
		Tokens:     c.state.Tokens,
		Elapsed:    c.state.Elapsed(),
		Summary:    summary,
	}
	if status == StatusFailed {
		result.Err = summary
	}

	c.recorder.RecordRunEnd(string(status), string(reason), c.state.Iteration, c.state.Cost)
	c.logger.Info("run finished",
		zap.String("run_id", c.state.RunID),
		zap.String("status", string(status)),
		zap.String("reason", string(reason)),
		zap.Int("iterations", c.state.Iteration),
		zap.Float64("cost", c.state.Cost))
	return result
}

func toInterfaceSlice(items []string) []interface{} {
	out := make([]interface{}, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}
