package loop

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// CompletionCheck is the outcome of evaluating a completion strategy.
type CompletionCheck struct {
	Complete bool
	Summary  string
}

// CompletionStrategy decides whether the task is finished, evaluated once
// per iteration after tool calls have run.
type CompletionStrategy interface {
	Evaluate(ctx context.Context, state *State) (CompletionCheck, error)
}

// ToolCompletion relies solely on the explicit done-signal tool, which the
// controller recognizes directly; the strategy itself never completes.
type ToolCompletion struct{}

func (ToolCompletion) Evaluate(context.Context, *State) (CompletionCheck, error) {
	return CompletionCheck{}, nil
}

// FileCompletion completes when a sentinel file exists; the file content
// becomes the run summary.
type FileCompletion struct {
	Path string
}

func (f FileCompletion) Evaluate(_ context.Context, _ *State) (CompletionCheck, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return CompletionCheck{}, nil
		}
		return CompletionCheck{}, fmt.Errorf("completion file: %w", err)
	}
	return CompletionCheck{Complete: true, Summary: strings.TrimSpace(string(data))}, nil
}

// CommandCompletion completes when the command exits zero.
type CommandCompletion struct {
	Command string
	Dir     string
	Timeout time.Duration // default 60s
}

func (c CommandCompletion) Evaluate(ctx context.Context, _ *State) (CompletionCheck, error) {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/bash", "-c", c.Command)
	cmd.Dir = c.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stdout

	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return CompletionCheck{}, nil // non-zero exit: not complete, not an error
		}
		return CompletionCheck{}, fmt.Errorf("completion command: %w", err)
	}
	return CompletionCheck{Complete: true, Summary: strings.TrimSpace(stdout.String())}, nil
}

// FuncCompletion adapts an arbitrary predicate.
type FuncCompletion func(ctx context.Context, state *State) (CompletionCheck, error)

func (f FuncCompletion) Evaluate(ctx context.Context, state *State) (CompletionCheck, error) {
	return f(ctx, state)
}
