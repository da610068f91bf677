package loop

import (
	"fmt"
	"strings"
)

// StuckReason identifies which pattern fired.
type StuckReason string

const (
	StuckRepetitive  StuckReason = "repetitive"
	StuckBrowserLoop StuckReason = "browser_loop"
	StuckErrorLoop   StuckReason = "error_loop"
	StuckOscillation StuckReason = "oscillation"
	StuckNoProgress  StuckReason = "no_progress"
)

// StuckVerdict is a syntactic judgment that the agent is not making
// progress. It is advisory: callers may inject a nudge, ignore it, or stop.
type StuckVerdict struct {
	Reason        StuckReason `json:"reason"`
	Details       string      `json:"details"`
	Window        int         `json:"window"`
	RepeatedError string      `json:"repeated_error,omitempty"`
}

// StuckAnalyzer is a pure function over recent iteration history. The checks
// run in a fixed priority order; the first to fire wins. That ordering is a
// contract, not an implementation detail.
type StuckAnalyzer struct {
	Threshold  int // minimum iterations before any check activates
	WindowSize int // how many recent iterations each check examines
}

// NewStuckAnalyzer creates an analyzer with the given knobs; zero values get
// the defaults (threshold 5, window 8).
func NewStuckAnalyzer(threshold, windowSize int) *StuckAnalyzer {
	if threshold <= 0 {
		threshold = 5
	}
	if windowSize <= 0 {
		windowSize = 8
	}
	return &StuckAnalyzer{Threshold: threshold, WindowSize: windowSize}
}

// Check inspects the iteration history and returns a verdict, or nil when no
// pattern fires. It never mutates its input.
func (a *StuckAnalyzer) Check(iterations []IterationRecord) *StuckVerdict {
	if len(iterations) < a.Threshold {
		return nil
	}

	window := iterations
	if len(window) > a.WindowSize {
		window = window[len(window)-a.WindowSize:]
	}

	checks := []func([]IterationRecord, []IterationRecord) *StuckVerdict{
		a.checkRepetitive,
		a.checkBrowserLoop,
		a.checkErrorLoop,
		a.checkOscillation,
		a.checkNoProgress,
	}
	for _, check := range checks {
		if v := check(iterations, window); v != nil {
			v.Window = len(window)
			return v
		}
	}
	return nil
}

// iterationSignature joins the signatures of all tool calls in an iteration.
func iterationSignature(rec IterationRecord) string {
	if len(rec.ToolCalls) == 0 {
		return ""
	}
	sigs := make([]string, len(rec.ToolCalls))
	for i, tc := range rec.ToolCalls {
		sigs[i] = tc.Signature
	}
	return strings.Join(sigs, "|")
}

// iterationToolNames joins the tool names of an iteration, in call order.
func iterationToolNames(rec IterationRecord) string {
	if len(rec.ToolCalls) == 0 {
		return ""
	}
	names := make([]string, len(rec.ToolCalls))
	for i, tc := range rec.ToolCalls {
		names[i] = tc.Name
	}
	return strings.Join(names, ",")
}

// windowWroteFiles reports whether anything was written in the window.
// ModifiedFiles carries only newly-seen paths, so re-writing a known file
// shows up as an empty delta; the write-tagged calls catch that case.
func windowWroteFiles(window []IterationRecord) bool {
	for _, rec := range window {
		if len(rec.ModifiedFiles) > 0 {
			return true
		}
		for _, tc := range rec.ToolCalls {
			if tc.Kind == ToolWrite && tc.Target != "" {
				return true
			}
		}
	}
	return false
}

// checkRepetitive: the last Threshold iterations made an identical,
// non-empty tool-call signature.
func (a *StuckAnalyzer) checkRepetitive(iterations, _ []IterationRecord) *StuckVerdict {
	recent := iterations[len(iterations)-a.Threshold:]
	first := iterationSignature(recent[0])
	if first == "" {
		return nil
	}
	for _, rec := range recent[1:] {
		if iterationSignature(rec) != first {
			return nil
		}
	}
	return &StuckVerdict{
		Reason:  StuckRepetitive,
		Details: fmt.Sprintf("last %d iterations repeated the same tool calls (%s)", a.Threshold, iterationToolNames(recent[0])),
	}
}

// checkBrowserLoop: a single URL visited more than twice with no file
// modifications, or browsing dominating all other tool use.
func (a *StuckAnalyzer) checkBrowserLoop(_, window []IterationRecord) *StuckVerdict {
	urlVisits := make(map[string]int)
	browserCalls := 0
	otherCalls := 0
	for _, rec := range window {
		for _, tc := range rec.ToolCalls {
			if tc.Kind == ToolBrowser {
				browserCalls++
				if tc.Target != "" {
					urlVisits[tc.Target]++
				}
			} else {
				otherCalls++
			}
		}
	}

	if !windowWroteFiles(window) {
		for url, visits := range urlVisits {
			if visits > 2 {
				return &StuckVerdict{
					Reason:  StuckBrowserLoop,
					Details: fmt.Sprintf("visited %s %d times without modifying any files", url, visits),
				}
			}
		}
	}
	if browserCalls > 6 && otherCalls < 3 {
		return &StuckVerdict{
			Reason:  StuckBrowserLoop,
			Details: fmt.Sprintf("%d browser calls vs %d other tool calls in the window", browserCalls, otherCalls),
		}
	}
	return nil
}

// checkErrorLoop: at least Threshold tool results in the window carry an
// error whose first 100 characters are identical.
func (a *StuckAnalyzer) checkErrorLoop(_, window []IterationRecord) *StuckVerdict {
	var errs []string
	for _, rec := range window {
		for _, tc := range rec.ToolCalls {
			if tc.Error != "" {
				errs = append(errs, tc.Error)
			}
		}
	}
	if len(errs) < a.Threshold {
		return nil
	}

	head := func(s string) string {
		if len(s) > 100 {
			return s[:100]
		}
		return s
	}
	first := head(errs[0])
	for _, e := range errs[1:] {
		if head(e) != first {
			return nil
		}
	}
	return &StuckVerdict{
		Reason:        StuckErrorLoop,
		Details:       fmt.Sprintf("%d tool calls failed with the same error", len(errs)),
		RepeatedError: first,
	}
}

// checkOscillation: the tool-name sequence of the last 4 iterations matches
// A,B,A,B with A != B.
func (a *StuckAnalyzer) checkOscillation(iterations, _ []IterationRecord) *StuckVerdict {
	if len(iterations) < 4 {
		return nil
	}
	last := iterations[len(iterations)-4:]
	labels := make([]string, 4)
	for i, rec := range last {
		labels[i] = iterationToolNames(rec)
	}
	if labels[0] == "" || labels[1] == "" {
		return nil
	}
	if labels[0] == labels[2] && labels[1] == labels[3] && labels[0] != labels[1] {
		return &StuckVerdict{
			Reason:  StuckOscillation,
			Details: fmt.Sprintf("alternating between %s and %s", labels[0], labels[1]),
		}
	}
	return nil
}

// checkNoProgress: a full window of heavy token use confined to fewer than 3
// distinct tools with nothing written.
func (a *StuckAnalyzer) checkNoProgress(_, window []IterationRecord) *StuckVerdict {
	minWindow := a.Threshold
	if minWindow < 5 {
		minWindow = 5
	}
	if len(window) < minWindow {
		return nil
	}

	distinct := make(map[string]struct{})
	totalTokens := 0
	for _, rec := range window {
		totalTokens += rec.Tokens.Total
		for _, tc := range rec.ToolCalls {
			distinct[tc.Name] = struct{}{}
		}
	}

	if len(distinct) < 3 && totalTokens > 150000 && !windowWroteFiles(window) {
		return &StuckVerdict{
			Reason:  StuckNoProgress,
			Details: fmt.Sprintf("%d tokens spent across %d distinct tools with nothing written", totalTokens, len(distinct)),
		}
	}
	return nil
}
