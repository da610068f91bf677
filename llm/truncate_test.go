package llm

import (
	"strings"
	"testing"
)

func TestTruncateOutputUnderLimit(t *testing.T) {
	s := "short output"
	if got := TruncateOutput(s, 100, TruncateHeadTail); got != s {
		t.Errorf("expected identity, got %q", got)
	}
}

func TestTruncateOutputHeadTail(t *testing.T) {
	s := strings.Repeat("a", 500) + strings.Repeat("z", 500)
	got := TruncateOutput(s, 100, TruncateHeadTail)

	if !strings.HasPrefix(got, strings.Repeat("a", 50)) {
		t.Error("head not preserved")
	}
	if !strings.HasSuffix(got, strings.Repeat("z", 50)) {
		t.Error("tail not preserved")
	}
	if !strings.Contains(got, "truncated") {
		t.Error("missing truncation marker")
	}
}

func TestTruncateOutputTail(t *testing.T) {
	s := strings.Repeat("a", 500) + strings.Repeat("z", 100)
	got := TruncateOutput(s, 100, TruncateTail)
	if !strings.HasSuffix(got, strings.Repeat("z", 100)) {
		t.Error("tail not preserved")
	}
}

func TestTruncateLines(t *testing.T) {
	lines := make([]string, 100)
	for i := range lines {
		lines[i] = "line"
	}
	got := TruncateLines(strings.Join(lines, "\n"), 10)
	if !strings.Contains(got, "90 lines omitted") {
		t.Errorf("expected omission marker, got %q", got)
	}
}

func TestTruncateLinesUnderLimit(t *testing.T) {
	s := "a\nb\nc"
	if got := TruncateLines(s, 10); got != s {
		t.Errorf("expected identity, got %q", got)
	}
}
