package loop

import (
	"sort"
	"sync"
	"time"
)

// Status represents the lifecycle state of a run.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusRunning    Status = "running"
	StatusStuck      Status = "stuck"
	StatusCompleting Status = "completing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusStopped    Status = "stopped"
)

// StopReason explains why a run terminated.
type StopReason string

const (
	ReasonCompleted     StopReason = "completed"
	ReasonMaxIterations StopReason = "max_iterations"
	ReasonMaxCost       StopReason = "max_cost"
	ReasonTimeout       StopReason = "timeout"
	ReasonStopped       StopReason = "stopped"
	ReasonFailed        StopReason = "failed"
)

// TokenTotals holds cumulative token counts for a run.
type TokenTotals struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// ToolInvocationRecord captures a single tool call made during an iteration.
// Kind and Target are resolved from the tool catalog at record time so later
// consumers (stuck analysis, file tracking) do tag dispatch instead of
// probing argument maps.
type ToolInvocationRecord struct {
	Name      string                 `json:"name"`
	Args      map[string]interface{} `json:"args,omitempty"`
	Result    string                 `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Kind      ToolKind               `json:"kind"`
	Target    string                 `json:"target,omitempty"` // file path or URL, when the kind carries one
	Signature string                 `json:"signature"`
	Duration  time.Duration          `json:"duration"`
	Timestamp time.Time              `json:"timestamp"`
}

// IterationRecord is the durable record of one loop iteration.
type IterationRecord struct {
	Index         int                    `json:"index"`
	Timestamp     time.Time              `json:"timestamp"`
	Duration      time.Duration          `json:"duration"`
	Tokens        TokenTotals            `json:"tokens"`
	Cost          float64                `json:"cost"`
	ToolCalls     []ToolInvocationRecord `json:"tool_calls,omitempty"`
	ModifiedFiles []string               `json:"modified_files,omitempty"`
	ResponseText  string                 `json:"response_text,omitempty"`
	Nudge         string                 `json:"nudge,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

// State is the mutable record of a run. The controller is its sole writer;
// external callers interact through RequestStop and the read accessors, which
// are safe for concurrent use.
type State struct {
	mu sync.Mutex

	RunID     string
	Status    Status
	Iteration int
	Cost      float64
	Tokens    TokenTotals
	StartedAt time.Time

	Iterations    []IterationRecord
	modifiedFiles map[string]struct{}

	PendingNudge string
	stopFlag     bool
}

// NewState creates an idle run state.
func NewState(runID string) *State {
	return &State{
		RunID:         runID,
		Status:        StatusIdle,
		StartedAt:     time.Now(),
		modifiedFiles: make(map[string]struct{}),
	}
}

// RequestStop sets the stop flag. It is honored at the top of the next
// iteration, never mid-iteration.
func (s *State) RequestStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopFlag = true
}

// StopRequested reports whether a stop has been requested.
func (s *State) StopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopFlag
}

// AddModifiedFiles unions paths into the modified-file set and returns the
// paths that were not already present, sorted.
func (s *State) AddModifiedFiles(paths []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var added []string
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, ok := s.modifiedFiles[p]; !ok {
			s.modifiedFiles[p] = struct{}{}
			added = append(added, p)
		}
	}
	sort.Strings(added)
	return added
}

// ModifiedFiles returns the sorted union of all modified file paths.
func (s *State) ModifiedFiles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	files := make([]string, 0, len(s.modifiedFiles))
	for p := range s.modifiedFiles {
		files = append(files, p)
	}
	sort.Strings(files)
	return files
}

// Elapsed returns the wall-clock time since the run started.
func (s *State) Elapsed() time.Duration {
	return time.Since(s.StartedAt)
}

// Snapshot is the per-iteration status view handed to the observer.
type Snapshot struct {
	RunID         string        `json:"run_id"`
	Status        Status        `json:"status"`
	Iteration     int           `json:"iteration"`
	Cost          float64       `json:"cost"`
	Tokens        TokenTotals   `json:"tokens"`
	Elapsed       time.Duration `json:"elapsed"`
	ModifiedFiles int           `json:"modified_files"`
}

// Result is the final outcome of a run.
type Result struct {
	RunID      string        `json:"run_id"`
	Status     Status        `json:"status"`
	Reason     StopReason    `json:"reason"`
	Iterations int           `json:"iterations"`
	Cost       float64       `json:"cost"`
	Tokens     TokenTotals   `json:"tokens"`
	Elapsed    time.Duration `json:"elapsed"`
	Summary    string        `json:"summary,omitempty"`
	Err        string        `json:"error,omitempty"`
}
