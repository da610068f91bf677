// Package proc manages long-lived background processes started on behalf of
// an agent run: dev servers, watchers, anything that outlives a single tool
// call. Each process runs in its own process group so that stopping it also
// stops every child it spawned.
package proc

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultReadyTimeout   = 30 * time.Second
	defaultMaxOutputLines = 1000

	termGrace = 3 * time.Second
	killGrace = 1 * time.Second
)

// StartOptions configures a managed process.
type StartOptions struct {
	// Dir is the working directory; empty means inherit.
	Dir string

	// ReadyPattern, when set, is a regexp matched against output lines.
	// Start returns once a line matches or ReadyTimeout elapses; a timeout
	// is not an error, the process may simply be quiet.
	ReadyPattern string
	ReadyTimeout time.Duration // default 30s

	// MaxOutputLines bounds the retained output ring. Default 1000.
	MaxOutputLines int
}

// Info describes a managed process.
type Info struct {
	Name    string    `json:"name"`
	PID     int       `json:"pid"`
	Command string    `json:"command"`
	Started time.Time `json:"started"`
	Running bool      `json:"running"`
}

type process struct {
	name    string
	command string
	cmd     *exec.Cmd
	pid     int
	started time.Time
	stdout  *ringBuffer
	stderr  *ringBuffer
	done    chan struct{} // closed when Wait returns
}

// Registry tracks named background processes. One name maps to at most one
// live process; starting a name again stops the previous holder first.
type Registry struct {
	logger *zap.Logger

	mu    sync.Mutex
	procs map[string]*process
}

// NewRegistry creates an empty registry. A nil logger is replaced with a
// no-op.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{logger: logger, procs: make(map[string]*process)}
}

// Start launches a named background process via bash in its own process
// group. If the name is already registered, the old process is stopped and
// fully reaped before the new one launches. A spawn failure leaves the name
// unregistered.
func (r *Registry) Start(name, command string, opts StartOptions) (Info, error) {
	var ready *regexp.Regexp
	if opts.ReadyPattern != "" {
		var err error
		ready, err = regexp.Compile(opts.ReadyPattern)
		if err != nil {
			return Info{}, fmt.Errorf("ready pattern: %w", err)
		}
	}
	readyTimeout := opts.ReadyTimeout
	if readyTimeout == 0 {
		readyTimeout = defaultReadyTimeout
	}
	maxLines := opts.MaxOutputLines
	if maxLines == 0 {
		maxLines = defaultMaxOutputLines
	}

	// Replace-not-duplicate: the old holder of this name is stopped and
	// awaited before its successor starts.
	r.Stop(name)

	cmd := exec.Command("/bin/bash", "-c", command)
	cmd.Dir = opts.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Info{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Info{}, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return Info{}, fmt.Errorf("start %q: %w", name, err)
	}

	p := &process{
		name:    name,
		command: command,
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		started: time.Now(),
		stdout:  newRingBuffer(maxLines),
		stderr:  newRingBuffer(maxLines),
		done:    make(chan struct{}),
	}

	// Each stream gets its own ring so chatty stdout never evicts stderr.
	readyCh := make(chan struct{}, 2)
	scan := func(pipe *bufio.Scanner, buf *ringBuffer) {
		for pipe.Scan() {
			line := pipe.Text()
			buf.Append(line)
			if ready != nil && ready.MatchString(line) {
				select {
				case readyCh <- struct{}{}:
				default:
				}
			}
		}
	}
	go scan(bufio.NewScanner(stdout), p.stdout)
	go scan(bufio.NewScanner(stderr), p.stderr)

	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()

	r.mu.Lock()
	r.procs[name] = p
	r.mu.Unlock()

	r.logger.Info("process started",
		zap.String("name", name),
		zap.Int("pid", p.pid),
		zap.String("command", command))

	if ready != nil {
		select {
		case <-readyCh:
		case <-p.done:
		case <-time.After(readyTimeout):
			// The process may be ready without ever printing the pattern;
			// treat the timeout as a successful start.
			r.logger.Info("ready pattern not seen before timeout",
				zap.String("name", name),
				zap.Duration("timeout", readyTimeout))
		}
	}

	return p.info(), nil
}

// Stop terminates the named process: SIGTERM to the process group, a grace
// period, then SIGKILL. Returns false for unknown names. Idempotent; the
// entry is removed regardless of how the process dies.
func (r *Registry) Stop(name string) bool {
	r.mu.Lock()
	p, ok := r.procs[name]
	if ok {
		delete(r.procs, name)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case <-p.done:
		return true // already exited, nothing to signal
	default:
	}

	// Signal the whole group; fall back to the single pid if the group is
	// already gone.
	if err := syscall.Kill(-p.pid, syscall.SIGTERM); err != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-p.done:
		return true
	case <-time.After(termGrace):
	}

	_ = syscall.Kill(-p.pid, syscall.SIGKILL)
	select {
	case <-p.done:
	case <-time.After(killGrace):
		r.logger.Warn("process did not exit after SIGKILL",
			zap.String("name", p.name),
			zap.Int("pid", p.pid))
	}
	return true
}

// StopAll stops every registered process concurrently and blocks until all
// are reaped.
func (r *Registry) StopAll() {
	r.mu.Lock()
	names := make([]string, 0, len(r.procs))
	for name := range r.procs {
		names = append(names, name)
	}
	r.mu.Unlock()

	g, _ := errgroup.WithContext(context.Background())
	for _, name := range names {
		name := name
		g.Go(func() error {
			r.Stop(name)
			return nil
		})
	}
	_ = g.Wait()
}

// List returns info for every registered process, sorted by name.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.procs))
	for _, p := range r.procs {
		out = append(out, p.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IsRunning reports whether the named process is registered and alive.
func (r *Registry) IsRunning(name string) bool {
	r.mu.Lock()
	p, ok := r.procs[name]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Output returns the retained stdout and stderr lines of the named process,
// oldest first, each stream bounded independently. Unknown names yield nil.
func (r *Registry) Output(name string) (stdout, stderr []string) {
	r.mu.Lock()
	p, ok := r.procs[name]
	r.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return p.stdout.Lines(), p.stderr.Lines()
}

func (p *process) info() Info {
	running := true
	select {
	case <-p.done:
		running = false
	default:
	}
	return Info{
		Name:    p.name,
		PID:     p.pid,
		Command: p.command,
		Started: p.started,
		Running: running,
	}
}
