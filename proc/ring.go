package proc

import "sync"

// ringBuffer keeps the most recent N lines of process output.
type ringBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
	start int
	count int
}

func newRingBuffer(max int) *ringBuffer {
	if max <= 0 {
		max = 1
	}
	return &ringBuffer{lines: make([]string, max), max: max}
}

func (r *ringBuffer) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count < r.max {
		r.lines[(r.start+r.count)%r.max] = line
		r.count++
		return
	}
	r.lines[r.start] = line
	r.start = (r.start + 1) % r.max
}

// Lines returns the buffered lines, oldest first.
func (r *ringBuffer) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.lines[(r.start+i)%r.max]
	}
	return out
}
