package manager

// ring is a bounded FIFO line buffer: once full, pushing a new line
// evicts the oldest.
type ring struct {
	max   int
	lines []string
}

func newRing(max int) *ring {
	return &ring{max: max}
}

func (r *ring) push(line string) {
	r.lines = append(r.lines, line)
	if len(r.lines) > r.max {
		r.lines = r.lines[len(r.lines)-r.max:]
	}
}

func (r *ring) snapshot() []string {
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}
