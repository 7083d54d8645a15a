package session

import (
	"fmt"
	"time"
)

// Phase identifies one mark of the phase timer.
type Phase int

const (
	PhaseInit      Phase = iota // Session construction started.
	PhaseSetup                  // Session construction complete.
	PhaseFetched                // Tool body retrieved.
	PhaseEvaluated              // Evaluation complete.

	numPhases
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseSetup:
		return "setup"
	case PhaseFetched:
		return "fetched"
	case PhaseEvaluated:
		return "evaluated"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// PhaseTimer records the four marks of a run. Marks come from time.Now, whose
// readings carry a monotonic component, so durations are unaffected by wall
// clock adjustments. Each mark is recorded at most once.
type PhaseTimer struct {
	now   func() time.Time
	marks [numPhases]time.Time
	set   [numPhases]bool
}

// NewPhaseTimer creates a timer and records PhaseInit. A nil now uses time.Now.
func NewPhaseTimer(now func() time.Time) *PhaseTimer {
	if now == nil {
		now = time.Now
	}
	t := &PhaseTimer{now: now}
	t.Mark(PhaseInit)
	return t
}

// Mark records p. Repeated marks are ignored.
func (t *PhaseTimer) Mark(p Phase) {
	if p < 0 || p >= numPhases || t.set[p] {
		return
	}
	t.marks[p] = t.now()
	t.set[p] = true
}

// Marked reports whether p has been recorded.
func (t *PhaseTimer) Marked(p Phase) bool {
	return p >= 0 && p < numPhases && t.set[p]
}

// Durations returns the three phase durations. A phase whose end mark is
// missing reports zero.
func (t *PhaseTimer) Durations() Durations {
	return Durations{
		Setup: t.between(PhaseInit, PhaseSetup),
		Fetch: t.between(PhaseSetup, PhaseFetched),
		Eval:  t.between(PhaseFetched, PhaseEvaluated),
	}
}

func (t *PhaseTimer) between(from, to Phase) time.Duration {
	if !t.set[from] || !t.set[to] {
		return 0
	}
	return max(t.marks[to].Sub(t.marks[from]), 0)
}

// Durations are the reported phase lengths of a run.
type Durations struct {
	Setup time.Duration
	Fetch time.Duration
	Eval  time.Duration
}

// Total returns the sum of all phases.
func (d Durations) Total() time.Duration {
	return d.Setup + d.Fetch + d.Eval
}

func (d Durations) String() string {
	return fmt.Sprintf("setup: %v, fetch: %v, eval: %v", d.Setup, d.Fetch, d.Eval)
}
