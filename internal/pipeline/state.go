// Package pipeline sequences the stage drivers. The pipeline is
// strictly linear and file-system mediated: every stage validates its
// preconditions against the image list before running, and a failure
// aborts the run with all downstream stages marked skipped.
package pipeline

import "fmt"

// StageState tracks one stage through the run.
type StageState int

const (
	StagePending StageState = iota
	StageRunning
	StageCompleted
	StageFailed
	StageSkipped
)

func (s StageState) String() string {
	switch s {
	case StagePending:
		return "PENDING"
	case StageRunning:
		return "RUNNING"
	case StageCompleted:
		return "COMPLETED"
	case StageFailed:
		return "FAILED"
	case StageSkipped:
		return "SKIPPED"
	default:
		return fmt.Sprintf("StageState(%d)", int(s))
	}
}

// IsTerminal reports whether the state is final.
func IsTerminal(s StageState) bool {
	switch s {
	case StageCompleted, StageFailed, StageSkipped:
		return true
	default:
		return false
	}
}

// transition performs a validated state change; an invalid transition
// indicates a runner bug, not a stage failure.
func transition(states []StageState, i int, from, to StageState) error {
	if states[i] != from {
		return fmt.Errorf("stage %d: invalid transition, expected %s, got %s", i, from, states[i])
	}
	if !allowed(from, to) {
		return fmt.Errorf("stage %d: disallowed transition %s -> %s", i, from, to)
	}
	states[i] = to
	return nil
}

func allowed(from, to StageState) bool {
	switch from {
	case StagePending:
		return to == StageRunning || to == StageSkipped
	case StageRunning:
		return to == StageCompleted || to == StageFailed
	default:
		return false
	}
}
