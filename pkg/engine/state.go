package engine

import "fmt"

// RunState is the state of an assignment run. States only move forward.
type RunState string

const (
	StatePlanned            RunState = "planned"
	StateNormalizing        RunState = "normalizing"
	StateSampling           RunState = "sampling"
	StateWriting            RunState = "writing"
	StateVerifying          RunState = "verifying"
	StateCompleted          RunState = "completed"
	StatePartiallyCompleted RunState = "partially_completed"
	StateInconsistent       RunState = "inconsistent"
	StateFailed             RunState = "failed"
)

var stateOrder = map[RunState]int{
	StatePlanned:            0,
	StateNormalizing:        1,
	StateSampling:           2,
	StateWriting:            3,
	StateVerifying:          4,
	StateCompleted:          5,
	StatePartiallyCompleted: 5,
	StateInconsistent:       5,
	StateFailed:             5,
}

// IsTerminal returns true if the state is a final outcome.
func (s RunState) IsTerminal() bool {
	return stateOrder[s] == 5
}

// Validate checks if the state is known.
func (s RunState) Validate() error {
	if _, ok := stateOrder[s]; !ok {
		return fmt.Errorf("invalid run state: %s", s)
	}
	return nil
}

// ExitCode maps a terminal state to the process exit code: 0 Completed,
// 1 PartiallyCompleted, 2 Failed or Inconsistent.
func (s RunState) ExitCode() int {
	switch s {
	case StateCompleted:
		return 0
	case StatePartiallyCompleted:
		return 1
	default:
		return 2
	}
}

// CanAdvance reports whether a run in s may move to next. Any non-terminal
// state may fail; otherwise moves are strictly forward and terminal states
// are final.
func (s RunState) CanAdvance(next RunState) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StateFailed {
		return true
	}
	from, ok1 := stateOrder[s]
	to, ok2 := stateOrder[next]
	return ok1 && ok2 && to > from
}

// stateMachine tracks a run's state and the moves it went through.
type stateMachine struct {
	state   RunState
	history []RunState
	onEnter func(RunState)
}

func newStateMachine(onEnter func(RunState)) *stateMachine {
	return &stateMachine{state: StatePlanned, history: []RunState{StatePlanned}, onEnter: onEnter}
}

func (m *stateMachine) advance(next RunState) error {
	if !m.state.CanAdvance(next) {
		return fmt.Errorf("invalid run state transition: %s -> %s", m.state, next)
	}
	m.state = next
	m.history = append(m.history, next)
	if m.onEnter != nil {
		m.onEnter(next)
	}
	return nil
}
