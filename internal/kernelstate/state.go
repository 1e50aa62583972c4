// Package kernelstate holds the Control Loop's single-owner mutable state
// (spec §3, §4.3). It is pure data plus tag-set helpers; there is no
// locking here because the Control Loop is the sole owner and runs on one
// goroutine (spec §5).
package kernelstate

import "time"

// Tags inserted into InProgress. Only these two are ever used.
const (
	TagCodeExecution = "code_execution"
	TagInputRequest  = "input_request"
)

// State is the kernel's single mutable-state instance, owned exclusively
// by the Control Loop.
type State struct {
	KernelID string

	inProgress map[string]struct{}

	LastPingAt time.Time

	ExecReversePath string
	ExecMsgID       string
	ExecStartTime   time.Time

	PendingStdout []string
	PendingStderr []string

	// ExecStdoutBytes and ExecStderrBytes accumulate the byte length of
	// every chunk already flushed for the current execution, so the
	// audit trail can record full stream sizes without re-reading the
	// flushed envelopes (spec.md §9's supplemental audit trail).
	ExecStdoutBytes int
	ExecStderrBytes int

	LastInputResponse map[string]any
}

// New creates a fresh State for kernelID, with LastPingAt seeded to now so
// a freshly started kernel gets the same ping grace window a client would
// see after any other reset (spec §4.4.4).
func New(kernelID string) *State {
	return &State{
		KernelID:   kernelID,
		inProgress: make(map[string]struct{}),
		LastPingAt: time.Now(),
	}
}

// MarkInProgress inserts tag into the in-progress set.
func (s *State) MarkInProgress(tag string) {
	s.inProgress[tag] = struct{}{}
}

// MarkNotInProgress removes tag from the in-progress set.
func (s *State) MarkNotInProgress(tag string) {
	delete(s.inProgress, tag)
}

// IsInProgress reports whether tag is currently set.
func (s *State) IsInProgress(tag string) bool {
	_, ok := s.inProgress[tag]
	return ok
}

// IsExecutingCode reports whether a code_execution is currently in flight.
func (s *State) IsExecutingCode() bool {
	return s.IsInProgress(TagCodeExecution)
}

// IsAwaitingInput reports whether the kernel is currently blocked inside
// fetch_input waiting on an input_response.
func (s *State) IsAwaitingInput() bool {
	return s.IsInProgress(TagInputRequest)
}

// ResetCodeExecutionState returns the state to idle after an execution
// completes, clearing every field the invariants in spec §3 tie to
// code_execution being in progress.
func (s *State) ResetCodeExecutionState() {
	s.MarkNotInProgress(TagInputRequest)
	s.MarkNotInProgress(TagCodeExecution)
	s.ExecReversePath = ""
	s.ExecMsgID = ""
	s.ExecStartTime = time.Time{}
	s.PendingStdout = nil
	s.PendingStderr = nil
	s.ExecStdoutBytes = 0
	s.ExecStderrBytes = 0
}
