package model

// NodeState represents the lifecycle state of a workflow graph node.
type NodeState string

const (
	NodeStatePending  NodeState = "PENDING"
	NodeStateReady    NodeState = "READY"
	NodeStateRunning  NodeState = "RUNNING"
	NodeStateComplete NodeState = "COMPLETE"
	NodeStateFailed   NodeState = "FAILED"
	NodeStateCanceled NodeState = "CANCELED"
)

// String returns the string representation of the node state.
func (s NodeState) String() string {
	return string(s)
}

// IsTerminal returns true if the node is in a final state.
func (s NodeState) IsTerminal() bool {
	switch s {
	case NodeStateComplete, NodeStateFailed, NodeStateCanceled:
		return true
	}
	return false
}

// ValidNodeTransitions defines the allowed state transitions for graph nodes.
// Pending nodes may be canceled without ever running when an upstream node fails.
var ValidNodeTransitions = map[NodeState][]NodeState{
	NodeStatePending: {NodeStateReady, NodeStateCanceled},
	NodeStateReady:   {NodeStateRunning, NodeStateCanceled},
	NodeStateRunning: {NodeStateComplete, NodeStateFailed, NodeStateCanceled},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s NodeState) CanTransitionTo(next NodeState) bool {
	for _, allowed := range ValidNodeTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RunState represents the lifecycle state of a whole run.
type RunState string

const (
	RunStatePending   RunState = "PENDING"
	RunStateRunning   RunState = "RUNNING"
	RunStateCompleted RunState = "COMPLETED"
	RunStateFailed    RunState = "FAILED"
	RunStateCanceled  RunState = "CANCELED"
)

// String returns the string representation of the run state.
func (s RunState) String() string {
	return string(s)
}

// IsTerminal returns true if the run is in a final state.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunStateCompleted, RunStateFailed, RunStateCanceled:
		return true
	}
	return false
}

// ValidRunTransitions defines the allowed state transitions for runs.
var ValidRunTransitions = map[RunState][]RunState{
	RunStatePending: {RunStateRunning, RunStateCanceled},
	RunStateRunning: {RunStateCompleted, RunStateFailed, RunStateCanceled},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s RunState) CanTransitionTo(next RunState) bool {
	for _, allowed := range ValidRunTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AttemptState is the status of one task attempt as reported in events and
// execution records.
type AttemptState string

const (
	AttemptStatePreparing  AttemptState = "PREPARING"
	AttemptStateLocalizing AttemptState = "LOCALIZING"
	AttemptStateWaiting    AttemptState = "WAITING"
	AttemptStateSubmitted  AttemptState = "SUBMITTED"
	AttemptStateRunning    AttemptState = "RUNNING"
	AttemptStateSucceeded  AttemptState = "SUCCEEDED"
	AttemptStateFailed     AttemptState = "FAILED"
	AttemptStateLost       AttemptState = "LOST"
	AttemptStateCanceled   AttemptState = "CANCELED"
	AttemptStateCached     AttemptState = "CACHED"
)

// String returns the string representation of the attempt state.
func (s AttemptState) String() string {
	return string(s)
}

// IsTerminal returns true if the attempt is finished.
func (s AttemptState) IsTerminal() bool {
	switch s {
	case AttemptStateSucceeded, AttemptStateFailed, AttemptStateLost, AttemptStateCanceled, AttemptStateCached:
		return true
	}
	return false
}

// FailureMode selects how the run reacts to an unrecoverable error.
type FailureMode string

const (
	// FailFast cancels running work on the first unrecoverable error.
	FailFast FailureMode = "fast"
	// FailSlow lets running work finish but starts nothing new.
	FailSlow FailureMode = "slow"
)
