package engine

import "fmt"

// ProcessState represents the lifecycle state of a process.
type ProcessState string

const (
	// ProcessStatePending indicates the process has been built but not run.
	ProcessStatePending ProcessState = "pending"

	// ProcessStateRunning indicates the process is executing its steps.
	ProcessStateRunning ProcessState = "running"

	// ProcessStateSucceeded indicates every step completed or was recovered.
	ProcessStateSucceeded ProcessState = "succeeded"

	// ProcessStateFailed indicates the process halted on an unrecovered failure.
	ProcessStateFailed ProcessState = "failed"
)

// IsTerminal returns true if the state is final.
func (s ProcessState) IsTerminal() bool {
	return s == ProcessStateSucceeded || s == ProcessStateFailed
}

// IsActive returns true if the process has not finished.
func (s ProcessState) IsActive() bool {
	return s == ProcessStatePending || s == ProcessStateRunning
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s ProcessState) CanTransitionTo(next ProcessState) bool {
	switch s {
	case ProcessStatePending:
		return next == ProcessStateRunning
	case ProcessStateRunning:
		return next == ProcessStateSucceeded || next == ProcessStateFailed
	default:
		return false
	}
}

// Validate checks if the state is valid.
func (s ProcessState) Validate() error {
	switch s {
	case ProcessStatePending, ProcessStateRunning, ProcessStateSucceeded, ProcessStateFailed:
		return nil
	default:
		return fmt.Errorf("invalid process state: %s", s)
	}
}

// StepStatus is the outcome of a single step, used for metrics and history.
type StepStatus string

const (
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
)
