package models

import "fmt"

// ErrorKind classifies a failure: transport, malformed model output,
// validation, policy, or fatal. The dispatcher
// and backend pool use Kind to decide whether a failure is retried,
// recovered locally, or propagated.
type ErrorKind string

const (
	KindTransport ErrorKind = "transport"
	KindMalformed ErrorKind = "malformed"
	KindValidation ErrorKind = "validation"
	KindPolicy    ErrorKind = "policy"
	KindFatal     ErrorKind = "fatal"
)

// PlannerUnavailable indicates the planner's backend could not be reached
// at all (as opposed to producing output the validator rejected).
type PlannerUnavailable struct {
	Cause error
}

func (e *PlannerUnavailable) Error() string {
	return fmt.Sprintf("planner unavailable: %v", e.Cause)
}

func (e *PlannerUnavailable) Unwrap() error { return e.Cause }

// PlannerInvalidOutput indicates the planner produced output that could
// not be parsed or validated into a TaskGraph, and no fallback graph
// could be synthesized either.
type PlannerInvalidOutput struct {
	Reason string
	Raw    string
}

func (e *PlannerInvalidOutput) Error() string {
	return fmt.Sprintf("planner invalid output: %s", e.Reason)
}

// PlannerTimeout indicates the planner's backend exceeded its deadline.
type PlannerTimeout struct {
	After string
}

func (e *PlannerTimeout) Error() string {
	return fmt.Sprintf("planner timed out after %s", e.After)
}

// DispatcherAborted indicates the dispatcher stopped the run because a
// subtask failed; no further waves were scheduled.
type DispatcherAborted struct {
	SubtaskID string
	Cause     ErrorKind
	Err       error
}

func (e *DispatcherAborted) Error() string {
	return fmt.Sprintf("dispatcher aborted at subtask %s (%s): %v", e.SubtaskID, e.Cause, e.Err)
}

func (e *DispatcherAborted) Unwrap() error { return e.Err }

// ToolRunnerExhausted indicates the tool runner reached its step budget
// without producing a final answer.
type ToolRunnerExhausted struct {
	Steps int
}

func (e *ToolRunnerExhausted) Error() string {
	return fmt.Sprintf("tool runner exhausted after %d steps with no final answer", e.Steps)
}

// ToolRunnerToolError indicates a registered tool failed three times
// within a single run and the runner gave up propagating the error.
type ToolRunnerToolError struct {
	Tool  string
	Cause error
}

func (e *ToolRunnerToolError) Error() string {
	return fmt.Sprintf("tool %q failed repeatedly: %v", e.Tool, e.Cause)
}

func (e *ToolRunnerToolError) Unwrap() error { return e.Cause }

// MergerUnavailable indicates the merger's backend could not be reached;
// the dispatcher recovers by falling back to an internal summary.
type MergerUnavailable struct {
	Cause error
}

func (e *MergerUnavailable) Error() string {
	return fmt.Sprintf("merger unavailable: %v", e.Cause)
}

func (e *MergerUnavailable) Unwrap() error { return e.Cause }

// ValidationError describes a single TaskGraph invariant violation,
// carrying the offending identifier so callers can report it verbatim.
type ValidationError struct {
	Reason     string
	SubtaskID  string
	BadValue   string
}

func (e *ValidationError) Error() string {
	if e.SubtaskID == "" {
		return e.Reason
	}
	if e.BadValue != "" {
		return fmt.Sprintf("%s: subtask %q, value %q", e.Reason, e.SubtaskID, e.BadValue)
	}
	return fmt.Sprintf("%s: subtask %q", e.Reason, e.SubtaskID)
}

// FailureHint returns the short user-facing hint tied to an error kind
// (e.g. "retry later" for transport).
func FailureHint(kind ErrorKind) string {
	switch kind {
	case KindTransport:
		return "retry later"
	case KindMalformed:
		return "the backend returned output the core could not parse; try again"
	case KindValidation:
		return "revise the goal"
	case KindPolicy:
		return "the backend refused this request; revise the goal or objective"
	case KindFatal:
		return "check agent and configuration setup"
	default:
		return ""
	}
}
