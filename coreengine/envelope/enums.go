// Package envelope carries the per-request state of one segment resolution:
// request identity, the input, stage ordering and the processing history.
package envelope

// StageStatus is the lifecycle state of one stage execution.
type StageStatus string

const (
	StageStatusRunning StageStatus = "running"
	StageStatusSuccess StageStatus = "success"
	StageStatusError   StageStatus = "error"
	StageStatusTimeout StageStatus = "timeout"
)

// TerminalReason says why a request stopped - exactly one per request.
type TerminalReason string

const (
	TerminalReasonCompleted        TerminalReason = "completed"
	TerminalReasonValidationFailed TerminalReason = "validation_failed"
	TerminalReasonActivationFailed TerminalReason = "activation_failed"
	TerminalReasonStageFailed      TerminalReason = "stage_failed"
	TerminalReasonCancelled        TerminalReason = "cancelled"
)
