package model

// LaunchState represents the lifecycle state of a single launch.
type LaunchState string

const (
	LaunchStateInitializing       LaunchState = "INITIALIZING"
	LaunchStateProvisioningInputs LaunchState = "PROVISIONING_INPUTS"
	LaunchStateRewriting          LaunchState = "REWRITING"
	LaunchStateExecuting          LaunchState = "EXECUTING"
	LaunchStateReconcilingOutputs LaunchState = "RECONCILING_OUTPUTS"
	LaunchStateUploadingOutputs   LaunchState = "UPLOADING_OUTPUTS"
	LaunchStateCompleted          LaunchState = "COMPLETED"
	LaunchStateFailed             LaunchState = "FAILED"
)

// String returns the string representation of the launch state.
func (s LaunchState) String() string {
	return string(s)
}

// IsTerminal returns true if the launch is in a final state.
func (s LaunchState) IsTerminal() bool {
	switch s {
	case LaunchStateCompleted, LaunchStateFailed:
		return true
	}
	return false
}

// ValidLaunchTransitions defines the allowed state transitions for a launch.
// Every non-terminal state may move to LaunchStateFailed.
var ValidLaunchTransitions = map[LaunchState][]LaunchState{
	LaunchStateInitializing:       {LaunchStateProvisioningInputs, LaunchStateFailed},
	LaunchStateProvisioningInputs: {LaunchStateRewriting, LaunchStateFailed},
	LaunchStateRewriting:          {LaunchStateExecuting, LaunchStateFailed},
	LaunchStateExecuting:          {LaunchStateReconcilingOutputs, LaunchStateFailed},
	LaunchStateReconcilingOutputs: {LaunchStateUploadingOutputs, LaunchStateFailed},
	LaunchStateUploadingOutputs:   {LaunchStateCompleted, LaunchStateFailed},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s LaunchState) CanTransitionTo(next LaunchState) bool {
	for _, allowed := range ValidLaunchTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
