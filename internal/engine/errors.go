package engine

import "fmt"

// ArgumentError reports invalid input to an engine entry point, such as a
// missing container or a run continued past its end.
type ArgumentError struct {
	Msg string
}

func (e *ArgumentError) Error() string { return e.Msg }

// InvalidStateTransitionError reports a node handed to the interpreter in a
// state it cannot execute from. The message format is part of the observable
// contract; callers match on it.
type InvalidStateTransitionError struct {
	NodeID string
	State  string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("Action ID: %s status is %s", e.NodeID, e.State)
}

// InvalidJumpTargetError reports a JumpToActivity verdict naming a node
// outside the running plan's tree.
type InvalidJumpTargetError struct {
	ContainerID string
	TargetID    string
}

func (e *InvalidJumpTargetError) Error() string {
	return fmt.Sprintf("container %s: jump target %s is not part of the plan tree", e.ContainerID, e.TargetID)
}
