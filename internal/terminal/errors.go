package terminal

import "fmt"

// NotFoundError signals that no registered terminal matches the request.
type NotFoundError struct {
	Name    string
	Version string
}

func (e *NotFoundError) Error() string {
	if e.Version != "" {
		return fmt.Sprintf("terminal %q version %q is not registered", e.Name, e.Version)
	}
	return fmt.Sprintf("terminal %q is not registered", e.Name)
}

// AuthenticationRequiredError signals that the activity template demands an
// authorization token but the node carries none.
type AuthenticationRequiredError struct {
	ActivityID   string
	TemplateName string
}

func (e *AuthenticationRequiredError) Error() string {
	return fmt.Sprintf("activity %s requires authentication for %q but no token is attached", e.ActivityID, e.TemplateName)
}

// UnreachableError wraps a transport failure talking to a terminal. Timeout
// distinguishes a dead endpoint from a slow one; the polling scheduler treats
// both as an unanswered poll.
type UnreachableError struct {
	Endpoint string
	Timeout  bool
	Err      error
}

func (e *UnreachableError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("terminal at %s timed out: %v", e.Endpoint, e.Err)
	}
	return fmt.Sprintf("terminal at %s unreachable: %v", e.Endpoint, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }
