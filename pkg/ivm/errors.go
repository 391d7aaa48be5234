package ivm

import "fmt"

// ContractError signals a malformed graph or a violated operator contract: a
// missing output registration, a call on a destroyed operator, mismatched
// correlation key lengths, an unresolved overlay, and the like. Contract
// errors indicate programming errors and are never retried.
type ContractError struct {
	// Op names the operator (or operation) that detected the violation.
	Op string
	// Reason describes the violation.
	Reason string
}

// Error implements the error interface.
func (e *ContractError) Error() string {
	return fmt.Sprintf("contract violation in %s: %s", e.Op, e.Reason)
}

func contractErrf(op, format string, args ...any) error {
	return &ContractError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// errNoOutput is the shared fail-fast condition for operators pushed or
// fetched before their downstream output was registered.
func errNoOutput(op string) error {
	return contractErrf(op, "no output configured")
}

// errDestroyed is the shared fail-fast condition for calls after Destroy.
func errDestroyed(op string) error {
	return contractErrf(op, "operator already destroyed")
}
