package tools

import "fmt"

// ErrNotRegistered is returned when a capability name has no owner in
// the registry. It describes a mismatch between what the model asked
// for and what the servers advertise, not a transient failure.
type ErrNotRegistered struct {
	Name string
}

// Error implements the error interface.
func (e *ErrNotRegistered) Error() string {
	return fmt.Sprintf("capability %q is not registered", e.Name)
}
