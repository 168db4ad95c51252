// Package kernel defines the error type shared by all kernel subsystems.
package kernel

import "github.com/cockroachdb/errors"

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure. Callers attach context
// by wrapping them and match them with errors.Is, which compares the wrapped
// sentinel by identity.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// ModuleOf returns the module of the first *Error found in err's chain or
// fallback if the chain does not contain one.
func ModuleOf(err error, fallback string) string {
	var kErr *Error
	if errors.As(err, &kErr) {
		return kErr.Module
	}

	return fallback
}
