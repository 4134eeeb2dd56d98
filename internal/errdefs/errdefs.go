// Package errdefs defines the error kinds shared by the testbed packages.
// Callers wrap one of the sentinels with context and test for it with
// errors.Is.
package errdefs

import "errors"

var (
	// ErrIO reports an unavailable source or sink, including a sink that
	// refuses binary output because it is interactive.
	ErrIO = errors.New("i/o error")
	// ErrFormat reports malformed or wrong-algorithm key material.
	ErrFormat = errors.New("invalid key format")
	// ErrNamespace reports a host network namespace that cannot be resolved yet.
	ErrNamespace = errors.New("namespace not resolvable")
	// ErrAlreadyExists signals that a resource is already present. During a
	// build it is informational, not a failure.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotFound signals that a resource is absent. During a destroy it is
	// absorbed.
	ErrNotFound = errors.New("not found")
)

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists reports whether err is or wraps ErrAlreadyExists.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}
