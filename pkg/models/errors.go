package models

import (
	"errors"
	"fmt"
)

// TranslationError reports a Pod spec that cannot be mapped to actor
// intents. Dependency errors (an unresolved ConfigMap or Secret) are
// retried on the next reconciliation; the rest only clear when the spec
// changes.
type TranslationError struct {
	Container string
	Reason    string
	// Dependency marks the error as "blocked on dependency" rather than a
	// malformed spec.
	Dependency bool
}

func (e *TranslationError) Error() string {
	if e.Container == "" {
		return fmt.Sprintf("translating pod spec: %s", e.Reason)
	}
	return fmt.Sprintf("translating container %q: %s", e.Container, e.Reason)
}

// NewTranslationError reports a spec that is malformed for this runtime.
func NewTranslationError(container, format string, args ...interface{}) *TranslationError {
	return &TranslationError{Container: container, Reason: fmt.Sprintf(format, args...)}
}

// NewDependencyError reports a spec blocked on a missing cluster object.
func NewDependencyError(container, format string, args ...interface{}) *TranslationError {
	return &TranslationError{Container: container, Reason: fmt.Sprintf(format, args...), Dependency: true}
}

// IsDependencyError reports whether err is a translation error caused by an
// unresolved reference.
func IsDependencyError(err error) bool {
	var te *TranslationError
	return errors.As(err, &te) && te.Dependency
}

// RuntimeErrorKind classifies actor-runtime control API failures.
type RuntimeErrorKind string

const (
	// RuntimeUnreachable is transient: the control API could not be
	// reached or answered with a server error. Always retryable.
	RuntimeUnreachable RuntimeErrorKind = "RuntimeUnreachable"
	// InvalidModule is terminal for the current generation: the module
	// reference or its signature was rejected by the runtime.
	InvalidModule RuntimeErrorKind = "InvalidModule"
	// CapabilityUnavailable is terminal for the current generation: a
	// required capability provider is not hosted by the runtime.
	CapabilityUnavailable RuntimeErrorKind = "CapabilityUnavailable"
)

// RuntimeError wraps a failure from the actor runtime control API.
type RuntimeError struct {
	Kind RuntimeErrorKind
	Op   string
	Err  error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// NewRuntimeError builds a RuntimeError for the given operation.
func NewRuntimeError(kind RuntimeErrorKind, op string, err error) *RuntimeError {
	return &RuntimeError{Kind: kind, Op: op, Err: err}
}

// RuntimeErrorOf returns the error's RuntimeErrorKind, or "" if err is not a
// runtime error.
func RuntimeErrorOf(err error) RuntimeErrorKind {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// IsRetryable reports whether err is a transient runtime failure.
func IsRetryable(err error) bool {
	return RuntimeErrorOf(err) == RuntimeUnreachable
}

// IsTerminal reports whether err is terminal for the current spec
// generation.
func IsTerminal(err error) bool {
	switch RuntimeErrorOf(err) {
	case InvalidModule, CapabilityUnavailable:
		return true
	}
	return false
}
