// Package backtesterrors contains the error types shared by every component of the
// orchestrator. Components wrap lower level errors in one of these types so that
// callers (the worker pool retry policy, the HTTP layer, the job state machine) can
// classify a failure with errors.As regardless of how deeply it was wrapped.
//
// If multiple errors occur in some function (e.g., several cleanup steps fail), that
// function should return an error of type multierror.Error from package
// github.com/hashicorp/go-multierror that encapsulates those individual errors.
package backtesterrors

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// ErrValidation is returned when a job specification is malformed.
type ErrValidation struct {
	Field   string      // Name of the offending field, e.g., "files"
	Value   interface{} // The invalid value, optional
	Message string      // Optional explanation
}

func (err *ErrValidation) Error() string {
	s := "invalid job spec"
	if err.Field != "" {
		s = fmt.Sprintf("invalid value %v for field %q", err.Value, err.Field)
	}
	if err.Message != "" {
		s += "; " + err.Message
	}
	return s
}

// ErrNotFound is returned whenever a job, symbol or record can't be found.
type ErrNotFound struct {
	Type    string // Resource type, e.g., "job"
	Value   string // Resource id
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("%s %q does not exist", err.Type, err.Value)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		s += "; " + err.Message
	}
	return
}

// ErrResourceExhausted is returned when a bounded resource (ports, quota) has no capacity left.
type ErrResourceExhausted struct {
	Resource string // e.g., "port", "quota"
	Message  string
}

func (err *ErrResourceExhausted) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("%s exhausted", err.Resource)
	}
	return fmt.Sprintf("%s exhausted; %s", err.Resource, err.Message)
}

// ErrUpstreamProvider is returned when no usable data provider credentials exist or every
// configured provider failed.
type ErrUpstreamProvider struct {
	Provider string // Empty when the failure is not specific to one provider
	Message  string
	Cause    error
}

func (err *ErrUpstreamProvider) Error() string {
	s := "upstream data provider error"
	if err.Provider != "" {
		s = fmt.Sprintf("upstream data provider %s error", err.Provider)
	}
	if err.Message != "" {
		s += ": " + err.Message
	}
	if err.Cause != nil {
		s += ": " + err.Cause.Error()
	}
	return s
}

func (err *ErrUpstreamProvider) Unwrap() error { return err.Cause }

// ErrExecution is returned when the engine process exits with a non-zero code.
type ErrExecution struct {
	ExitCode   int
	Diagnostic string
}

func (err *ErrExecution) Error() string {
	if err.Diagnostic == "" {
		return fmt.Sprintf("engine exited with code %d", err.ExitCode)
	}
	return fmt.Sprintf("engine exited with code %d: %s", err.ExitCode, err.Diagnostic)
}

// ErrParse is returned when a result artifact or engine packet is malformed.
type ErrParse struct {
	Artifact string
	Cause    error
}

func (err *ErrParse) Error() string {
	return fmt.Sprintf("failed to parse %s: %v", err.Artifact, err.Cause)
}

func (err *ErrParse) Unwrap() error { return err.Cause }

// ErrInfrastructure is returned when a backing store (queue, lease store, cache, ledger)
// is unreachable. These are the only failures the queue retries.
type ErrInfrastructure struct {
	Component string // e.g., "redis", "coverage index"
	Cause     error
}

func (err *ErrInfrastructure) Error() string {
	return fmt.Sprintf("%s unavailable: %v", err.Component, err.Cause)
}

func (err *ErrInfrastructure) Unwrap() error { return err.Cause }

// Infrastructure wraps err as an ErrInfrastructure for component, keeping the stack.
// Returns nil if err is nil.
func Infrastructure(component string, err error) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(&ErrInfrastructure{Component: component, Cause: err})
}

type Kind string

const (
	KindUnknown           Kind = "Unknown"
	KindValidation        Kind = "ValidationError"
	KindNotFound          Kind = "NotFoundError"
	KindResourceExhausted Kind = "ResourceExhaustion"
	KindUpstreamProvider  Kind = "UpstreamProviderError"
	KindExecution         Kind = "ExecutionError"
	KindParse             Kind = "ParseError"
	KindInfrastructure    Kind = "InfrastructureError"
)

// KindOf looks through the chain of errors and returns the taxonomy kind of the first
// recognised error type.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var validation *ErrValidation
	var notFound *ErrNotFound
	var exhausted *ErrResourceExhausted
	var upstream *ErrUpstreamProvider
	var execution *ErrExecution
	var parse *ErrParse
	var infrastructure *ErrInfrastructure
	switch {
	case errors.As(err, &validation):
		return KindValidation
	case errors.As(err, &notFound):
		return KindNotFound
	case errors.As(err, &exhausted):
		return KindResourceExhausted
	case errors.As(err, &upstream):
		return KindUpstreamProvider
	case errors.As(err, &execution):
		return KindExecution
	case errors.As(err, &parse):
		return KindParse
	case errors.As(err, &infrastructure):
		return KindInfrastructure
	}
	return KindUnknown
}

// IsRetryable reports whether the queue should retry a job that failed with err.
func IsRetryable(err error) bool {
	return KindOf(err) == KindInfrastructure
}

// HttpStatusFromError maps error kinds to HTTP status codes.
func HttpStatusFromError(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindResourceExhausted:
		return http.StatusTooManyRequests
	case KindUpstreamProvider:
		return http.StatusBadGateway
	case KindInfrastructure:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
