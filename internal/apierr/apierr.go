// Package apierr defines the error taxonomy shared across faasd's components
// and the HTTP status codes the control API maps them to.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies which of the ten error categories an error belongs to.
type Kind int

const (
	Unknown Kind = iota
	InvalidInput
	AlreadyExists
	NotFound
	PoolExhausted
	Extraction
	Bind
	RuntimeLaunch
	Timeout
	Handoff
	Internal
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "InvalidInput"
	case AlreadyExists:
		return "AlreadyExists"
	case NotFound:
		return "NotFound"
	case PoolExhausted:
		return "PoolExhausted"
	case Extraction:
		return "Extraction"
	case Bind:
		return "Bind"
	case RuntimeLaunch:
		return "RuntimeLaunch"
	case Timeout:
		return "Timeout"
	case Handoff:
		return "Handoff"
	case Internal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying error with a Kind for status-code mapping and logging.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap annotates err with kind. Wrap(kind, nil) returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// New builds a Kind-tagged error from a message, analogous to errors.New.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// KindOf extracts the Kind from err, defaulting to Internal for untagged errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// StatusCode maps a Kind to the HTTP status the control API should return.
func StatusCode(err error) int {
	switch KindOf(err) {
	case InvalidInput:
		return http.StatusBadRequest
	case AlreadyExists:
		return http.StatusConflict
	case NotFound:
		return http.StatusNotFound
	case PoolExhausted, Extraction, Bind, RuntimeLaunch, Timeout, Handoff, Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
