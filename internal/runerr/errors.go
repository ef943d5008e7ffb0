// Package runerr defines the closed set of failures an ingestion run or a
// validation pass can report. Every variant carries the stage it was raised
// in so callers can branch on Kind without parsing messages.
package runerr

import (
	"errors"
	"fmt"
)

// Kind tags a failure variant.
type Kind string

const (
	KindInvalidURL        Kind = "INVALID_URL"
	KindNetwork           Kind = "NETWORK"
	KindHTTPStatus        Kind = "HTTP_STATUS"
	KindEmptyBody         Kind = "EMPTY_BODY"
	KindDecode            Kind = "DECODE"
	KindDegenerateRun     Kind = "DEGENERATE_RUN"
	KindValidationFailure Kind = "VALIDATION_FAILURE"
	KindRunInProgress     Kind = "RUN_IN_PROGRESS"
	KindWrite             Kind = "WRITE"
	KindCanceled          Kind = "CANCELED"
	KindInvalidParams     Kind = "INVALID_PARAMS"
)

// Kinds lists every variant. Switches over Kind should cover all of them.
var Kinds = []Kind{
	KindInvalidURL,
	KindNetwork,
	KindHTTPStatus,
	KindEmptyBody,
	KindDecode,
	KindDegenerateRun,
	KindValidationFailure,
	KindRunInProgress,
	KindWrite,
	KindCanceled,
	KindInvalidParams,
}

// Upstream reports whether the kind originates from the marketplace API.
func (k Kind) Upstream() bool {
	switch k {
	case KindInvalidURL, KindNetwork, KindHTTPStatus, KindEmptyBody, KindDecode:
		return true
	}
	return false
}

// Error is the single concrete error type of the taxonomy.
type Error struct {
	Kind    Kind
	Stage   string
	Status  int // upstream HTTP status, 0 when not applicable
	Message string
	RunID   string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by Kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an error of the given kind around cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	if cause != nil {
		msg = msg + ": " + cause.Error()
	}
	return &Error{Kind: kind, Message: msg, Err: cause}
}

// WithStatus returns a copy carrying the upstream status.
func (e *Error) WithStatus(status int) *Error {
	c := *e
	c.Status = status
	return &c
}

// At returns a copy stamped with the run and stage it surfaced in.
func (e *Error) At(runID, stage string) *Error {
	c := *e
	if c.RunID == "" {
		c.RunID = runID
	}
	if c.Stage == "" {
		c.Stage = stage
	}
	return &c
}

// As extracts an *Error from err. Foreign errors are classified with the
// fallback kind.
func As(err error, fallback Kind) *Error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	return &Error{Kind: fallback, Message: err.Error(), Err: err}
}

// KindOf returns the kind of err, or "" if it is not part of the taxonomy.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}
