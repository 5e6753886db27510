// Package errors holds the error taxonomy shared by the loops and the
// clients that talk to upstream services.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUpstreamTimeout is returned when an upstream call ran out of time.
	ErrUpstreamTimeout = errors.New("upstream timeout")
	// ErrNotAuthenticated is returned when a token is asked for before the
	// token manager has one.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrAttemptsExhausted ends the current cycle of a loop, never the loop.
	ErrAttemptsExhausted = errors.New("attempts exhausted")
	// ErrPersistence marks a save that failed on the payload itself.
	ErrPersistence = errors.New("persistence conflict")

	ErrConflict = errors.New("resource already exists")
	ErrNotFound = errors.New("resource not found")
)

// Body is the raw response body an upstream answered with.
type Body string

// Error is an upstream response that was not a 200.
type Error struct {
	Status int
	Err    error // The error this wraps
	Body   Body
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("%d: %s, body: %s", e.Status, e.Err, e.Body)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds an *Error from whatever it is given: strings and errors become the
// wrapped error, ints the status, and a Body the response body.
func E(args ...any) *Error {
	ret := &Error{
		Status: http.StatusInternalServerError,
	}

	for _, arg := range args {
		switch arg := arg.(type) {
		case string:
			ret.Err = errors.New(arg)
		case error:
			ret.Err = arg
		case int:
			ret.Status = arg
		case Body:
			ret.Body = arg
		}
	}

	return ret
}

// Status returns the upstream status carried by err, or 0 if err did not come
// from an upstream response.
func Status(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}

	return 0
}
