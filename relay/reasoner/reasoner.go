// Package reasoner defines the black-box reasoning backend the relay invokes
// and the error classes that drive retry decisions.
package reasoner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

type Request struct {
	TrackingID string
	SessionKey string
	MemoryKey  string
	Query      string
}

type Response struct {
	Text         string
	Model        string
	TraceSummary string
}

// Reasoner answers a query within an isolated session.
type Reasoner interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// Func adapts a function to Reasoner.
type Func func(ctx context.Context, req Request) (Response, error)

func (f Func) Invoke(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

type Class string

const (
	ClassTransient Class = "transient"
	ClassPermanent Class = "permanent"
)

// Error carries the retry class of a backend failure.
type Error struct {
	Class      Class
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s reasoner error (status %d): %v", e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s reasoner error: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Transient(err error) error {
	return &Error{Class: ClassTransient, Err: err}
}

func Permanent(err error) error {
	return &Error{Class: ClassPermanent, Err: err}
}

// ClassOf reports the retry class of err. Unclassified errors (timeouts,
// network failures, anything unknown) are transient, so the queue's
// redelivery backstop still sees them.
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Class
	}
	return ClassTransient
}

// FromStatus wraps err with the class implied by an HTTP status code:
// throttling, conflicts, timeouts and 5xx are transient; other 4xx are
// permanent.
func FromStatus(status int, err error) error {
	return &Error{Class: classForStatus(status), StatusCode: status, Err: err}
}

func classForStatus(status int) Class {
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusConflict,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= http.StatusInternalServerError:
		return ClassTransient
	case status >= http.StatusBadRequest:
		return ClassPermanent
	default:
		return ClassTransient
	}
}
