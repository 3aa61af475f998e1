package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
)

// Kind classifies why a probe step failed
type Kind int

const (
	// KindTransport covers refused or reset connections, DNS and TLS failures
	KindTransport Kind = iota
	// KindTimeout is a network or subprocess deadline being exceeded
	KindTimeout
	// KindParse is malformed playlist, JSON or decoder output
	KindParse
	// KindLogical is a bad status, an empty body or a playlist without segments
	KindLogical
	// KindCanceled is the caller abandoning the probe
	KindCanceled
)

// String returns the lowercase name used in logs and metric labels
func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindParse:
		return "parse"
	case KindLogical:
		return "logical"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// ErrParse marks errors produced while decoding remote or subprocess output
var ErrParse = errors.New("parse failed")

// StepError records the failing step of a probe and its failure kind
type StepError struct {
	Step string
	Kind Kind
	Err  error
}

// Error formats the step, kind and cause
func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Step, e.Kind, e.Err)
}

// Unwrap returns the underlying cause
func (e *StepError) Unwrap() error {
	return e.Err
}

// Fail wraps err as a StepError of its classified kind
func Fail(step string, err error) *StepError {
	return &StepError{Step: step, Kind: Classify(err), Err: err}
}

// Logical builds a StepError for a failure that is not an I/O error
func Logical(step string, err error) *StepError {
	return &StepError{Step: step, Kind: KindLogical, Err: err}
}

// Classify maps err onto the failure taxonomy
func Classify(err error) Kind {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Kind
	}

	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.Is(err, ErrParse) || errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return KindParse
	}

	return KindTransport
}
