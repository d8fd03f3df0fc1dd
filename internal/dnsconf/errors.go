// Package dnsconf validates dnsmasq-style configuration text before it is
// ever written to the live file. Validation has no side effects.
package dnsconf

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a ValidationError.
type Kind string

// Validation error kinds.
const (
	KindSyntax      Kind = "syntax_error"
	KindUnsupported Kind = "unsupported_directive"
	KindTooLarge    Kind = "too_large"
)

// ErrValidatorUnavailable means the content could not be judged, e.g. the
// daemon binary used for test mode is missing. It never means "invalid".
var ErrValidatorUnavailable = errors.New("config validator unavailable")

// ValidationError reports why a configuration was rejected.
type ValidationError struct {
	Kind      Kind
	Line      int // 1-based; 0 when not tied to a line
	Directive string
	Msg       string
}

func (e *ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
	}
	return e.Msg
}

// Validator judges configuration content.
type Validator interface {
	Validate(ctx context.Context, content []byte) error
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(ctx context.Context, content []byte) error

// Validate calls f.
func (f ValidatorFunc) Validate(ctx context.Context, content []byte) error {
	return f(ctx, content)
}

// Result is the wire form of a validation outcome.
type Result struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
	Kind  Kind   `json:"kind,omitempty"`
	Line  int    `json:"line,omitempty"`
}

// ResultOf converts a Validate return value into a Result. Errors that are
// not validation verdicts (e.g. ErrValidatorUnavailable) are returned as-is.
func ResultOf(err error) (Result, error) {
	if err == nil {
		return Result{Valid: true}, nil
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return Result{Valid: false, Error: ve.Error(), Kind: ve.Kind, Line: ve.Line}, nil
	}
	return Result{}, err
}

func syntaxErr(line int, directive, format string, args ...any) *ValidationError {
	return &ValidationError{
		Kind:      KindSyntax,
		Line:      line,
		Directive: directive,
		Msg:       fmt.Sprintf(format, args...),
	}
}
