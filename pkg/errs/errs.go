// Package errs defines the error taxonomy shared by the graph engine packages.
// Every error type carries the identifier of the offending input (triple, shape,
// entity or conflict key) and unwraps to a sentinel so callers can branch with
// errors.Is and extract details with errors.As.
package errs

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinels for each error kind.
var (
	ErrMalformedInput     = errors.New("malformed input")
	ErrShapeDefinition    = errors.New("invalid shape definition")
	ErrInternalEvaluation = errors.New("internal evaluation error")
	ErrQueryTimeout       = errors.New("query timeout")
	ErrAmbiguousEntity    = errors.New("ambiguous entity")
	ErrConflictUnresolved = errors.New("conflict unresolved")
)

// ErrorClass groups errors by how a caller is expected to react.
type ErrorClass int

const (
	// ClassInvalid marks bad caller input; retrying unchanged input fails again.
	ClassInvalid ErrorClass = iota
	// ClassTransient marks deadline expiry or cancellation; a retry may succeed.
	ClassTransient
	// ClassReview marks normal terminal states that need a human decision.
	ClassReview
	// ClassFatal marks everything else.
	ClassFatal
)

// String returns the string representation of ErrorClass.
func (c ErrorClass) String() string {
	switch c {
	case ClassInvalid:
		return "invalid"
	case ClassTransient:
		return "transient"
	case ClassReview:
		return "review"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// MalformedInputError reports bad triple, literal, path or stream syntax.
type MalformedInputError struct {
	Input  string
	Reason string
}

func (e *MalformedInputError) Error() string {
	return fmt.Sprintf("malformed input %q: %s", e.Input, e.Reason)
}

func (e *MalformedInputError) Unwrap() error { return ErrMalformedInput }

// Malformed builds a MalformedInputError.
func Malformed(input, format string, args ...any) error {
	return &MalformedInputError{Input: input, Reason: fmt.Sprintf(format, args...)}
}

// ShapeDefinitionError reports an invalid shape; validation aborts before evaluating any node.
type ShapeDefinitionError struct {
	ShapeID string
	Reason  string
}

func (e *ShapeDefinitionError) Error() string {
	return fmt.Sprintf("shape %q: %s", e.ShapeID, e.Reason)
}

func (e *ShapeDefinitionError) Unwrap() error { return ErrShapeDefinition }

// InternalEvaluationError reports a fault isolated to a single focus node.
type InternalEvaluationError struct {
	FocusNode string
	ShapeID   string
	Err       error
}

func (e *InternalEvaluationError) Error() string {
	return fmt.Sprintf("evaluating %s against %s: %v", e.FocusNode, e.ShapeID, e.Err)
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *InternalEvaluationError) Unwrap() []error {
	return []error{ErrInternalEvaluation, e.Err}
}

// QueryTimeoutError reports an evaluation that outlived its caller's deadline.
type QueryTimeoutError struct {
	Operation string
	Err       error
}

func (e *QueryTimeoutError) Error() string {
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

// Unwrap exposes both the sentinel and the context error.
func (e *QueryTimeoutError) Unwrap() []error {
	return []error{ErrQueryTimeout, e.Err}
}

// AmbiguousEntityError reports several equally good matches at the winning priority level.
type AmbiguousEntityError struct {
	CandidateID string
	Level       string
	Matches     []string
}

func (e *AmbiguousEntityError) Error() string {
	return fmt.Sprintf("candidate %s matches %d entities at level %q: %s",
		e.CandidateID, len(e.Matches), e.Level, strings.Join(e.Matches, ", "))
}

func (e *AmbiguousEntityError) Unwrap() error { return ErrAmbiguousEntity }

// ConflictUnresolvedError is the terminal state of a conflict under the manual strategy.
type ConflictUnresolvedError struct {
	Entity   string
	Property string
}

func (e *ConflictUnresolvedError) Error() string {
	return fmt.Sprintf("conflict on (%s, %s) requires manual resolution", e.Entity, e.Property)
}

func (e *ConflictUnresolvedError) Unwrap() error { return ErrConflictUnresolved }

// CheckContext returns a QueryTimeoutError if ctx is done, nil otherwise.
func CheckContext(ctx context.Context, operation string) error {
	select {
	case <-ctx.Done():
		return &QueryTimeoutError{Operation: operation, Err: ctx.Err()}
	default:
		return nil
	}
}

// Class classifies err for handling purposes.
func Class(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassFatal
	case errors.Is(err, ErrQueryTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ClassTransient
	case errors.Is(err, ErrAmbiguousEntity), errors.Is(err, ErrConflictUnresolved):
		return ClassReview
	case errors.Is(err, ErrMalformedInput), errors.Is(err, ErrShapeDefinition):
		return ClassInvalid
	default:
		return ClassFatal
	}
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return err != nil && Class(err) == ClassTransient
}
