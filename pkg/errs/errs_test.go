package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClass(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"malformed", Malformed("<x>", "bad"), ClassInvalid},
		{"shape", &ShapeDefinitionError{ShapeID: "ex:S", Reason: "missing target"}, ClassInvalid},
		{"timeout", &QueryTimeoutError{Operation: "path", Err: context.DeadlineExceeded}, ClassTransient},
		{"raw deadline", context.DeadlineExceeded, ClassTransient},
		{"ambiguous", &AmbiguousEntityError{CandidateID: "c1", Level: "id"}, ClassReview},
		{"unresolved", &ConflictUnresolvedError{Entity: "ex:p1", Property: "ex:status"}, ClassReview},
		{"wrapped malformed", fmt.Errorf("load: %w", Malformed("line 3", "eof")), ClassInvalid},
		{"other", errors.New("boom"), ClassFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Class(tt.err))
		})
	}
}

func TestQueryTimeoutError_UnwrapsContextError(t *testing.T) {
	err := &QueryTimeoutError{Operation: "validate", Err: context.DeadlineExceeded}

	assert.ErrorIs(t, err, ErrQueryTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, IsTransient(err))
}

func TestCheckContext(t *testing.T) {
	require.NoError(t, CheckContext(context.Background(), "op"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := CheckContext(ctx, "path layer")
	require.Error(t, err)

	var timeout *QueryTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "path layer", timeout.Operation)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInternalEvaluationError_CarriesCause(t *testing.T) {
	cause := errors.New("unexpected literal")
	err := &InternalEvaluationError{FocusNode: "<ex:a>", ShapeID: "ex:S", Err: cause}

	assert.ErrorIs(t, err, ErrInternalEvaluation)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "<ex:a>")
}
