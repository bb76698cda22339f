package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
}

func TestValidationResult_AddError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("edges[0].target", ErrCodeIntegrity, "target node missing")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "edges[0].target", r.Errors[0].Path)
	assert.Equal(t, ErrCodeIntegrity, r.Errors[0].Code)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
}

func TestValidationResult_WarningsStayValid(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("nodes[1].data.label", ErrCodeValidation, "empty label")

	assert.True(t, r.Valid(), "warnings alone should not make result invalid")
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("nodes", ErrCodeValidation, "err1")
	r2 := &ValidationResult{}
	r2.AddError("edges", ErrCodeIntegrity, "err2")
	r2.AddWarning("edges[1]", ErrCodeValidation, "warn2")

	r1.Merge(r2)
	r1.Merge(nil)

	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 1)
}

func TestValidationResult_ToError(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("/", ErrCodeValidation, "just a warning")
	assert.Nil(t, r.ToError())

	r.AddError("edges[0].source", ErrCodeIntegrity, "dangling source")
	err := r.ToError()
	require.Error(t, err)

	var se *SyncError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ErrCodeValidation, se.Code)
	assert.Equal(t, "edges[0].source: dangling source", se.Message)
	assert.Equal(t, ErrCodeIntegrity, se.Details["issue_code"])

	r.AddError("nodes[0].id", ErrCodeValidation, "duplicate id")
	se = r.ToError().(*SyncError)
	assert.Equal(t, "edges[0].source: dangling source (and 1 more)", se.Message)
	assert.Len(t, se.Details["errors"], 2)
	assert.Len(t, se.Details["warnings"], 1)
}

func TestSyncError_Classification(t *testing.T) {
	base := NewErrorf(ErrCodeTransport, "dial %s", "ws://relay").WithDiagram("d1")
	wrapped := fmt.Errorf("connect: %w", base)

	assert.Equal(t, "[TRANSPORT_ERROR] diagram d1: dial ws://relay", base.Error())
	assert.True(t, HasCode(wrapped, ErrCodeTransport))
	assert.True(t, IsRetryable(wrapped))
	assert.False(t, IsRetryable(NewError(ErrCodeCausalGap, "gap")))
	assert.False(t, IsRetryable(errors.New("plain")))

	cause := errors.New("disk full")
	se := NewError(ErrCodeStore, "append").WithCause(cause)
	assert.ErrorIs(t, se, cause)
}
