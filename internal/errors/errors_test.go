package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	err := New(ErrTypeValidation, "test error message")

	assert.Equal(t, ErrTypeValidation, err.Type)
	assert.Equal(t, "test error message", err.Message)
	assert.NoError(t, err.Cause)
}

func TestWrapf(t *testing.T) {
	originalErr := errors.New("connection refused")
	wrappedErr := Wrapf(originalErr, ErrTypeDatabase, "failed to open %s", "metadata.db")

	assert.Equal(t, ErrTypeDatabase, wrappedErr.Type)
	assert.Equal(t, "failed to open metadata.db", wrappedErr.Message)
	assert.Equal(t, originalErr, wrappedErr.Cause)
	assert.ErrorIs(t, wrappedErr, originalErr)
}

func TestErrorString(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "error without cause",
			err:      &Error{Type: ErrTypeValidation, Message: "empty query"},
			expected: "validation: empty query",
		},
		{
			name: "error with cause",
			err: &Error{
				Type:    ErrTypeUpstream,
				Message: "vector store request failed",
				Cause:   errors.New("connection reset"),
			},
			expected: "upstream: vector store request failed (caused by: connection reset)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestIsType(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		errType  ErrorType
		expected bool
	}{
		{"direct match", New(ErrTypeUnreachable, "no path"), ErrTypeUnreachable, true},
		{"different type", New(ErrTypeUnreachable, "no path"), ErrTypeValidation, false},
		{"fmt wrapped", fmt.Errorf("resolve: %w", New(ErrTypeUnreachable, "no path")), ErrTypeUnreachable, true},
		{"nested structured", Wrap(New(ErrTypeTimeout, "slow"), ErrTypeUpstream, "reranker"), ErrTypeTimeout, true},
		{"plain error", errors.New("plain"), ErrTypeInternal, false},
		{"nil", nil, ErrTypeInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsType(tt.err, tt.errType))
		})
	}
}

func TestGetType(t *testing.T) {
	assert.Equal(t, ErrTypeConfig, GetType(New(ErrTypeConfig, "x")))
	assert.Equal(t, ErrTypeInternal, GetType(errors.New("plain")))
}

func TestNewUpstreamError(t *testing.T) {
	err := NewUpstreamError(errors.New("503"), "vector store")
	assert.Equal(t, ErrTypeUpstream, err.Type)
	assert.Contains(t, err.Error(), "vector store request failed")

	timeout := NewUpstreamError(fmt.Errorf("query: %w", context.DeadlineExceeded), "reranker")
	assert.Equal(t, ErrTypeTimeout, timeout.Type)
	assert.ErrorIs(t, timeout, context.DeadlineExceeded)
	assert.NotEmpty(t, timeout.Suggestions)
}

func TestSuggestions(t *testing.T) {
	inner := NewConfigError("missing key", "llm.api_key")
	outer := Wrap(inner, ErrTypeUpstream, "llm").WithSuggestion("retry later")

	suggestions := Suggestions(outer)
	assert.Len(t, suggestions, 3)
	assert.Equal(t, "retry later", suggestions[0])
	assert.Contains(t, inner.Error(), "(field: llm.api_key)")
}
