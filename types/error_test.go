package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormat(t *testing.T) {
	err := NewError(ErrVectorStore, "search failed")
	assert.Equal(t, "[VECTOR_STORE] search failed", err.Error())

	wrapped := NewError(ErrVectorStore, "search failed").WithCause(errors.New("disk full"))
	assert.Equal(t, "[VECTOR_STORE] search failed: disk full", wrapped.Error())
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewError(ErrServiceUnavailable, "llm service down").WithCause(cause)

	assert.True(t, errors.Is(err, cause))
}

func TestIsCodeThroughWrapping(t *testing.T) {
	inner := NewError(ErrEmbeddingUnavailable, "all tiers exhausted")
	outer := fmt.Errorf("embed batch item 3: %w", inner)

	assert.True(t, IsCode(outer, ErrEmbeddingUnavailable))
	assert.False(t, IsCode(outer, ErrCache))
	assert.Equal(t, ErrEmbeddingUnavailable, GetErrorCode(outer))
}

func TestRetryable(t *testing.T) {
	err := NewError(ErrTimeout, "generate timed out").WithRetryable(true)
	assert.True(t, IsRetryable(err))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
}
