package errs

import (
	"context"
	"errors"
	"testing"

	perrors "github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpErrorUnwrapsKindAndCause(t *testing.T) {
	t.Parallel()

	err := E(ErrLockTimeout, "write", "user:1", context.DeadlineExceeded)

	assert.True(t, errors.Is(err, ErrLockTimeout))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, errors.Is(err, ErrQuorumUnavailable))
	assert.Equal(t, perrors.CodeTimeout, Code(err))
	assert.Equal(t, "write user:1: [TIMEOUT] lock timeout: context deadline exceeded", err.Error())
}

func TestClassification(t *testing.T) {
	t.Parallel()

	assert.True(t, IsRetryable(E(ErrWriteConflict, "commit", "", nil)))
	assert.True(t, IsRetryable(E(ErrDeadlockDetected, "lock", "k", nil)))
	assert.True(t, IsRetryable(E(ErrQuorumUnavailable, "read", "k", nil)))
	assert.False(t, IsRetryable(E(ErrInvalidConfig, "config", "", errors.New("bad"))))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestResponse(t *testing.T) {
	t.Parallel()

	assert.Nil(t, Response(nil))

	resp := Response(E(ErrBackingStore, "set", "k1", errors.New("disk full")))
	require.NotNil(t, resp)
	assert.Equal(t, string(perrors.CodeDatabase), resp.Code)
	assert.Equal(t, "set", resp.Context["op"])
	assert.Equal(t, "k1", resp.Context["key"])
	assert.Contains(t, resp.Message, "disk full")
}
