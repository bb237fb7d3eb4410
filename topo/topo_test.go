package topo //nolint:testpackage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/atedra-pmawrick/migrate-mongo-cluster/errors"
)

func writeException(code int) mongo.WriteException {
	return mongo.WriteException{
		WriteErrors: []mongo.WriteError{{Code: code, Message: "write error"}},
	}
}

func TestRunWithRetry_NonTransientError(t *testing.T) {
	t.Parallel()

	nonTransientErr := errors.New("non-transient error")
	calls := 0

	err := RunWithRetry(t.Context(), func(context.Context) error {
		calls++

		return nonTransientErr
	}, 10*time.Millisecond, 2)

	assert.Equal(t, nonTransientErr, err) //nolint:testifylint
	assert.Equal(t, 1, calls)
}

func TestRunWithRetry_FailureOnAllRetries(t *testing.T) {
	t.Parallel()

	transientErr := writeException(codeShutdownInProgress)
	calls := 0
	maxRetries := 3

	err := RunWithRetry(t.Context(), func(context.Context) error {
		calls++

		return transientErr
	}, time.Millisecond, maxRetries)

	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, maxRetries, calls)
}

func TestRunWithRetry_SuccessOnRetry(t *testing.T) {
	t.Parallel()

	calls := 0

	err := RunWithRetry(t.Context(), func(context.Context) error {
		calls++
		if calls < 2 {
			return writeException(codeShutdownInProgress)
		}

		return nil
	}, time.Millisecond, 3)

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRunWithRetry_Canceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	calls := 0

	err := RunWithRetry(ctx, func(context.Context) error {
		calls++
		cancel()

		return writeException(codeNotWritablePrimary)
	}, time.Millisecond, 10)

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"canceled", context.Canceled, false},
		{"shutdown in progress", writeException(codeShutdownInProgress), true},
		{"stepped down", mongo.CommandError{Code: codePrimarySteppedDown}, true},
		{"retryable label", mongo.CommandError{Code: 1, Labels: []string{"RetryableWriteError"}}, true},
		{"duplicate key", writeException(11000), false},
		{"wrapped", errors.Wrap(writeException(codeNotWritablePrimary), "flush"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsDuplicateKey(t *testing.T) {
	t.Parallel()

	assert.True(t, IsDuplicateKey(writeException(11000)))
	assert.False(t, IsDuplicateKey(writeException(codeShutdownInProgress)))
	assert.False(t, IsDuplicateKey(nil))
}

func TestIsIdempotentCommandError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code int
		want bool
	}{
		{codeNamespaceNotFound, true},
		{codeNamespaceExists, true},
		{codeIndexAlreadyExists, true},
		{codeIndexNotFound, true},
		{codeIndexOptionsConflict, true},
		{2, false},
	}

	for _, tt := range tests {
		err := mongo.CommandError{Code: int32(tt.code)} //nolint:gosec
		assert.Equal(t, tt.want, IsIdempotentCommandError(err), "code %d", tt.code)
	}

	assert.False(t, IsIdempotentCommandError(errors.New("boom")))
	assert.True(t, IsNamespaceNotFound(mongo.CommandError{Code: codeNamespaceNotFound}))
}
