package util_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atedra-pmawrick/migrate-mongo-cluster/util"
)

func TestCtxWithTimeout(t *testing.T) {
	t.Parallel()

	err := util.CtxWithTimeout(context.Background(), time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()

		return ctx.Err()
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	//nolint:staticcheck
	err = util.CtxWithTimeout(nil, time.Second, func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		assert.True(t, ok)

		return nil
	})
	require.NoError(t, err)
}

func TestSleep(t *testing.T) {
	t.Parallel()

	require.NoError(t, util.Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, util.Sleep(ctx, time.Hour), context.Canceled)
}
