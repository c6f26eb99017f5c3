package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

func TestUnaryTimeoutInterceptor(t *testing.T) {
	t.Parallel()

	info := &grpc.UnaryServerInfo{FullMethod: "/test.Service/Method"}
	deadlineOf := func(ctx context.Context, _ interface{}) (interface{}, error) {
		d, ok := ctx.Deadline()
		if !ok {
			return nil, nil
		}
		return time.Until(d), nil
	}

	t.Run("sets deadline", func(t *testing.T) {
		t.Parallel()

		resp, err := UnaryTimeoutInterceptor(time.Minute)(context.Background(), nil, info, deadlineOf)
		require.NoError(t, err)
		require.NotNil(t, resp)
		assert.InDelta(t, time.Minute.Seconds(), resp.(time.Duration).Seconds(), 1)
	})

	t.Run("shorter client deadline wins", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		resp, err := UnaryTimeoutInterceptor(time.Hour)(ctx, nil, info, deadlineOf)
		require.NoError(t, err)
		assert.LessOrEqual(t, resp.(time.Duration), time.Second)
	})

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()

		resp, err := UnaryTimeoutInterceptor(0)(context.Background(), nil, info, deadlineOf)
		require.NoError(t, err)
		assert.Nil(t, resp)
	})
}
