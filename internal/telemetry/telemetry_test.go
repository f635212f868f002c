package telemetry

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/quizrank/internal/errors"
)

func TestMonitorRedis(t *testing.T) {
	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{rs.Addr()}})
	t.Cleanup(func() { _ = rc.Close() })

	require.NoError(t, MonitorRedis(rc))

	ctx := context.Background()

	require.NoError(t, rc.Set(ctx, "k", "v", 0).Err())
	require.ErrorIs(t, rc.Get(ctx, "missing").Err(), redis.Nil)

	_, err := rc.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Get(ctx, "k")
		return nil
	})
	require.NoError(t, err)

	// set/ok, get/nil and pipeline/ok at least, connection setup commands may add more.
	assert.GreaterOrEqual(t, testutil.CollectAndCount(redisDuration, "quizrank_redis_command_duration_seconds"), 3)
}

func TestRecoverPanic(t *testing.T) {
	err := recoverPanic(context.Background(), "boom")
	assert.True(t, errors.HasCode(err, errors.CodeInternal))
}
