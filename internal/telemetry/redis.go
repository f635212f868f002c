package telemetry

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
)

var redisDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "quizrank_redis_command_duration_seconds",
	Help:    "Latency of Redis commands and pipelines.",
	Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
}, []string{"command", "result"})

// MonitorRedis instruments a client with tracing, metrics and a hook logging failed commands.
func MonitorRedis(r redis.UniversalClient) error {
	if err := redisotel.InstrumentTracing(r); err != nil {
		return fmt.Errorf("instrument tracing: %w", err)
	}
	if err := redisotel.InstrumentMetrics(r); err != nil {
		return fmt.Errorf("instrument metrics: %w", err)
	}
	r.AddHook(redisHook{})
	return nil
}

type redisHook struct{}

func (redisHook) DialHook(hook redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := hook(ctx, network, addr)
		if err != nil {
			slog.WarnContext(ctx, "redis: dial failed", "addr", addr, "error", err)
			return nil, err
		}

		slog.DebugContext(ctx, "redis: dialed", "network", network, "addr", addr)
		return conn, nil
	}
}

func (redisHook) ProcessHook(hook redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		start := time.Now()
		err := hook(ctx, cmd)
		observe(ctx, cmd.Name(), start, err)
		return err
	}
}

func (redisHook) ProcessPipelineHook(hook redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		start := time.Now()
		err := hook(ctx, cmds)
		observe(ctx, "pipeline", start, err)
		return err
	}
}

// observe records a command. Missing keys and aborted transactions are expected outcomes, not failures.
func observe(ctx context.Context, name string, start time.Time, err error) {
	result := "ok"
	switch {
	case err == nil:
	case stderrors.Is(err, redis.Nil):
		result = "nil"
	case stderrors.Is(err, redis.TxFailedErr):
		result = "tx_failed"
	default:
		result = "error"
		slog.WarnContext(ctx, "redis: command failed", "command", name, "error", err)
	}

	redisDuration.WithLabelValues(name, result).Observe(time.Since(start).Seconds())
}
