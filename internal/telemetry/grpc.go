package telemetry

import (
	"context"
	"log/slog"
	"runtime/debug"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"google.golang.org/grpc"

	"github.com/victornm/quizrank/internal/errors"
)

// GRPCServerInterceptor logs finished calls and turns handler panics into internal errors.
func GRPCServerInterceptor() grpc.ServerOption {
	logger := grpcServerLogger(slog.Default())
	logOpts := []logging.Option{
		logging.WithLogOnEvents(logging.FinishCall),
	}
	recoveryOpts := []recovery.Option{
		recovery.WithRecoveryHandlerContext(recoverPanic),
	}

	return grpc.ChainUnaryInterceptor(
		logging.UnaryServerInterceptor(logger, logOpts...),
		recovery.UnaryServerInterceptor(recoveryOpts...),
	)
}

// GRPCStreamInterceptor is the streaming counterpart of GRPCServerInterceptor, used by health watches.
func GRPCStreamInterceptor() grpc.ServerOption {
	return grpc.ChainStreamInterceptor(
		logging.StreamServerInterceptor(grpcServerLogger(slog.Default()), logging.WithLogOnEvents(logging.FinishCall)),
		recovery.StreamServerInterceptor(recovery.WithRecoveryHandlerContext(recoverPanic)),
	)
}

func recoverPanic(ctx context.Context, p any) error {
	slog.ErrorContext(ctx, "grpc: handler panic", "panic", p, "stack", string(debug.Stack()))
	return errors.New(errors.CodeInternal, errors.WithMessagef("internal error"))
}

func grpcServerLogger(l *slog.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		l.Log(ctx, slog.Level(lvl), "grpc: "+msg, fields...)
	})
}
