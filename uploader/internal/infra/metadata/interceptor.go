package metadata

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

func UnaryLoggingInterceptor(logger *slog.Logger) grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context,
		method string,
		req, reply any,
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		start := time.Now()

		err := invoker(ctx, method, req, reply, cc, opts...)

		level := slog.LevelDebug
		if err != nil {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "grpc call",
			slog.String("method", method),
			slog.Duration("duration", time.Since(start)),
			slog.String("code", status.Code(err).String()),
			slog.String("error", errorToString(err)),
		)

		return err
	}
}

func errorToString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
