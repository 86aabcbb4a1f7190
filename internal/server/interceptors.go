package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"connectrpc.com/connect"
)

// ErrPanicRecovered is returned to the caller when a handler panics; the
// panic value itself is logged but never sent over the wire.
var ErrPanicRecovered = errors.New("internal error")

// LoggingInterceptor logs every unary and streaming RPC at Info level with
// its procedure name, duration, and outcome.
func LoggingInterceptor(logger *slog.Logger) connect.UnaryInterceptorFunc {
	interceptor := func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			attrs := []any{
				slog.String("procedure", req.Spec().Procedure),
				slog.Duration("duration", time.Since(start)),
			}
			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
				logger.ErrorContext(ctx, "rpc failed", attrs...)
			} else {
				logger.InfoContext(ctx, "rpc completed", attrs...)
			}
			return resp, err
		}
	}
	return connect.UnaryInterceptorFunc(interceptor)
}

// RecoveryInterceptor converts a handler panic into a connect.CodeInternal
// error instead of crashing the process.
func RecoveryInterceptor(logger *slog.Logger) connect.UnaryInterceptorFunc {
	interceptor := func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (resp connect.AnyResponse, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "rpc panic recovered",
						slog.String("procedure", req.Spec().Procedure),
						slog.Any("panic", r),
					)
					err = connect.NewError(connect.CodeInternal, ErrPanicRecovered)
					resp = nil
				}
			}()
			return next(ctx, req)
		}
	}
	return connect.UnaryInterceptorFunc(interceptor)
}
