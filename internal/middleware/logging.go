package middleware

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"connectrpc.com/connect"
)

// LoggingInterceptor logs every RPC with its procedure, caller, duration,
// and outcome.
func LoggingInterceptor() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			start := time.Now()
			procedure := req.Spec().Procedure

			resp, err := next(ctx, req)

			attrs := []any{
				"procedure", procedure,
				"user_id", GetUserID(ctx),
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if err != nil {
				var cerr *connect.Error
				if errors.As(err, &cerr) {
					slog.Warn("RPC error", append(attrs, "code", cerr.Code(), "error", cerr.Message())...)
				} else {
					slog.Error("RPC error", append(attrs, "error", err)...)
				}
				return resp, err
			}
			slog.Info("RPC ok", attrs...)
			return resp, err
		}
	}
}
