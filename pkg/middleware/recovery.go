package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// ErrInternal is returned to the caller in place of a panic's payload.
var ErrInternal = errors.New("internal error")

// Recovery converts a panic anywhere below it into an internal error, keeping
// one misbehaving call from taking down the serving loop. The panic payload
// and stack go to the log, never to the caller.
func Recovery(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, req *RequestContext) (result any, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("request handler panicked",
						"request_id", req.ID,
						"capability", req.Capability,
						"panic", fmt.Sprint(r),
						"stack", string(debug.Stack()))
					req.Err = ErrInternal
					result, err = nil, ErrInternal
				}
			}()
			return next(ctx, req)
		}
	}
}
