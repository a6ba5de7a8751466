package middleware

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/meshgate/meshgate"

// Telemetry opens a span per request and logs its outcome with duration.
// Runs inside auth so spans carry the resolved subject.
func Telemetry(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	tracer := otel.Tracer(tracerName)
	return func(next Handler) Handler {
		return func(ctx context.Context, req *RequestContext) (any, error) {
			ctx, span := tracer.Start(ctx, "gateway."+string(req.Kind),
				trace.WithAttributes(
					attribute.String("request.id", req.ID),
					attribute.String("capability", req.Capability),
					attribute.String("subject", req.Identity.Subject),
				))
			defer span.End()

			start := time.Now()
			result, err := next(ctx, req)
			duration := time.Since(start)

			if err != nil {
				req.Err = err
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				logger.Warn("request failed",
					"request_id", req.ID,
					"kind", string(req.Kind),
					"capability", req.Capability,
					"backend", req.Backend,
					"subject", req.Identity.Subject,
					"duration", duration,
					"error", err)
				return nil, err
			}
			span.SetAttributes(attribute.String("backend", req.Backend))
			logger.Info("request served",
				"request_id", req.ID,
				"kind", string(req.Kind),
				"capability", req.Capability,
				"backend", req.Backend,
				"subject", req.Identity.Subject,
				"duration", duration)
			return result, nil
		}
	}
}
