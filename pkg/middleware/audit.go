package middleware

import (
	"context"
	"time"
)

// AuditEntry is one completed request as seen by the audit trail.
type AuditEntry struct {
	RequestID  string        `json:"request_id"`
	Subject    string        `json:"subject"`
	Kind       string        `json:"kind"`
	Capability string        `json:"capability"`
	Backend    string        `json:"backend,omitempty"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	Time       time.Time     `json:"time"`
}

// AuditSink receives entries. Record must not block the request path.
type AuditSink interface {
	Record(entry AuditEntry)
}

// Audit emits one entry per request after it completes. A nil sink disables
// the layer without changing chain shape.
func Audit(sink AuditSink) Middleware {
	return func(next Handler) Handler {
		if sink == nil {
			return next
		}
		return func(ctx context.Context, req *RequestContext) (any, error) {
			start := time.Now()
			result, err := next(ctx, req)
			entry := AuditEntry{
				RequestID:  req.ID,
				Subject:    req.Identity.Subject,
				Kind:       string(req.Kind),
				Capability: req.Capability,
				Backend:    req.Backend,
				Duration:   time.Since(start),
				Time:       start,
			}
			if err != nil {
				req.Err = err
				entry.Error = err.Error()
			}
			sink.Record(entry)
			return result, err
		}
	}
}
