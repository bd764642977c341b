// Package requestctx carries per-request values (logger, trace, order under work) through
// context so services can log without taking a logger parameter.
package requestctx

import (
	"context"

	"go.uber.org/zap"
)

type (
	loggerKey struct{}
	traceKey  struct{}
	orderKey  struct{}
)

var noopLogger = zap.NewNop()

// TraceInfo is the Cloud Trace context parsed from the incoming request.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

func ensure(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// WithLogger stores logger on ctx. A nil logger stores the no-op logger.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		logger = noopLogger
	}
	return context.WithValue(ensure(ctx), loggerKey{}, logger)
}

// Logger returns the request logger, or the shared no-op logger when none was set.
func Logger(ctx context.Context) *zap.Logger {
	if logger, ok := ensure(ctx).Value(loggerKey{}).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return noopLogger
}

// NoopLogger is the sentinel Logger returns when ctx has no logger.
func NoopLogger() *zap.Logger { return noopLogger }

// WithTrace stores trace metadata on ctx.
func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return context.WithValue(ensure(ctx), traceKey{}, info)
}

// Trace returns the stored trace metadata.
func Trace(ctx context.Context) (TraceInfo, bool) {
	info, ok := ensure(ctx).Value(traceKey{}).(TraceInfo)
	return info, ok
}

// TraceID is Trace(ctx).TraceID.
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// WithOrderID tags ctx with the order being processed. Webhook, poller and remaining payment
// paths set it so every event line carries the order id.
func WithOrderID(ctx context.Context, orderID string) context.Context {
	ctx = ensure(ctx)
	if orderID == "" {
		return ctx
	}
	return context.WithValue(ctx, orderKey{}, orderID)
}

// OrderID returns the order tag or "".
func OrderID(ctx context.Context) string {
	id, _ := ensure(ctx).Value(orderKey{}).(string)
	return id
}
