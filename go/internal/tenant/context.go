// Package tenant carries tenant and trace identifiers on a context.Context so
// they can be threaded through the dispatch call chain explicitly.
package tenant

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type contextKey string

const (
	tenantIDKey contextKey = "eventrelay.tenant_id"
	traceIDKey  contextKey = "eventrelay.trace_id"
)

// WithTenantID returns a copy of ctx carrying tenantID.
func WithTenantID(ctx context.Context, tenantID int64) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// TenantID returns the tenant carried by ctx.
func TenantID(ctx context.Context) (int64, bool) {
	if ctx == nil {
		return 0, false
	}
	id, ok := ctx.Value(tenantIDKey).(int64)
	return id, ok
}

// WithTraceID returns a copy of ctx carrying traceID. An empty id leaves ctx untouched.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceIDKey, traceID)
}

func TraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// Scope derives a per-row context with both values set.
func Scope(ctx context.Context, tenantID int64, traceID string) context.Context {
	return WithTraceID(WithTenantID(ctx, tenantID), traceID)
}

// Logger returns the global logger enriched with the tenant and trace ids on ctx.
func Logger(ctx context.Context) *zerolog.Logger {
	lc := log.Logger.With()
	if id, ok := TenantID(ctx); ok {
		lc = lc.Int64("tenant_id", id)
	}
	if trace := TraceID(ctx); trace != "" {
		lc = lc.Str("trace_id", trace)
	}
	l := lc.Logger()
	return &l
}
