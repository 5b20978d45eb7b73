package catga

import (
	"context"
)

type contextKey int

const (
	correlationKey contextKey = iota
	baggageKey
)

// WithCorrelation attaches a correlation id to ctx.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

// CorrelationFrom returns the correlation id carried by ctx, if any.
func CorrelationFrom(ctx context.Context) string {
	var id, _ = ctx.Value(correlationKey).(string)
	return id
}

// WithBaggage attaches free-form trace baggage to ctx. The map is carried
// by reference; callers must not mutate it after attachment.
func WithBaggage(ctx context.Context, baggage map[string]string) context.Context {
	return context.WithValue(ctx, baggageKey, baggage)
}

// BaggageFrom returns the trace baggage carried by ctx, if any.
func BaggageFrom(ctx context.Context) map[string]string {
	var b, _ = ctx.Value(baggageKey).(map[string]string)
	return b
}
