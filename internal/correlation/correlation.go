// Package correlation carries the correlation id for one external request
// across every operation it triggers: HTTP handlers, consumer dispatch,
// scheduled sweeps and async producers all read it from the context.
package correlation

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type ctxKey struct{}

// Header is the transport header used to propagate the correlation id.
const Header = "X-Correlation-ID"

// With returns a context carrying the given correlation id, with a
// contextual logger stamped so every log line in the request path
// includes it.
func With(ctx context.Context, id string) context.Context {
	ctx = context.WithValue(ctx, ctxKey{}, id)
	logger := zerolog.Ctx(ctx).With().Str("correlation_id", id).Logger()
	return logger.WithContext(ctx)
}

// FromContext returns the correlation id stored in ctx, or "" if none.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok {
		return id
	}
	return ""
}

// Ensure returns ctx carrying a correlation id, generating one when the
// context has none. The returned id is never empty.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := NewID()
	return With(ctx, id), id
}

// NewID generates a fresh correlation id.
func NewID() string {
	return uuid.New().String()
}
