// Package requestid carries a per-request correlation ID through the
// context so log lines from one API call can be stitched back together.
package requestid

import (
	"context"

	"github.com/google/uuid"
)

type key struct{}

// New returns a fresh UUID v4 for tagging a single request.
func New() string {
	return uuid.NewString()
}

// Attach returns a copy of ctx carrying id.
func Attach(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, key{}, id)
}

// FromContext returns the request ID carried by ctx, or "" when none
// was attached.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(key{}).(string)
	return id
}
