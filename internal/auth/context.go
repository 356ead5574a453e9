// ABOUTME: Authentication context for tracking operator identity through handlers
// ABOUTME: Provides WithOperator/OperatorFromContext for propagating identity via context

package auth

import (
	"context"
)

// OperatorContext holds the authenticated operator identity extracted from a
// request. It is populated by the HTTP middleware and retrieved from context
// in handlers.
type OperatorContext struct {
	OperatorID string
	Name       string
}

// operatorContextKey is the key type for storing OperatorContext in context.Context.
type operatorContextKey struct{}

// WithOperator returns a new context with the OperatorContext attached.
func WithOperator(ctx context.Context, op *OperatorContext) context.Context {
	return context.WithValue(ctx, operatorContextKey{}, op)
}

// OperatorFromContext retrieves the OperatorContext from the context,
// returning nil if not present.
func OperatorFromContext(ctx context.Context) *OperatorContext {
	val := ctx.Value(operatorContextKey{})
	if val == nil {
		return nil
	}
	op, ok := val.(*OperatorContext)
	if !ok {
		return nil
	}
	return op
}

// MustOperatorFromContext retrieves the OperatorContext from the context,
// panicking if not present.
func MustOperatorFromContext(ctx context.Context) *OperatorContext {
	op := OperatorFromContext(ctx)
	if op == nil {
		panic("auth: OperatorContext not found in context")
	}
	return op
}
