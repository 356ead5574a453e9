// ABOUTME: Tests for operator context propagation helpers
// ABOUTME: Covers WithOperator, OperatorFromContext, and the panicking variant

package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperatorContext_RoundTrip(t *testing.T) {
	op := &OperatorContext{OperatorID: "op-1", Name: "Ana"}
	ctx := WithOperator(context.Background(), op)

	got := OperatorFromContext(ctx)
	require.NotNil(t, got)
	assert.Equal(t, "op-1", got.OperatorID)
	assert.Equal(t, "Ana", got.Name)
}

func TestOperatorFromContext_Missing(t *testing.T) {
	assert.Nil(t, OperatorFromContext(context.Background()))
}

func TestMustOperatorFromContext_Panics(t *testing.T) {
	assert.Panics(t, func() {
		MustOperatorFromContext(context.Background())
	})
}
