package oautherr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "direct", err: New(InvalidGrant, "code expired"), want: InvalidGrant},
		{
			name: "wrapped with fmt",
			err:  fmt.Errorf("exchange: %w", New(InvalidClient, "")),
			want: InvalidClient,
		},
		{name: "unclassified", err: errors.New("boom"), want: ServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(InvalidScope, "scope exceeds allowed set"))

	assert.True(t, errors.Is(err, New(InvalidScope, "")))
	assert.False(t, errors.Is(err, New(InvalidGrant, "")))
}

func TestWrapHidesCause(t *testing.T) {
	cause := errors.New("pq: connection refused")
	err := Wrap(ServerError, "failed to issue token", cause)

	assert.Equal(t, "failed to issue token", DescriptionOf(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestAsClassifiesUnknown(t *testing.T) {
	e := As(errors.New("disk full"))
	assert.Equal(t, ServerError, e.Kind)
	assert.Equal(t, "internal server error", e.Description)

	orig := New(RateLimited, "slow down")
	assert.Same(t, orig, As(orig))
}
