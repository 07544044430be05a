package kerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapNilReturnsNil(t *testing.T) {
	require.Nil(t, Wrap(Validation, nil))
}

func TestKindOfUnwrapsChain(t *testing.T) {
	base := New(NotFound, "rule missing")
	wrapped := fmt.Errorf("loading rule: %w", base)
	require.Equal(t, NotFound, KindOf(wrapped))
}

func TestKindOfUnclassifiedIsCritical(t *testing.T) {
	require.Equal(t, Critical, KindOf(errors.New("boom")))
}

func TestIs(t *testing.T) {
	err := Newf(Timeout, "call exceeded %dms", 500)
	require.True(t, Is(err, Timeout))
	require.False(t, Is(err, Permission))
}

func TestMessageOfStripsKindPrefix(t *testing.T) {
	err := New(Permission, "Permission denied")
	require.Equal(t, "permission: Permission denied", err.Error())
	require.Equal(t, "Permission denied", MessageOf(err))
}

func TestMessageOfPlainErrorUnchanged(t *testing.T) {
	require.Equal(t, "boom", MessageOf(errors.New("boom")))
}

func TestDetailsOfRoundTrips(t *testing.T) {
	err := NewWithDetails(Permission, "Permission denied", map[string]any{"required_capability": "routing_control"})
	require.Equal(t, map[string]any{"required_capability": "routing_control"}, DetailsOf(err))
	require.Nil(t, DetailsOf(errors.New("boom")))
}
