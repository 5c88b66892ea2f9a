package id

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewIDIsV7(t *testing.T) {
	t.Parallel()

	first, err := NewGenerator().NewID()
	require.NoError(t, err)
	second, err := NewGenerator().NewID()
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	parsed, err := uuid.Parse(first)
	require.NoError(t, err)
	require.Equal(t, uuid.Version(7), parsed.Version())
}

func TestValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, Validate("0191e3a1-7d0c-7c61-8d6e-1f1f4b0d1a2b"))
	require.Error(t, Validate("not-an-id"))
}
