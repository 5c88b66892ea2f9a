package hash

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSumDeterministic(t *testing.T) {
	t.Parallel()

	h, err := New("")
	require.NoError(t, err)
	require.Equal(t, SHA256, h.Algorithm())

	got := h.Sum("hello ", "world")
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)
	require.Equal(t, got, h.Sum("hello world"))
}

func TestSumMD5(t *testing.T) {
	t.Parallel()

	h, err := New("MD5")
	require.NoError(t, err)
	require.Equal(t, "5eb63bbbe01eeed093cb22bb8f5acdc3", h.Sum("hello world"))
}

func TestNewRejectsUnknownAlgorithm(t *testing.T) {
	t.Parallel()

	_, err := New("crc32")
	require.Error(t, err)
}
