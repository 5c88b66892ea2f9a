package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSystemNowUTC(t *testing.T) {
	t.Parallel()

	before := time.Now().UTC().Add(-time.Second)
	got := New().Now()
	after := time.Now().UTC().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.True(t, got.After(before) && got.Before(after))
}

func TestManualAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 11, 5, 10, 0, 0, 0, time.UTC)
	m := NewManual(start)
	require.Equal(t, start, m.Now())

	m.Advance(90 * time.Second)
	require.Equal(t, start.Add(90*time.Second), m.Now())
}
