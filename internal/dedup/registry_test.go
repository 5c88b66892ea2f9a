package dedup

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSeenAndMark(t *testing.T) {
	t.Parallel()

	r := New()
	require.False(t, r.Seen("B000A"))
	r.Mark("B000A")
	require.True(t, r.Seen("B000A"))
	r.Mark("B000A")
	require.Equal(t, 1, r.Len())
	require.False(t, r.MarkIfUnseen("B000A"))
	require.True(t, r.MarkIfUnseen("B000B"))
	require.Equal(t, []string{"B000A", "B000B"}, r.IDs())
}

func TestMarkIfUnseenSingleWinner(t *testing.T) {
	t.Parallel()

	r := New()
	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.MarkIfUnseen("B000RACE") {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), winners.Load())
}
