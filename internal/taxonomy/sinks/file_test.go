package sinks

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-miner/internal/taxonomy"
)

func TestFileSinkWritesOneLinePerRecord(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sink, err := NewFileSink(FileConfig{Dir: dir, Name: "errors.jsonl", MaxSizeMB: 5})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				assert.NoError(t, sink.Append(context.Background(), taxonomy.ErrorRecord{
					ErrorID:    "abc",
					Category:   taxonomy.CategoryNetwork,
					ReasonCode: 102,
					ReasonName: "TIMEOUT",
					TaskID:     "t1",
					RequestURL: "https://www.amazon.com/dp/A",
					Timestamp:  time.Unix(0, 0).UTC(),
				}))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, sink.Close())

	f, err := os.Open(filepath.Join(dir, "errors.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec taxonomy.ErrorRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		require.Equal(t, "TIMEOUT", rec.ReasonName)
		lines++
	}
	require.NoError(t, scanner.Err())
	require.Equal(t, 200, lines)
}
