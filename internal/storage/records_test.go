package storage_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-miner/internal/crawler"
	"github.com/JakeFAU/review-miner/internal/storage"
	"github.com/JakeFAU/review-miner/internal/storage/local"
	"github.com/JakeFAU/review-miner/internal/storage/memory"
	"github.com/JakeFAU/review-miner/internal/store"
)

func sampleRecords() []crawler.OutputRecord {
	return []crawler.OutputRecord{
		{
			TaskID:      "t1",
			Kind:        crawler.KindProductDetail,
			Type:        crawler.RecordPage,
			Branch:      "1",
			RequestURL:  "https://www.amazon.com/dp/A",
			ResponseURL: "https://www.amazon.com/dp/A",
			PageNumber:  1,
			EntityID:    "A",
			Fields:      map[string]any{"product_name": "Tea", "price": nil},
		},
		{
			TaskID:     "t1",
			Kind:       crawler.KindProductDetail,
			Type:       crawler.RecordPage,
			Branch:     "1.1",
			RequestURL: "https://www.amazon.com/dp/B",
			VariantOf:  "A",
			EntityID:   "B",
			Fields:     map[string]any{"product_name": "Green tea"},
		},
	}
}

func TestRecordStoreRoundTrip(t *testing.T) {
	t.Parallel()

	localBlobs, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	for name, blobs := range map[string]storage.BlobStore{
		"memory": memory.NewBlobStore(),
		"local":  localBlobs,
	} {
		t.Run(name, func(t *testing.T) {
			rs, err := storage.NewRecordStore(blobs, "/out/")
			require.NoError(t, err)

			uri, err := rs.PutRecords(context.Background(), "t1", sampleRecords())
			require.NoError(t, err)
			require.Contains(t, uri, "out/tasks/t1/records.jsonl")

			got, err := rs.GetRecords(context.Background(), "t1")
			require.NoError(t, err)
			require.Len(t, got, 2)
			require.Equal(t, "A", got[1].VariantOf)
			require.Contains(t, got[0].Fields, "price")
			require.Nil(t, got[0].Fields["price"])

			_, err = rs.GetRecords(context.Background(), "missing")
			require.ErrorIs(t, err, store.ErrNotFound)
		})
	}
}

func TestRecordStoreEmptyTask(t *testing.T) {
	t.Parallel()

	rs, err := storage.NewRecordStore(memory.NewBlobStore(), "")
	require.NoError(t, err)
	_, err = rs.PutRecords(context.Background(), "t0", nil)
	require.NoError(t, err)
	got, err := rs.GetRecords(context.Background(), "t0")
	require.NoError(t, err)
	require.Empty(t, got)

	_, err = rs.PutRecords(context.Background(), " ", nil)
	require.Error(t, err)
}

type brokenBlobs struct{}

func (brokenBlobs) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket unavailable")
}

func (brokenBlobs) GetObject(context.Context, string) ([]byte, error) {
	return []byte("{not json}\n"), nil
}

func TestRecordStoreErrors(t *testing.T) {
	t.Parallel()

	_, err := storage.NewRecordStore(nil, "")
	require.Error(t, err)

	rs, err := storage.NewRecordStore(brokenBlobs{}, "")
	require.NoError(t, err)
	_, err = rs.PutRecords(context.Background(), "t1", sampleRecords())
	require.ErrorContains(t, err, "bucket unavailable")
	_, err = rs.GetRecords(context.Background(), "t1")
	require.ErrorContains(t, err, "decode record")
}

func TestRecordsPath(t *testing.T) {
	t.Parallel()

	require.Equal(t, "tasks/t1/records.jsonl", storage.RecordsPath("", "t1"))
	require.Equal(t, "a/b/tasks/t1/records.jsonl", storage.RecordsPath("/a/b/", "t1"))
}
