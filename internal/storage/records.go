// Package storage persists crawl output records as JSON Lines objects in a
// pluggable blob backend (memory, local filesystem, or GCS).
package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/JakeFAU/review-miner/internal/crawler"
)

// ContentTypeJSONL is the content type of record objects.
const ContentTypeJSONL = "application/x-ndjson"

// BlobStore writes and reads raw objects.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// RecordStore implements crawler.RecordStore on top of a BlobStore. Each
// task's records live in one object.
type RecordStore struct {
	blobs  BlobStore
	prefix string
}

// NewRecordStore wraps blobs. prefix is prepended to every object path.
func NewRecordStore(blobs BlobStore, prefix string) (*RecordStore, error) {
	if blobs == nil {
		return nil, errors.New("blob store is required")
	}
	return &RecordStore{blobs: blobs, prefix: strings.Trim(prefix, "/")}, nil
}

// RecordsPath returns the object path holding taskID's records.
func RecordsPath(prefix, taskID string) string {
	return path.Join(strings.Trim(prefix, "/"), "tasks", taskID, "records.jsonl")
}

// PutRecords writes records as JSON Lines and returns the object URI.
func (s *RecordStore) PutRecords(ctx context.Context, taskID string, records []crawler.OutputRecord) (string, error) {
	if strings.TrimSpace(taskID) == "" {
		return "", errors.New("task id is required")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return "", fmt.Errorf("encode record: %w", err)
		}
	}
	uri, err := s.blobs.PutObject(ctx, RecordsPath(s.prefix, taskID), ContentTypeJSONL, &buf)
	if err != nil {
		return "", fmt.Errorf("put records: %w", err)
	}
	return uri, nil
}

// GetRecords reads back the records written for taskID.
func (s *RecordStore) GetRecords(ctx context.Context, taskID string) ([]crawler.OutputRecord, error) {
	data, err := s.blobs.GetObject(ctx, RecordsPath(s.prefix, taskID))
	if err != nil {
		return nil, fmt.Errorf("get records: %w", err)
	}
	out := []crawler.OutputRecord{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec crawler.OutputRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}
	return out, nil
}
