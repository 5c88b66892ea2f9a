package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/review-miner/internal/taxonomy"
)

// RedisClient is the subset of the redis client the sink needs.
type RedisClient interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// RedisSink publishes each record as one stream entry via XADD.
type RedisSink struct {
	client RedisClient
	stream string
	maxLen int64
}

// NewRedisSink returns a sink writing to stream. maxLen > 0 caps the stream
// approximately.
func NewRedisSink(client RedisClient, stream string, maxLen int64) *RedisSink {
	if stream == "" {
		stream = "reviewminer:errors"
	}
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}
}

// Append implements taxonomy.Sink.
func (s *RedisSink) Append(ctx context.Context, rec taxonomy.ErrorRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal error record: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"error_id":   rec.ErrorID,
			"task_id":    rec.TaskID,
			"error_code": strconv.Itoa(rec.ReasonCode),
			"error_type": string(rec.Category),
			"timestamp":  rec.Timestamp.Format(time.RFC3339),
			"payload":    string(payload),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// Close closes the redis client.
func (s *RedisSink) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}
