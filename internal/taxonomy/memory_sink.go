package taxonomy

import (
	"context"
	"sync"
)

// MemorySink keeps records in memory. It backs tests and the default
// in-process deployment.
type MemorySink struct {
	mu      sync.Mutex
	records []ErrorRecord
}

// NewMemorySink returns an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Append implements Sink.
func (s *MemorySink) Append(_ context.Context, rec ErrorRecord) error {
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	return nil
}

// Records returns a copy of every stored record.
func (s *MemorySink) Records() []ErrorRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ErrorRecord, len(s.records))
	copy(out, s.records)
	return out
}

// ForTask returns the records of one task in append order.
func (s *MemorySink) ForTask(taskID string) []ErrorRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ErrorRecord
	for _, rec := range s.records {
		if rec.TaskID == taskID {
			out = append(out, rec)
		}
	}
	return out
}

// ListErrors returns the records of one task. It mirrors the Postgres
// store's read path.
func (s *MemorySink) ListErrors(_ context.Context, taskID string) ([]ErrorRecord, error) {
	return s.ForTask(taskID), nil
}

// MultiSink fans a record out to several sinks. The first error wins but every
// sink is attempted.
type MultiSink []Sink

// Append implements Sink.
func (m MultiSink) Append(ctx context.Context, rec ErrorRecord) error {
	var first error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Append(ctx, rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}
