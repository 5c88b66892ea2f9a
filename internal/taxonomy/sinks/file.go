package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/JakeFAU/review-miner/internal/taxonomy"
)

// FileConfig controls the rotated JSONL error log.
type FileConfig struct {
	Dir        string
	Name       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// FileSink appends one JSON line per record to a size-rotated file.
type FileSink struct {
	mu sync.Mutex
	w  io.WriteCloser
}

// NewFileSink opens (or creates) the error log described by cfg.
func NewFileSink(cfg FileConfig) (*FileSink, error) {
	if cfg.Dir == "" {
		cfg.Dir = "data"
	}
	if cfg.Name == "" {
		cfg.Name = "errors.jsonl"
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create error log dir: %w", err)
	}
	return &FileSink{w: &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dir, cfg.Name),
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}}, nil
}

// Append implements taxonomy.Sink. Each record is marshalled first and
// written with a single call under the lock.
func (s *FileSink) Append(_ context.Context, rec taxonomy.ErrorRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal error record: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(line); err != nil {
		return fmt.Errorf("write error record: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Close(); err != nil {
		return fmt.Errorf("close error log: %w", err)
	}
	return nil
}
