package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-miner/internal/progress"
	"github.com/JakeFAU/review-miner/internal/store"
)

// StoreSink persists task lifecycles and collapsed fetch counts through a
// store.TaskRunRepository.
type StoreSink struct {
	repo        store.TaskRunRepository
	scraperName string
	logger      *zap.Logger
}

// NewStoreSink returns a StoreSink.
func NewStoreSink(repo store.TaskRunRepository, scraperName string, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, scraperName: scraperName, logger: logger}
}

type statsKey struct {
	taskID      string
	statusClass string
}

type statsDelta struct {
	requests int64
	items    int64
	at       time.Time
}

// Consume implements progress.Sink.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	stats := make(map[statsKey]*statsDelta)
	var order []statsKey

	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageTaskStart:
			run := store.TaskRun{
				TaskID:      evt.TaskID,
				SubTaskID:   evt.SubTaskID,
				ScraperName: s.scraperName,
				StartedAt:   evt.TS,
				Status:      store.RunInProgress,
			}
			if err := s.repo.UpsertTaskStart(ctx, run); err != nil {
				return fmt.Errorf("upsert task start: %w", err)
			}
		case progress.StageTaskDone, progress.StageTaskError:
			if err := s.complete(ctx, evt); err != nil {
				return err
			}
		case progress.StageFetchDone:
			key := statsKey{taskID: evt.TaskID, statusClass: string(evt.StatusClass)}
			d := stats[key]
			if d == nil {
				d = &statsDelta{}
				stats[key] = d
				order = append(order, key)
			}
			d.requests++
			d.items += int64(evt.Items)
			if evt.TS.After(d.at) {
				d.at = evt.TS
			}
		}
	}

	for _, key := range order {
		d := stats[key]
		if err := s.repo.AddFetchStats(ctx, key.taskID, key.statusClass, d.requests, d.items, d.at); err != nil {
			return fmt.Errorf("add fetch stats: %w", err)
		}
	}
	return nil
}

func (s *StoreSink) complete(ctx context.Context, evt progress.Event) error {
	status := store.RunCompleted
	if evt.Stage == progress.StageTaskError {
		status = store.RunFailed
	}
	var maxCode *int
	if evt.MaxErrorCode != 0 {
		code := evt.MaxErrorCode
		maxCode = &code
	}
	var note *string
	if evt.Note != "" {
		n := evt.Note
		note = &n
	}
	if err := s.repo.CompleteTask(ctx, evt.TaskID, evt.TS, status, maxCode, note); err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

// Close implements progress.Sink.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
