package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage names a crawl milestone.
type Stage string

// Supported stages.
const (
	StageTaskStart  Stage = "TASK_START"
	StageFetchStart Stage = "FETCH_START"
	StageFetchDone  Stage = "FETCH_DONE"
	StageItem       Stage = "ITEM"
	StageTaskDone   Stage = "TASK_DONE"
	StageTaskError  Stage = "TASK_ERROR"
)

// StatusClass is a coarse HTTP status grouping.
type StatusClass string

// Status classes. StatusFailed marks a dispatch that produced no response.
const (
	Status2xx    StatusClass = "2xx"
	Status3xx    StatusClass = "3xx"
	Status4xx    StatusClass = "4xx"
	Status5xx    StatusClass = "5xx"
	StatusFailed StatusClass = "failed"
)

// Event is one crawl milestone.
type Event struct {
	TaskID    string
	SubTaskID string
	TS        time.Time
	Stage     Stage
	// Provider is the proxy provider used for a fetch.
	Provider    string
	URL         string
	StatusCode  int
	StatusClass StatusClass
	Bytes       int64
	// Items counts records produced by a page or a whole task.
	Items int
	Dur   time.Duration
	// MaxErrorCode is the most severe reason code of a finished task, 0 if none.
	MaxErrorCode int
	Note         string
}

// Validate rejects malformed events.
func (e Event) Validate() error {
	if e.TaskID == "" {
		return errors.New("task id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageTaskStart, StageTaskDone, StageTaskError, StageItem:
	case StageFetchStart:
		if e.URL == "" {
			return errors.New("fetch start requires url")
		}
	case StageFetchDone:
		if e.URL == "" {
			return errors.New("fetch done requires url")
		}
		if e.StatusClass == "" {
			return errors.New("fetch done requires status class")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups an HTTP status code. Zero means no response.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusFailed
	}
}
