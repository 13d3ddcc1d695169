// Package repo defines the run ledger: one row per pipeline invocation and
// one row per finished cutout group.
package repo

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusNoData    = "no_data"
	StatusSubmitted = "submitted"
)

type RunRecord struct {
	ID         string
	Command    string
	Target     string
	Collection string
	OutputDir  string
	Status     string
	StartedAt  time.Time
	FinishedAt *time.Time

	Images       int
	Weights      int
	Bytes        int64
	Executor     string
	JobID        string
	ErrorMessage string
}

// RunCompletion is the final state written when a run ends.
type RunCompletion struct {
	Status       string
	FinishedAt   time.Time
	Images       int
	Weights      int
	Bytes        int64
	Executor     string
	JobID        string
	ErrorMessage string
}

type GroupRecord struct {
	ID           string
	RunID        string
	ObsID        string
	Kind         string
	Status       string
	Files        int
	Bytes        int64
	Digests      map[string]string
	StartedAt    time.Time
	FinishedAt   time.Time
	ErrorMessage string
}

// RunLedger persists run progress. Group inserts are idempotent per
// (run, observation, kind).
type RunLedger interface {
	CreateRun(ctx context.Context, run RunRecord) (RunRecord, error)
	CompleteRun(ctx context.Context, id string, done RunCompletion) error
	GetRun(ctx context.Context, id string) (RunRecord, error)
	InsertGroup(ctx context.Context, group GroupRecord) (GroupRecord, bool, error)
	ListGroups(ctx context.Context, runID string) ([]GroupRecord, error)
}
