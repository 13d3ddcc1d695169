package pipeline

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/animus-labs/cubemosaic/internal/cutout"
	"github.com/animus-labs/cubemosaic/internal/platform/runid"
	"github.com/animus-labs/cubemosaic/internal/repo"
)

// LedgerRecorder stores cutout group outcomes under the run id carried by the
// context.
type LedgerRecorder struct {
	ledger repo.RunLedger
}

var _ cutout.Recorder = (*LedgerRecorder)(nil)

func NewLedgerRecorder(ledger repo.RunLedger) *LedgerRecorder {
	if ledger == nil {
		return nil
	}
	return &LedgerRecorder{ledger: ledger}
}

func (r *LedgerRecorder) RecordGroup(ctx context.Context, o cutout.GroupOutcome) error {
	if r == nil || r.ledger == nil {
		return nil
	}
	id := runid.FromContext(ctx)
	if id == "" {
		return errors.New("run id missing from context")
	}
	rec := repo.GroupRecord{
		RunID:      id,
		ObsID:      o.ObsID,
		Kind:       string(o.Kind),
		Status:     repo.StatusSucceeded,
		Files:      len(o.Files),
		Digests:    make(map[string]string, len(o.Files)),
		StartedAt:  o.StartedAt,
		FinishedAt: o.FinishedAt,
	}
	for _, f := range o.Files {
		rec.Bytes += f.Bytes
		rec.Digests[filepath.Base(f.Path)] = f.SHA256
	}
	if o.Err != nil {
		rec.Status = repo.StatusFailed
		rec.ErrorMessage = o.Err.Error()
	}
	_, _, err := r.ledger.InsertGroup(ctx, rec)
	return err
}
