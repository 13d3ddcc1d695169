package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/animus-labs/cubemosaic/internal/platform/sqldb"
	"github.com/animus-labs/cubemosaic/internal/repo"
)

type LedgerStore struct {
	db      DB
	dialect sqldb.Dialect
}

var _ repo.RunLedger = (*LedgerStore)(nil)

const (
	insertRunQuery = `INSERT INTO mosaic_runs (
		run_id,
		command,
		target,
		collection,
		output_dir,
		status,
		started_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7)`

	completeRunQuery = `UPDATE mosaic_runs
	 SET status = $2, finished_at = $3, images = $4, weights = $5, bytes = $6, executor = $7, job_id = $8, error_message = $9
	 WHERE run_id = $1`

	selectRunQuery = `SELECT run_id, command, target, collection, output_dir, status, started_at, finished_at, images, weights, bytes, executor, job_id, error_message
	 FROM mosaic_runs
	 WHERE run_id = $1`

	insertGroupQuery = `INSERT INTO cutout_groups (
		group_id,
		run_id,
		obs_id,
		kind,
		status,
		files,
		bytes,
		digests,
		started_at,
		finished_at,
		error_message
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	ON CONFLICT (run_id, obs_id, kind) DO NOTHING`

	selectGroupQuery = `SELECT group_id, run_id, obs_id, kind, status, files, bytes, digests, started_at, finished_at, error_message
	 FROM cutout_groups
	 WHERE run_id = $1 AND obs_id = $2 AND kind = $3`

	listGroupsByRunQuery = `SELECT group_id, run_id, obs_id, kind, status, files, bytes, digests, started_at, finished_at, error_message
	 FROM cutout_groups
	 WHERE run_id = $1
	 ORDER BY obs_id ASC, kind ASC`
)

func NewLedgerStore(db DB, dialect sqldb.Dialect) *LedgerStore {
	if db == nil {
		return nil
	}
	return &LedgerStore{db: db, dialect: dialect}
}

func (s *LedgerStore) q(query string) string {
	return sqldb.Rebind(s.dialect, query)
}

func (s *LedgerStore) CreateRun(ctx context.Context, run repo.RunRecord) (repo.RunRecord, error) {
	if s == nil || s.db == nil {
		return repo.RunRecord{}, fmt.Errorf("ledger store not initialized")
	}
	run.ID = strings.TrimSpace(run.ID)
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if strings.TrimSpace(run.Command) == "" {
		return repo.RunRecord{}, fmt.Errorf("command is required")
	}
	if strings.TrimSpace(run.Status) == "" {
		run.Status = repo.StatusRunning
	}
	run.StartedAt = normalizeTime(run.StartedAt)

	if _, err := s.db.ExecContext(ctx, s.q(insertRunQuery),
		run.ID,
		run.Command,
		run.Target,
		run.Collection,
		run.OutputDir,
		run.Status,
		formatTime(run.StartedAt),
	); err != nil {
		return repo.RunRecord{}, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

func (s *LedgerStore) CompleteRun(ctx context.Context, id string, done repo.RunCompletion) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("ledger store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("run id is required")
	}
	if strings.TrimSpace(done.Status) == "" {
		return fmt.Errorf("status is required")
	}
	res, err := s.db.ExecContext(ctx, s.q(completeRunQuery),
		id,
		done.Status,
		formatTime(done.FinishedAt),
		done.Images,
		done.Weights,
		done.Bytes,
		nullIfEmpty(done.Executor),
		nullIfEmpty(done.JobID),
		nullIfEmpty(done.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *LedgerStore) GetRun(ctx context.Context, id string) (repo.RunRecord, error) {
	if s == nil || s.db == nil {
		return repo.RunRecord{}, fmt.Errorf("ledger store not initialized")
	}
	var (
		run        repo.RunRecord
		startedAt  string
		finishedAt sql.NullString
		executor   sql.NullString
		jobID      sql.NullString
		errMsg     sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.q(selectRunQuery), strings.TrimSpace(id)).Scan(
		&run.ID,
		&run.Command,
		&run.Target,
		&run.Collection,
		&run.OutputDir,
		&run.Status,
		&startedAt,
		&finishedAt,
		&run.Images,
		&run.Weights,
		&run.Bytes,
		&executor,
		&jobID,
		&errMsg,
	)
	if err != nil {
		return repo.RunRecord{}, handleNotFound(err)
	}
	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return repo.RunRecord{}, err
	}
	if finishedAt.Valid {
		t, err := parseTime(finishedAt.String)
		if err != nil {
			return repo.RunRecord{}, err
		}
		run.FinishedAt = &t
	}
	run.Executor = executor.String
	run.JobID = jobID.String
	run.ErrorMessage = errMsg.String
	return run, nil
}

// InsertGroup records one group outcome. A second insert for the same
// (run, observation, kind) returns the stored row and false.
func (s *LedgerStore) InsertGroup(ctx context.Context, group repo.GroupRecord) (repo.GroupRecord, bool, error) {
	if s == nil || s.db == nil {
		return repo.GroupRecord{}, false, fmt.Errorf("ledger store not initialized")
	}
	group.RunID = strings.TrimSpace(group.RunID)
	group.ObsID = strings.TrimSpace(group.ObsID)
	group.Kind = strings.TrimSpace(group.Kind)
	group.Status = strings.TrimSpace(group.Status)
	if group.RunID == "" {
		return repo.GroupRecord{}, false, fmt.Errorf("run id is required")
	}
	if group.ObsID == "" {
		return repo.GroupRecord{}, false, fmt.Errorf("obs id is required")
	}
	if group.Kind == "" {
		return repo.GroupRecord{}, false, fmt.Errorf("kind is required")
	}
	if group.Status == "" {
		return repo.GroupRecord{}, false, fmt.Errorf("status is required")
	}
	if strings.TrimSpace(group.ID) == "" {
		group.ID = uuid.NewString()
	}
	group.StartedAt = normalizeTime(group.StartedAt)
	group.FinishedAt = normalizeTime(group.FinishedAt)
	if group.Digests == nil {
		group.Digests = map[string]string{}
	}
	digests, err := encodeDigests(group.Digests)
	if err != nil {
		return repo.GroupRecord{}, false, fmt.Errorf("encode digests: %w", err)
	}

	res, err := s.db.ExecContext(ctx, s.q(insertGroupQuery),
		group.ID,
		group.RunID,
		group.ObsID,
		group.Kind,
		group.Status,
		group.Files,
		group.Bytes,
		digests,
		formatTime(group.StartedAt),
		formatTime(group.FinishedAt),
		nullIfEmpty(group.ErrorMessage),
	)
	if err != nil {
		return repo.GroupRecord{}, false, fmt.Errorf("insert group: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return repo.GroupRecord{}, false, fmt.Errorf("insert group: %w", err)
	}
	if n == 0 {
		existing, err := scanGroup(s.db.QueryRowContext(ctx, s.q(selectGroupQuery), group.RunID, group.ObsID, group.Kind))
		if err != nil {
			return repo.GroupRecord{}, false, err
		}
		return existing, false, nil
	}
	return group, true, nil
}

func (s *LedgerStore) ListGroups(ctx context.Context, runID string) ([]repo.GroupRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("ledger store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}

	rows, err := s.db.QueryContext(ctx, s.q(listGroupsByRunQuery), runID)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	records := make([]repo.GroupRecord, 0)
	for rows.Next() {
		record, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	return records, nil
}

type groupScanner interface {
	Scan(dest ...any) error
}

func scanGroup(scanner groupScanner) (repo.GroupRecord, error) {
	var (
		record     repo.GroupRecord
		digests    string
		startedAt  string
		finishedAt string
		errMsg     sql.NullString
	)
	if err := scanner.Scan(
		&record.ID,
		&record.RunID,
		&record.ObsID,
		&record.Kind,
		&record.Status,
		&record.Files,
		&record.Bytes,
		&digests,
		&startedAt,
		&finishedAt,
		&errMsg,
	); err != nil {
		return repo.GroupRecord{}, handleNotFound(err)
	}
	var err error
	if record.Digests, err = decodeDigests(digests); err != nil {
		return repo.GroupRecord{}, fmt.Errorf("decode digests: %w", err)
	}
	if record.StartedAt, err = parseTime(startedAt); err != nil {
		return repo.GroupRecord{}, err
	}
	if record.FinishedAt, err = parseTime(finishedAt); err != nil {
		return repo.GroupRecord{}, err
	}
	record.ErrorMessage = strings.TrimSpace(errMsg.String)
	return record, nil
}
