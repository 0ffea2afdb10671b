package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"extractd/internal/apperrors"
	"extractd/internal/job"
)

const jobColumns = `id, session_id, project_id, user_id, job_type, priority, status,
progress, current_step, total_steps, records_processed,
document_ids, target_fields, extraction_rules, result, error_message, callback,
created_at, started_at, completed_at`

// CreateJob persists a new job record.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	docs, err := json.Marshal(j.DocumentIDs)
	if err != nil {
		return apperrors.Internal("store.createJob", err)
	}
	var callback []byte
	if j.Callback != nil {
		if callback, err = json.Marshal(j.Callback); err != nil {
			return apperrors.Internal("store.createJob", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO jobs (`+jobColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.SessionID, j.ProjectID, nullString(j.UserID), string(j.Type), j.Priority, string(j.Status),
		j.Progress, nullString(j.CurrentStep), j.TotalSteps, j.RecordsProcessed,
		string(docs), nullBytes(j.TargetFields), nullBytes(j.ExtractionRules), nullBytes(j.Result),
		nullString(j.ErrorMessage), nullBytes(callback),
		j.CreatedAt.UTC(), nil, nil)
	if err != nil {
		return apperrors.Internal("store.createJob", err)
	}
	return nil
}

// GetJob returns the job or apperrors.NotFound.
func (s *Store) GetJob(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("job", id)
	}
	if err != nil {
		return nil, apperrors.Internal("store.getJob", err)
	}
	return j, nil
}

// CompareAndSwapStatus sets status to `to` iff it currently equals `from`,
// applying u in the same statement. startedAt is stamped on the first swap to
// running, completedAt on a swap to a terminal status; COALESCE keeps both
// set-at-most-once.
func (s *Store) CompareAndSwapStatus(ctx context.Context, id string, from, to job.Status, u job.Update) (bool, error) {
	now := time.Now().UTC()
	sets := []string{"status = ?"}
	args := []any{string(to)}

	if u.Progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, *u.Progress)
	}
	if u.CurrentStep != nil {
		sets = append(sets, "current_step = ?")
		args = append(args, *u.CurrentStep)
	}
	if u.RecordsProcessed != nil {
		sets = append(sets, "records_processed = ?")
		args = append(args, *u.RecordsProcessed)
	}
	if u.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, []byte(u.Result))
	}
	if u.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *u.ErrorMessage)
	}
	if to == job.StatusRunning {
		sets = append(sets, "started_at = COALESCE(started_at, ?)")
		args = append(args, now)
	}
	if to.Terminal() {
		sets = append(sets, "completed_at = COALESCE(completed_at, ?)")
		args = append(args, now)
	}

	query := fmt.Sprintf("UPDATE jobs SET %s WHERE id = ? AND status = ?", strings.Join(sets, ", "))
	args = append(args, id, string(from))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, apperrors.Internal("store.compareAndSwapStatus", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.Internal("store.compareAndSwapStatus", err)
	}
	return n == 1, nil
}

// UpdateProgress applies a progress update iff the job is running. The MAX
// keeps the stored percentage monotonic even if markers arrive out of order.
func (s *Store) UpdateProgress(ctx context.Context, id string, progress int, step string, records int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET progress = MAX(progress, ?), current_step = ?, records_processed = MAX(records_processed, ?)
WHERE id = ? AND status = ?`,
		progress, step, records, id, string(job.StatusRunning))
	if err != nil {
		return false, apperrors.Internal("store.updateProgress", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.Internal("store.updateProgress", err)
	}
	return n == 1, nil
}

// ActiveJobForSession returns the session's non-terminal job, or nil.
func (s *Store) ActiveJobForSession(ctx context.Context, sessionID string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+jobColumns+` FROM jobs
WHERE session_id = ? AND status IN (?, ?, ?)
ORDER BY created_at ASC LIMIT 1`,
		sessionID, string(job.StatusPending), string(job.StatusRunning), string(job.StatusPaused))
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Internal("store.activeJobForSession", err)
	}
	return j, nil
}

// ListActive returns all jobs in pending, running, or paused status,
// highest priority first.
func (s *Store) ListActive(ctx context.Context) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+jobColumns+` FROM jobs
WHERE status IN (?, ?, ?)
ORDER BY priority DESC, created_at ASC`,
		string(job.StatusPending), string(job.StatusRunning), string(job.StatusPaused))
	if err != nil {
		return nil, apperrors.Internal("store.listActive", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, apperrors.Internal("store.listActive", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("store.listActive", err)
	}
	return jobs, nil
}

// JobsForSession returns all jobs for a session, newest first.
func (s *Store) JobsForSession(ctx context.Context, sessionID string) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+jobColumns+` FROM jobs WHERE session_id = ? ORDER BY created_at DESC`, sessionID)
	if err != nil {
		return nil, apperrors.Internal("store.jobsForSession", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, apperrors.Internal("store.jobsForSession", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("store.jobsForSession", err)
	}
	return jobs, nil
}

// DeleteTerminalBefore removes terminal jobs (with their logs, dependency
// edges, and cache entries) completed before cutoff.
func (s *Store) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperrors.Internal("store.deleteTerminalBefore", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM job_logs WHERE job_id IN (SELECT id FROM jobs WHERE completed_at IS NOT NULL AND completed_at < ?)`,
		`DELETE FROM job_deps WHERE job_id IN (SELECT id FROM jobs WHERE completed_at IS NOT NULL AND completed_at < ?)`,
		`DELETE FROM job_cache WHERE job_id IN (SELECT id FROM jobs WHERE completed_at IS NOT NULL AND completed_at < ?)`,
	} {
		if _, err := tx.ExecContext(ctx, q, cutoff.UTC()); err != nil {
			return 0, apperrors.Internal("store.deleteTerminalBefore", err)
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE completed_at IS NOT NULL AND completed_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, apperrors.Internal("store.deleteTerminalBefore", err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, apperrors.Internal("store.deleteTerminalBefore", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j                              job.Job
		userID, currentStep, errMsg    sql.NullString
		docs                           string
		targetFields, rules, result    []byte
		callback                       []byte
		jobType, status                string
		startedAt, completedAt         sql.NullTime
	)

	err := row.Scan(
		&j.ID, &j.SessionID, &j.ProjectID, &userID, &jobType, &j.Priority, &status,
		&j.Progress, &currentStep, &j.TotalSteps, &j.RecordsProcessed,
		&docs, &targetFields, &rules, &result, &errMsg, &callback,
		&j.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	j.Type = job.Type(jobType)
	j.Status = job.Status(status)
	j.UserID = userID.String
	j.CurrentStep = currentStep.String
	j.ErrorMessage = errMsg.String
	if err := json.Unmarshal([]byte(docs), &j.DocumentIDs); err != nil {
		return nil, fmt.Errorf("corrupt document_ids for job %s: %w", j.ID, err)
	}
	j.TargetFields = targetFields
	j.ExtractionRules = rules
	j.Result = result
	if len(callback) > 0 {
		var cb job.Callback
		if err := json.Unmarshal(callback, &cb); err != nil {
			return nil, fmt.Errorf("corrupt callback for job %s: %w", j.ID, err)
		}
		j.Callback = &cb
	}
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		j.CompletedAt = &t
	}
	return &j, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
