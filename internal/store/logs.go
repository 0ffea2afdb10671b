package store

import (
	"context"
	"time"

	"extractd/internal/apperrors"
	"extractd/internal/job"
)

// AppendLog appends one timestamped log line for the job.
func (s *Store) AppendLog(ctx context.Context, id, line string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_logs (job_id, ts, line) VALUES (?, ?, ?)`,
		id, time.Now().UTC(), line)
	if err != nil {
		return apperrors.Internal("store.appendLog", err)
	}
	return nil
}

// Logs returns the job's log lines in append order.
func (s *Store) Logs(ctx context.Context, id string) ([]job.LogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, line FROM job_logs WHERE job_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, apperrors.Internal("store.logs", err)
	}
	defer rows.Close()

	var lines []job.LogLine
	for rows.Next() {
		var l job.LogLine
		if err := rows.Scan(&l.Time, &l.Line); err != nil {
			return nil, apperrors.Internal("store.logs", err)
		}
		l.Time = l.Time.UTC()
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("store.logs", err)
	}
	return lines, nil
}
