package store

import "context"

func (s *Store) migrate(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS jobs (
  id                TEXT PRIMARY KEY,
  session_id        TEXT NOT NULL,
  project_id        TEXT NOT NULL,
  user_id           TEXT,
  job_type          TEXT NOT NULL,
  priority          INTEGER NOT NULL DEFAULT 0,
  status            TEXT NOT NULL,
  progress          INTEGER NOT NULL DEFAULT 0,
  current_step      TEXT,
  total_steps       INTEGER NOT NULL DEFAULT 0,
  records_processed INTEGER NOT NULL DEFAULT 0,
  document_ids      TEXT NOT NULL,
  target_fields     TEXT,
  extraction_rules  TEXT,
  result            TEXT,
  error_message     TEXT,
  callback          TEXT,
  created_at        TIMESTAMP NOT NULL,
  started_at        TIMESTAMP,
  completed_at      TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_session_status ON jobs(session_id, status);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_completed ON jobs(completed_at);

CREATE TABLE IF NOT EXISTS job_logs (
  id     INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id TEXT NOT NULL,
  ts     TIMESTAMP NOT NULL,
  line   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_logs_job ON job_logs(job_id, id);

CREATE TABLE IF NOT EXISTS job_deps (
  job_id     TEXT NOT NULL,
  depends_on TEXT NOT NULL,
  PRIMARY KEY (job_id, depends_on)
);

CREATE TABLE IF NOT EXISTS job_cache (
  job_id     TEXT NOT NULL,
  cache_key  TEXT NOT NULL,
  payload    BLOB NOT NULL,
  expires_at TIMESTAMP NOT NULL,
  created_at TIMESTAMP NOT NULL,
  PRIMARY KEY (job_id, cache_key)
);
CREATE INDEX IF NOT EXISTS idx_job_cache_expiry ON job_cache(expires_at);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}
