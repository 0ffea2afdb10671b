package job

import (
	"context"
	"time"
)

// Store is the durable record of job state. Pure persistence; all transition
// validation lives in the Service.
//
// Implementations must make CompareAndSwapStatus atomic: the status column is
// only changed when it still holds the expected value, so no update is ever
// based on stale state.
type Store interface {
	// CreateJob persists a new job record.
	CreateJob(ctx context.Context, j *Job) error

	// GetJob returns the job or apperrors.NotFound.
	GetJob(ctx context.Context, id string) (*Job, error)

	// CompareAndSwapStatus sets status to `to` iff it currently equals
	// `from`, applying u in the same statement. Returns false when the
	// current status did not match (no change is made).
	//
	// The store stamps startedAt on the first swap to running and
	// completedAt on a swap to a terminal status, each at most once.
	CompareAndSwapStatus(ctx context.Context, id string, from, to Status, u Update) (bool, error)

	// UpdateProgress applies a progress update iff the job is running.
	// Progress is monotonic: the stored percentage never decreases.
	UpdateProgress(ctx context.Context, id string, progress int, step string, records int) (bool, error)

	// AppendLog appends one timestamped log line.
	AppendLog(ctx context.Context, id, line string) error

	// Logs returns the job's log lines in append order.
	Logs(ctx context.Context, id string) ([]LogLine, error)

	// ActiveJobForSession returns the session's non-terminal job, or nil.
	ActiveJobForSession(ctx context.Context, sessionID string) (*Job, error)

	// ListActive returns all jobs in pending, running, or paused status.
	ListActive(ctx context.Context) ([]*Job, error)

	// JobsForSession returns all of the session's jobs, newest first.
	JobsForSession(ctx context.Context, sessionID string) ([]*Job, error)

	// AddDependencies records edges jobID -> dependsOn. Rejects unknown
	// jobs and edges that would close a cycle.
	AddDependencies(ctx context.Context, jobID string, dependsOn []string) error

	// UnmetDependencies returns the dependency job IDs not yet completed.
	UnmetDependencies(ctx context.Context, jobID string) ([]string, error)

	// DeleteTerminalBefore removes terminal jobs completed before cutoff.
	// Returns the number of jobs removed.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
