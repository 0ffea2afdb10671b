// Package orchestrator is the facade over the job service: it owns the
// duplicate-active guard, the worker concurrency cap, cancellation of
// in-flight invocations, startup reconciliation, and background maintenance.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"extractd/internal/apperrors"
	"extractd/internal/broadcast"
	"extractd/internal/cache"
	"extractd/internal/job"
	"extractd/internal/notify"
	"extractd/internal/observability"
	"extractd/pkg/webhook"
)

// CacheStore persists job-scoped cache entries. The result cache reads and
// writes through it; maintenance purges its expired rows.
type CacheStore interface {
	cache.Backend
	PurgeExpiredCache(ctx context.Context, now time.Time) (int64, error)
}

// dependencyPollInterval is how often a dependency watcher re-reads a
// blocking dependency between its change events.
const dependencyPollInterval = 2 * time.Second

// Orchestrator coordinates job lifecycle across the service, the broadcaster,
// and the notifier. It is the only component that launches executions.
type Orchestrator struct {
	cfg         Config
	jobs        job.Store
	service     *job.Service
	cache       CacheStore
	broadcaster *broadcast.Broadcaster
	notifier    notify.Notifier
	metrics     *observability.Metrics
	logger      *slog.Logger

	registry *registry
	sem      chan struct{}

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates the orchestrator and wires the job service to it. The
// orchestrator is the service's publisher, so every status change flows back
// through it for broadcast, deregistration, and callbacks.
func New(cfg Config, jobs job.Store, invoker job.Invoker, cacheStore CacheStore, b *broadcast.Broadcaster, n notify.Notifier, metrics *observability.Metrics) *Orchestrator {
	cfg = cfg.withDefaults()

	baseCtx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:         cfg,
		jobs:        jobs,
		cache:       cacheStore,
		broadcaster: b,
		notifier:    n,
		metrics:     metrics,
		logger:      slog.With("component", "orchestrator"),
		registry:    newRegistry(),
		sem:         make(chan struct{}, cfg.MaxConcurrent),
		baseCtx:     baseCtx,
		cancel:      cancel,
	}
	var results job.ResultCache
	if cacheStore != nil {
		results = cache.New(cacheStore, 0)
	}
	o.service = job.NewService(jobs, invoker, o, results, metrics)
	return o
}

// Service exposes the job service for read paths.
func (o *Orchestrator) Service() *job.Service {
	return o.service
}

// Start validates and creates a new job, registers its session as active, and
// begins execution asynchronously. The job ID is returned immediately;
// progress is observed via Progress or Subscribe.
//
// A session may hold at most one non-terminal job. The in-memory reservation
// closes the window between two racing starts; the store check covers jobs
// that predate this process.
func (o *Orchestrator) Start(ctx context.Context, req *job.Request) (*job.Response, error) {
	if req.SessionID == "" {
		return nil, apperrors.Validation("sessionId", "session ID is required")
	}

	if err := o.registry.reserveSession(req.SessionID); err != nil {
		return nil, err
	}

	active, err := o.jobs.ActiveJobForSession(ctx, req.SessionID)
	if err != nil {
		o.registry.releaseSession(req.SessionID)
		return nil, err
	}
	if active != nil {
		o.registry.releaseSession(req.SessionID)
		return nil, apperrors.DuplicateActive(req.SessionID, active.ID)
	}

	j, err := o.service.Create(ctx, req)
	if err != nil {
		o.registry.releaseSession(req.SessionID)
		return nil, err
	}
	o.registry.commitSession(req.SessionID, j.ID)

	unmet, err := o.jobs.UnmetDependencies(ctx, j.ID)
	if err != nil {
		o.logger.Error("Dependency check failed", "jobId", j.ID, "error", err)
	}
	if len(unmet) > 0 {
		o.logger.Info("Job waiting on dependencies", "jobId", j.ID, "unmet", unmet)
		o.watchDependencies(j.ID, unmet)
	} else {
		o.launchExec(j.ID)
	}

	return &job.Response{JobID: j.ID, Status: job.StatusPending}, nil
}

// Pause marks a running job paused. The in-flight worker is left alone: if
// the job is resumed before it finishes, its outcome counts; if it finishes
// while still paused, the outcome is discarded.
func (o *Orchestrator) Pause(ctx context.Context, jobID string) (*job.Job, error) {
	return o.service.UpdateStatus(ctx, jobID, job.StatusPaused, job.Update{})
}

// Resume moves a paused job back to running. If its worker is still in
// flight, the status flip alone re-arms the outcome; otherwise a new
// invocation is launched.
func (o *Orchestrator) Resume(ctx context.Context, jobID string) (*job.Job, error) {
	j, err := o.service.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status != job.StatusPaused {
		return nil, apperrors.InvalidTransition(jobID, string(j.Status), string(job.StatusRunning))
	}

	unmet, err := o.jobs.UnmetDependencies(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if len(unmet) > 0 {
		return nil, apperrors.Conflict("job", jobID, fmt.Sprintf("cannot resume: waiting on dependencies %s", strings.Join(unmet, ", ")))
	}

	if o.registry.execInFlight(jobID) {
		updated, err := o.service.UpdateStatus(ctx, jobID, job.StatusRunning, job.Update{})
		if err != nil {
			return nil, err
		}
		if !o.registry.execInFlight(jobID) {
			// The worker finished (and was discarded) while we flipped the
			// status; the job needs a fresh invocation.
			o.launchExec(jobID)
		}
		return updated, nil
	}

	o.launchExec(jobID)
	return o.service.Get(ctx, jobID)
}

// Cancel terminates a running or paused job: the status flips immediately and
// the in-flight worker, if any, is signalled to stop. Cancellation populates
// no error message.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (*job.Job, error) {
	j, err := o.service.UpdateStatus(ctx, jobID, job.StatusCancelled, job.Update{})
	if err != nil {
		return nil, err
	}

	if es, ok := o.registry.releaseExec(jobID); ok {
		es.cancelExec()
	}

	if o.metrics != nil {
		o.metrics.RecordJobFinished(ctx, string(job.StatusCancelled), runDuration(j))
	}
	return j, nil
}

// Progress returns the read-only snapshot for a job. No registration needed.
func (o *Orchestrator) Progress(ctx context.Context, jobID string) (*job.Snapshot, error) {
	j, err := o.service.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return job.SnapshotOf(j), nil
}

// Logs returns a job's log lines in append order.
func (o *Orchestrator) Logs(ctx context.Context, jobID string) ([]job.LogLine, error) {
	return o.service.Logs(ctx, jobID)
}

// List returns all jobs for a session, newest first.
func (o *Orchestrator) List(ctx context.Context, sessionID string) ([]*job.Job, error) {
	return o.jobs.JobsForSession(ctx, sessionID)
}

// Subscribe attaches a push subscriber to a job's progress events.
func (o *Orchestrator) Subscribe(jobID string) (<-chan broadcast.Event, func()) {
	return o.broadcaster.Subscribe(jobID)
}

// Publish implements job.Publisher. Every status or progress change lands
// here; terminal ones additionally free the session slot and fire the
// configured callback.
func (o *Orchestrator) Publish(j *job.Job) {
	o.broadcaster.Publish(EventOf(j))

	if j.Status.Terminal() {
		o.registry.releaseSession(j.SessionID)
		if es, ok := o.registry.releaseExec(j.ID); ok {
			// Terminal while a worker is still up (pause-then-cancel path);
			// stop it.
			es.cancelExec()
		}
		o.notifyCallback(j)
	}
}

// EventOf converts a job record into its broadcast event.
func EventOf(j *job.Job) broadcast.Event {
	return broadcast.Event{
		JobID:            j.ID,
		Status:           string(j.Status),
		Progress:         j.Progress,
		CurrentStep:      j.CurrentStep,
		TotalSteps:       j.TotalSteps,
		RecordsProcessed: j.RecordsProcessed,
		ErrorMessage:     j.ErrorMessage,
		Terminal:         j.Status.Terminal(),
	}
}

// notifyCallback queues the terminal webhook when the job configured one.
func (o *Orchestrator) notifyCallback(j *job.Job) {
	if o.notifier == nil || j.Callback == nil || j.Callback.URL == "" {
		return
	}

	var eventType string
	switch j.Status {
	case job.StatusCompleted:
		eventType = webhook.EventCompleted
	case job.StatusFailed:
		eventType = webhook.EventFailed
	case job.StatusCancelled:
		eventType = webhook.EventCancelled
	default:
		return
	}
	if len(j.Callback.Events) > 0 && !slices.Contains(j.Callback.Events, eventType) {
		return
	}

	ev := webhook.New(eventType, j.ID, j.SessionID, string(j.Status))
	ev.ProjectID = j.ProjectID
	ev.Progress = j.Progress
	ev.RecordsProcessed = j.RecordsProcessed
	ev.ErrorMessage = j.ErrorMessage

	err := o.notifier.Notify(&notify.Notification{
		Payload:     ev,
		Destination: j.Callback.URL,
		SigningKey:  j.Callback.Key,
	})
	if err != nil {
		o.logger.Warn("Callback not queued", "jobId", j.ID, "error", err)
	}
}

// watchDependencies follows each blocking dependency to its terminal event
// and then tries to dispatch the waiting job, without waiting for the next
// maintenance tick.
func (o *Orchestrator) watchDependencies(jobID string, deps []string) {
	for _, dep := range deps {
		o.wg.Add(1)
		go func(dep string) {
			defer o.wg.Done()

			events := broadcast.Watch(o.baseCtx, dependencyPollInterval, func(ctx context.Context) (broadcast.Event, error) {
				j, err := o.jobs.GetJob(ctx, dep)
				if errors.Is(err, apperrors.ErrNotFound) {
					// The dependency was swept by retention; it can never
					// complete, so stop watching and let dispatch decide.
					return broadcast.Event{JobID: dep, Terminal: true}, nil
				}
				if err != nil {
					return broadcast.Event{}, err
				}
				return EventOf(j), nil
			})
			for range events {
			}
			if o.baseCtx.Err() != nil {
				return
			}
			o.dispatchIfReady(o.baseCtx, jobID)
		}(dep)
	}
}

// dispatchIfReady launches a pending job once nothing blocks it anymore.
func (o *Orchestrator) dispatchIfReady(ctx context.Context, jobID string) {
	if o.registry.execInFlight(jobID) {
		return
	}
	j, err := o.jobs.GetJob(ctx, jobID)
	if err != nil || j.Status != job.StatusPending {
		return
	}
	unmet, err := o.jobs.UnmetDependencies(ctx, jobID)
	if err != nil || len(unmet) > 0 {
		return
	}
	o.logger.Info("Dependencies satisfied, launching job", "jobId", jobID)
	o.launchExec(jobID)
}

// launchExec runs one execution attempt in the background, bounded by the
// concurrency cap.
func (o *Orchestrator) launchExec(jobID string) {
	execCtx, cancel := context.WithCancel(o.baseCtx)
	o.registry.commitExec(jobID, cancel)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		defer o.registry.releaseExec(jobID)

		select {
		case o.sem <- struct{}{}:
			defer func() { <-o.sem }()
		case <-execCtx.Done():
			o.logger.Info("Execution abandoned before start", "jobId", jobID)
			return
		}

		if err := o.service.Execute(execCtx, jobID); err != nil {
			o.logger.Warn("Execution finished with error", "jobId", jobID, "error", err)
		}
	}()
}

// ReconcileOrphans fails jobs left pending or running by a previous process.
// Their workers died with that process, so the records can only mislead.
// Paused jobs survive: they hold no worker and remain resumable.
//
// This writes through the store directly; the orphan edge (pending -> failed)
// is deliberately outside the state machine clients can drive.
func (o *Orchestrator) ReconcileOrphans(ctx context.Context) error {
	active, err := o.jobs.ListActive(ctx)
	if err != nil {
		return err
	}

	for _, j := range active {
		switch j.Status {
		case job.StatusPending, job.StatusRunning:
			msg := "job orphaned by service restart"
			swapped, err := o.jobs.CompareAndSwapStatus(ctx, j.ID, j.Status, job.StatusFailed, job.Update{ErrorMessage: &msg})
			if err != nil {
				o.logger.Error("Orphan reconciliation failed", "jobId", j.ID, "error", err)
				continue
			}
			if !swapped {
				continue
			}
			o.logger.Warn("Orphaned job failed", "jobId", j.ID, "was", j.Status)
			if failed, err := o.jobs.GetJob(ctx, j.ID); err == nil {
				o.Publish(failed)
			}

		case job.StatusPaused:
			// Re-arm the duplicate-active guard for the session.
			if err := o.registry.reserveSession(j.SessionID); err == nil {
				o.registry.commitSession(j.SessionID, j.ID)
			}
		}
	}
	return nil
}

// RunMaintenance starts the background maintenance loop: purge expired cache
// entries, drop terminal jobs past retention, and launch pending jobs whose
// dependencies have completed.
func (o *Orchestrator) RunMaintenance() {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.cfg.MaintenanceInterval)
		defer ticker.Stop()

		for {
			select {
			case <-o.baseCtx.Done():
				return
			case <-ticker.C:
				o.maintain(o.baseCtx)
			}
		}
	}()
}

func (o *Orchestrator) maintain(ctx context.Context) {
	now := time.Now().UTC()

	if o.cache != nil {
		if n, err := o.cache.PurgeExpiredCache(ctx, now); err != nil {
			o.logger.Warn("Cache purge failed", "error", err)
		} else if n > 0 {
			o.logger.Info("Expired cache entries purged", "count", n)
		}
	}

	if n, err := o.jobs.DeleteTerminalBefore(ctx, now.Add(-o.cfg.RetentionPeriod)); err != nil {
		o.logger.Warn("Retention sweep failed", "error", err)
	} else if n > 0 {
		o.logger.Info("Terminal jobs removed", "count", n)
	}

	o.dispatchReady(ctx)
}

// dispatchReady launches pending jobs whose dependencies have completed, and
// re-launches running jobs that lost their worker to a discarded outcome.
func (o *Orchestrator) dispatchReady(ctx context.Context) {
	active, err := o.jobs.ListActive(ctx)
	if err != nil {
		o.logger.Warn("Dispatch scan failed", "error", err)
		return
	}

	for _, j := range active {
		if o.registry.execInFlight(j.ID) {
			continue
		}
		switch j.Status {
		case job.StatusPending:
			o.dispatchIfReady(ctx, j.ID)

		case job.StatusRunning:
			// Jobs only enter running from inside an invocation, so running
			// with nothing in flight means the worker is gone.
			o.logger.Warn("Running job has no worker, relaunching", "jobId", j.ID)
			o.launchExec(j.ID)
		}
	}
}

// Close stops background work and waits for in-flight executions to finish
// their terminal writes, bounded by ctx.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		o.logger.Warn("Shutdown timed out with executions in flight", "inFlight", o.registry.execCount())
		return ctx.Err()
	}
}

func runDuration(j *job.Job) float64 {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt).Seconds()
}
