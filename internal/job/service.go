package job

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"extractd/internal/apperrors"
	"extractd/internal/observability"
	"extractd/internal/runner"
)

// Validation limits
const (
	maxIDLength       = 128
	maxFiles          = 256
	maxPriority       = 100
	maxDependencies   = 32
	maxCallbackEvents = 16
)

// idPattern allows alphanumeric, hyphens, and underscores
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// Invoker runs one worker process per call.
type Invoker interface {
	Invoke(ctx context.Context, inv runner.Invocation) (*runner.Result, error)
}

// Publisher receives every job update, including the terminal one.
type Publisher interface {
	Publish(j *Job)
}

// ResultCache stores worker outcomes keyed by job. A completed result whose
// compare-and-set lost to a pause is parked here so the relaunch after resume
// can reuse it instead of re-running the worker.
type ResultCache interface {
	Put(ctx context.Context, jobID, key string, value any) error
	Get(ctx context.Context, jobID, key string, dest any) (bool, error)
}

// resultCacheKey is the cache key for a parked worker outcome.
const resultCacheKey = "worker-result"

// Service owns all writes to job records and enforces the state machine.
// Every status change goes through a compare-and-set against the status the
// decision was made on, so concurrent control calls and worker completions
// can never clobber each other: one wins, the rest observe a failed swap.
type Service struct {
	store     Store
	invoker   Invoker
	publisher Publisher
	results   ResultCache
	metrics   *observability.Metrics

	// executing guards against two concurrent Execute calls for one job id.
	executing sync.Map
}

// NewService creates a new job service. results may be nil, in which case
// discarded worker outcomes are not parked for reuse.
func NewService(store Store, invoker Invoker, publisher Publisher, results ResultCache, metrics *observability.Metrics) *Service {
	return &Service{
		store:     store,
		invoker:   invoker,
		publisher: publisher,
		results:   results,
		metrics:   metrics,
	}
}

// Create validates the request and persists a new pending job.
// Note: This method applies defaults to the request before validation.
func (s *Service) Create(ctx context.Context, req *Request) (*Job, error) {
	applyDefaults(req)
	if err := s.validate(req); err != nil {
		return nil, err
	}

	j := &Job{
		ID:              uuid.NewString(),
		SessionID:       req.SessionID,
		ProjectID:       req.ProjectID,
		UserID:          req.UserID,
		Type:            req.Type,
		Priority:        req.Priority,
		Status:          StatusPending,
		TotalSteps:      0,
		DocumentIDs:     req.Files,
		TargetFields:    req.TargetFields,
		ExtractionRules: req.ExtractionRules,
		Callback:        req.Callback,
		CreatedAt:       time.Now().UTC(),
	}

	logger := slog.With("jobId", j.ID, "sessionId", j.SessionID, "mode", j.Type)

	if err := s.store.CreateJob(ctx, j); err != nil {
		logger.Error("Job creation failed", "error", err)
		return nil, err
	}

	if len(req.DependsOn) > 0 {
		if err := s.store.AddDependencies(ctx, j.ID, req.DependsOn); err != nil {
			// The record exists but its dependencies are unusable; fail it so
			// it never blocks the session.
			msg := err.Error()
			if _, ferr := s.store.CompareAndSwapStatus(ctx, j.ID, StatusPending, StatusFailed, Update{ErrorMessage: &msg}); ferr != nil {
				logger.Error("Failed to mark job failed after dependency rejection", "error", ferr)
			}
			logger.Warn("Job dependencies rejected", "error", err)
			return nil, err
		}
	}

	if s.metrics != nil {
		s.metrics.RecordJobCreated(ctx, string(j.Type))
	}
	logger.Info("Job created")
	return j, nil
}

// Get returns the job or apperrors.NotFound.
func (s *Service) Get(ctx context.Context, jobID string) (*Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// Logs returns the job's log lines in append order.
func (s *Service) Logs(ctx context.Context, jobID string) ([]LogLine, error) {
	return s.store.Logs(ctx, jobID)
}

// UpdateStatus applies one state-machine transition. The swap is conditional
// on the status the job held when this decision was made; a lost race returns
// InvalidTransition against the status that won.
func (s *Service) UpdateStatus(ctx context.Context, jobID string, to Status, u Update) (*Job, error) {
	if !ValidStatus(to) {
		return nil, apperrors.Validation("status", fmt.Sprintf("unknown status %q", to))
	}

	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(j.Status, to) {
		return nil, apperrors.InvalidTransition(jobID, string(j.Status), string(to))
	}

	swapped, err := s.store.CompareAndSwapStatus(ctx, jobID, j.Status, to, u)
	if err != nil {
		return nil, err
	}
	if !swapped {
		current, gerr := s.store.GetJob(ctx, jobID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, apperrors.InvalidTransition(jobID, string(current.Status), string(to))
	}

	updated, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.publish(updated)
	slog.Info("Job status updated", "jobId", jobID, "from", j.Status, "to", to)
	return updated, nil
}

// AppendLog records a log line. Logging never fails the caller; storage
// errors are swallowed and reported through the service logger.
func (s *Service) AppendLog(ctx context.Context, jobID, line string) {
	if err := s.store.AppendLog(ctx, jobID, line); err != nil {
		slog.Warn("Job log append failed", "jobId", jobID, "error", err)
	}
}

// Execute drives one worker invocation for the job: flips it to running,
// streams progress and logs while the worker runs, and applies exactly one
// terminal update. A second Execute for the same job id while one is in
// flight is a no-op.
//
// If the job leaves running while the worker is still going (paused or
// cancelled underneath it), the worker's outcome fails its compare-and-set
// and is discarded.
func (s *Service) Execute(ctx context.Context, jobID string) error {
	if _, loaded := s.executing.LoadOrStore(jobID, struct{}{}); loaded {
		return nil
	}
	defer s.executing.Delete(jobID)

	logger := slog.With("jobId", jobID)

	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	// A job already in running with no invocation in flight (the executing
	// guard is ours) lost its worker to a discarded outcome; run it again
	// without a transition.
	if j.Status != StatusRunning {
		if !CanTransition(j.Status, StatusRunning) {
			return apperrors.InvalidTransition(jobID, string(j.Status), string(StatusRunning))
		}

		swapped, err := s.store.CompareAndSwapStatus(ctx, jobID, j.Status, StatusRunning, Update{})
		if err != nil {
			return err
		}
		if !swapped {
			// Someone else moved the job first (most likely a cancel).
			current, gerr := s.store.GetJob(ctx, jobID)
			if gerr != nil {
				return gerr
			}
			if current.Status.Terminal() {
				logger.Info("Execution skipped, job already terminal", "status", current.Status)
				return nil
			}
			return apperrors.InvalidTransition(jobID, string(current.Status), string(StatusRunning))
		}
	}

	running, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	s.publish(running)

	// A previous invocation may have finished its work only to lose the
	// terminal swap to a pause. Its result was parked; reuse it instead of
	// running the worker a second time.
	if s.results != nil {
		var parked runner.Result
		ok, cerr := s.results.Get(ctx, jobID, resultCacheKey, &parked)
		if cerr != nil {
			logger.Warn("Result cache read failed", "error", cerr)
		} else if ok {
			s.AppendLog(ctx, jobID, "reusing worker result from a previous invocation")
			logger.Info("Parked worker result reused")
			return s.finish(ctx, jobID, &parked, nil, parked.ProcessingTime)
		}
	}

	start := time.Now()
	res, invokeErr := s.invoker.Invoke(ctx, runner.Invocation{
		JobID: jobID,
		Input: payloadFor(running),
		OnProgress: func(percent int, step string, records int) {
			applied, uerr := s.store.UpdateProgress(ctx, jobID, percent, step, records)
			if uerr != nil {
				logger.Warn("Progress update failed", "error", uerr)
				return
			}
			if !applied {
				// The job left running underneath the worker; broadcasting
				// this marker would resurrect a topic the terminal event
				// already tore down.
				return
			}
			view := *running
			view.Progress = percent
			view.CurrentStep = step
			view.RecordsProcessed = records
			s.publish(&view)
		},
		OnLog: func(stream, line string) {
			s.AppendLog(ctx, jobID, fmt.Sprintf("[%s] %s", stream, line))
		},
	})

	return s.finish(ctx, jobID, res, invokeErr, time.Since(start))
}

// finish applies the single terminal update for an invocation outcome.
// Bookkeeping writes run on a context detached from ctx: the outcome must be
// recorded even when the invocation context is already torn down by a cancel
// or a shutdown.
func (s *Service) finish(ctx context.Context, jobID string, res *runner.Result, invokeErr error, elapsed time.Duration) error {
	logger := slog.With("jobId", jobID)
	wctx := context.WithoutCancel(ctx)

	var (
		to Status
		u  Update
	)
	switch {
	case invokeErr == nil:
		full := 100
		to = StatusCompleted
		u = Update{
			Progress:         &full,
			RecordsProcessed: recordsOf(res),
			Result:           resultOf(res),
		}

	case ctx.Err() != nil:
		// Cancelled from outside: the canceller already flipped the status
		// and owns the terminal event. Nothing left to decide here.
		s.AppendLog(wctx, jobID, "worker terminated: job cancelled")
		return nil

	default:
		msg := invokeErr.Error()
		to = StatusFailed
		u = Update{ErrorMessage: &msg}
		s.AppendLog(wctx, jobID, "execution failed: "+msg)
	}

	swapped, err := s.store.CompareAndSwapStatus(wctx, jobID, StatusRunning, to, u)
	if err != nil {
		return err
	}
	if !swapped {
		// The job was paused or cancelled while the worker ran; its outcome
		// no longer counts. A completed result is still worth keeping: park
		// it so a relaunch after resume can skip the worker entirely.
		if to == StatusCompleted && s.results != nil {
			if cerr := s.results.Put(wctx, jobID, resultCacheKey, res); cerr != nil {
				logger.Warn("Result cache write failed", "error", cerr)
			}
		}
		s.AppendLog(wctx, jobID, fmt.Sprintf("worker finished after job left running; %s outcome discarded", to))
		logger.Info("Worker outcome discarded", "outcome", to)
		return invokeErr
	}

	final, gerr := s.store.GetJob(wctx, jobID)
	if gerr != nil {
		return gerr
	}
	s.publish(final)
	if s.metrics != nil {
		s.metrics.RecordJobFinished(wctx, string(final.Status), elapsed.Seconds())
	}
	logger.Info("Job finished", "status", final.Status, "elapsed", elapsed)
	return invokeErr
}

func (s *Service) publish(j *Job) {
	if s.publisher != nil {
		s.publisher.Publish(j)
	}
}

// workerPayload is the single JSON document written to the worker's stdin.
type workerPayload struct {
	JobID           string          `json:"jobId"`
	SessionID       string          `json:"sessionId"`
	ProjectID       string          `json:"projectId"`
	UserID          string          `json:"userId,omitempty"`
	Mode            Type            `json:"mode"`
	Files           []string        `json:"files"`
	TargetFields    json.RawMessage `json:"targetFields,omitempty"`
	ExtractionRules json.RawMessage `json:"extractionRules,omitempty"`
}

func payloadFor(j *Job) workerPayload {
	return workerPayload{
		JobID:           j.ID,
		SessionID:       j.SessionID,
		ProjectID:       j.ProjectID,
		UserID:          j.UserID,
		Mode:            j.Type,
		Files:           j.DocumentIDs,
		TargetFields:    j.TargetFields,
		ExtractionRules: j.ExtractionRules,
	}
}

// resultOf picks the stored result document: the worker's structured summary
// when it printed one, otherwise a minimal document built from what the
// markers reported.
func resultOf(res *runner.Result) json.RawMessage {
	if len(res.Summary) > 0 {
		return res.Summary
	}
	doc, err := json.Marshal(map[string]any{
		"success":               true,
		"recordCount":           res.RecordCount,
		"processingTimeSeconds": res.ProcessingTime.Seconds(),
	})
	if err != nil {
		return nil
	}
	return doc
}

func recordsOf(res *runner.Result) *int {
	if res.RecordCount == runner.RecordCountUnknown {
		return nil
	}
	n := res.RecordCount
	return &n
}

// applyDefaults sets default values for unspecified request fields.
func applyDefaults(req *Request) {
	if req.Type == "" {
		req.Type = TypeExtraction
	}
}

// validate validates a job request. Does not modify the request.
func (s *Service) validate(req *Request) error {
	if req.SessionID == "" {
		return apperrors.Validation("sessionId", "session ID is required")
	}
	if len(req.SessionID) > maxIDLength {
		return apperrors.Validation("sessionId", fmt.Sprintf("session ID exceeds maximum length of %d", maxIDLength))
	}
	if !idPattern.MatchString(req.SessionID) {
		return apperrors.Validation("sessionId", "session ID must be alphanumeric (hyphens and underscores allowed, cannot start with hyphen/underscore)")
	}

	if req.ProjectID == "" {
		return apperrors.Validation("projectId", "project ID is required")
	}
	if len(req.ProjectID) > maxIDLength {
		return apperrors.Validation("projectId", fmt.Sprintf("project ID exceeds maximum length of %d", maxIDLength))
	}

	if len(req.Files) == 0 {
		return apperrors.Validation("files", "at least one file is required")
	}
	if len(req.Files) > maxFiles {
		return apperrors.Validation("files", fmt.Sprintf("files exceed maximum of %d", maxFiles))
	}
	for i, f := range req.Files {
		if strings.TrimSpace(f) == "" {
			return apperrors.Validation("files", fmt.Sprintf("file at index %d is empty", i))
		}
	}

	switch req.Type {
	case TypeExtraction, TypeAIAnalysis, TypeExcelFunction:
	default:
		return apperrors.Validation("mode", fmt.Sprintf("unknown mode %q", req.Type))
	}

	if req.Priority < 0 || req.Priority > maxPriority {
		return apperrors.Validation("priority", fmt.Sprintf("priority must be between 0 and %d", maxPriority))
	}

	if len(req.DependsOn) > maxDependencies {
		return apperrors.Validation("dependsOn", fmt.Sprintf("dependencies exceed maximum of %d", maxDependencies))
	}
	for i, dep := range req.DependsOn {
		if strings.TrimSpace(dep) == "" {
			return apperrors.Validation("dependsOn", fmt.Sprintf("dependency at index %d is empty", i))
		}
	}

	if req.Callback != nil {
		if req.Callback.URL == "" {
			return apperrors.Validation("callback.url", "callback URL is required when a callback is set")
		}
		if err := validateURL(req.Callback.URL); err != nil {
			return apperrors.Validation("callback.url", fmt.Sprintf("invalid callback URL: %v", err))
		}
		if len(req.Callback.Events) > maxCallbackEvents {
			return apperrors.Validation("callback.events", fmt.Sprintf("callback events exceed maximum of %d", maxCallbackEvents))
		}
	}

	return nil
}

func validateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
