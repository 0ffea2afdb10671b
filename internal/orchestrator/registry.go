package orchestrator

import (
	"context"
	"sync"

	"extractd/internal/apperrors"
)

// execState holds the runtime state for one in-flight worker invocation.
type execState struct {
	jobID      string
	cancelExec context.CancelFunc
}

// registry tracks which sessions have an active job and which jobs have a
// worker in flight, with thread-safe access. It is the in-memory half of the
// duplicate-active guard; the store check is the durable half.
type registry struct {
	mu       sync.RWMutex
	sessions map[string]string     // sessionID -> jobID ("" while reserved)
	execs    map[string]*execState // jobID -> in-flight invocation
}

func newRegistry() *registry {
	return &registry{
		sessions: make(map[string]string),
		execs:    make(map[string]*execState),
	}
}

// reserveSession claims the session slot before the job record exists, so two
// racing start requests cannot both pass the store check.
func (r *registry) reserveSession(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if jobID, exists := r.sessions[sessionID]; exists {
		return apperrors.DuplicateActive(sessionID, jobID)
	}
	r.sessions[sessionID] = ""
	return nil
}

// commitSession fills in a reserved session slot with the created job ID.
func (r *registry) commitSession(sessionID, jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionID] = jobID
}

// releaseSession frees the session slot. Safe to call when absent.
func (r *registry) releaseSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// sessionJob returns the job ID currently holding the session slot.
func (r *registry) sessionJob(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	jobID, exists := r.sessions[sessionID]
	return jobID, exists
}

// commitExec records an in-flight invocation and its cancel func.
func (r *registry) commitExec(jobID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs[jobID] = &execState{jobID: jobID, cancelExec: cancel}
}

// releaseExec removes an in-flight invocation. Returns the state if it existed.
func (r *registry) releaseExec(jobID string) (*execState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	es, exists := r.execs[jobID]
	if exists {
		delete(r.execs, jobID)
	}
	return es, exists
}

// execInFlight reports whether the job has a worker invocation in flight.
func (r *registry) execInFlight(jobID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.execs[jobID]
	return exists
}

// execCount returns the number of in-flight invocations.
func (r *registry) execCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.execs)
}
