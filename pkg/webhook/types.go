// Package webhook provides signed job-event webhook delivery.
package webhook

import "time"

// Event types delivered to callback URLs.
const (
	EventCompleted = "job.completed"
	EventFailed    = "job.failed"
	EventCancelled = "job.cancelled"
)

// Event is the webhook payload for a job reaching a terminal status.
type Event struct {
	Type             string    `json:"type"`
	JobID            string    `json:"jobId"`
	SessionID        string    `json:"sessionId"`
	ProjectID        string    `json:"projectId,omitempty"`
	Status           string    `json:"status"`
	Progress         int       `json:"progress"`
	RecordsProcessed int       `json:"recordsProcessed"`
	ErrorMessage     string    `json:"errorMessage,omitempty"`
	Time             time.Time `json:"time"`
}

// New creates a webhook event for a terminal status with default values.
func New(eventType, jobID, sessionID, status string) *Event {
	return &Event{
		Type:      eventType,
		JobID:     jobID,
		SessionID: sessionID,
		Status:    status,
		Time:      time.Now().UTC(),
	}
}
