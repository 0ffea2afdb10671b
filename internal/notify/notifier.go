// Package notify provides async webhook delivery with buffering and retry.
package notify

import (
	"context"
	"errors"

	"extractd/pkg/webhook"
)

// ErrBufferFull is returned when the notifier's buffer is full and the notification is dropped.
var ErrBufferFull = errors.New("notifier buffer full, notification dropped")

// Notifier handles async delivery of job callbacks.
type Notifier interface {
	// Notify queues a notification for async delivery. Non-blocking.
	// Returns ErrBufferFull if the notification cannot be queued.
	Notify(n *Notification) error

	// Stats returns current notifier statistics.
	Stats() Stats

	// Close gracefully shuts down, attempting to deliver queued notifications.
	// The context deadline controls how long to wait for drain.
	Close(ctx context.Context) error
}

// Notification is a webhook event bound for a callback URL.
type Notification struct {
	Payload     *webhook.Event
	Destination string // callback URL
	SigningKey  string // HMAC key for signing, empty = no signing
	Requeues    int    // number of times requeued due to circuit open (internal use)
}

// Stats holds notifier statistics.
type Stats struct {
	QueueDepth    int   // current queue size
	Queued        int64 // total notifications queued
	Delivered     int64 // successful deliveries
	Failed        int64 // failed after retries
	Dropped       int64 // dropped due to full buffer or max requeues
	Requeued      int64 // requeued due to open circuit
	RetriesTotal  int64 // total retry attempts
	BreakersTotal int   // total circuit breakers
	BreakersOpen  int   // currently open breakers
}
