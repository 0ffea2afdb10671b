// Package broadcast fans out per-job progress events to subscribers.
//
// Each job gets its own topic; subscribers register and deregister
// deterministically, and the topic is torn down when the terminal event is
// delivered, so no listener list outlives its job.
package broadcast

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"extractd/internal/config"
)

// Event is one progress or terminal notification for a job.
type Event struct {
	JobID            string    `json:"jobId"`
	Status           string    `json:"status,omitempty"`
	Progress         int       `json:"progress"`
	CurrentStep      string    `json:"currentStep,omitempty"`
	TotalSteps       int       `json:"totalSteps,omitempty"`
	RecordsProcessed int       `json:"recordsProcessed"`
	ErrorMessage     string    `json:"errorMessage,omitempty"`
	Terminal         bool      `json:"terminal,omitempty"`
	Heartbeat        bool      `json:"heartbeat,omitempty"`
	Time             time.Time `json:"time"`
}

// Config holds configuration for the broadcaster.
type Config struct {
	HeartbeatInterval time.Duration // idle keep-alive period on push subscriptions
	SubscriberBuffer  int           // per-subscriber channel capacity
}

// LoadConfigFromEnv loads broadcaster configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		HeartbeatInterval: config.GetDurationEnv("BROADCAST_HEARTBEAT_INTERVAL", 30*time.Second),
		SubscriberBuffer:  config.GetIntEnv("BROADCAST_SUBSCRIBER_BUFFER", 64),
	}
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 64
	}
	return c
}

// MetricsRecorder is an optional interface for recording broadcast metrics.
type MetricsRecorder interface {
	RecordBroadcastPublished(terminal bool)
	RecordBroadcastDropped()
	RecordBroadcastSubscribers(delta int64)
}

type topic struct {
	subs         map[int]chan Event
	nextSubID    int
	last         Event
	hasLast      bool
	lastActivity time.Time
}

// Broadcaster is a per-job publish/subscribe hub.
type Broadcaster struct {
	cfg     Config
	logger  *slog.Logger
	metrics MetricsRecorder

	mu     sync.Mutex
	topics map[string]*topic

	published atomic.Int64
	dropped   atomic.Int64

	shutdown chan struct{}
	closed   atomic.Bool
}

// New creates a broadcaster and starts its heartbeat loop.
func New(cfg Config, metrics MetricsRecorder) *Broadcaster {
	b := &Broadcaster{
		cfg:      cfg.withDefaults(),
		logger:   slog.With("component", "broadcast"),
		metrics:  metrics,
		topics:   make(map[string]*topic),
		shutdown: make(chan struct{}),
	}
	go b.heartbeatLoop()
	return b
}

// Subscribe registers a subscriber for jobID. The latest known event for the
// job, if any, is replayed immediately so new subscribers see the current
// state without waiting for the next update. The returned cancel func is
// idempotent and releases the subscription.
func (b *Broadcaster) Subscribe(jobID string) (<-chan Event, func()) {
	ch := make(chan Event, b.cfg.SubscriberBuffer)

	b.mu.Lock()
	t, ok := b.topics[jobID]
	if !ok {
		t = &topic{subs: make(map[int]chan Event), lastActivity: time.Now()}
		b.topics[jobID] = t
	}
	id := t.nextSubID
	t.nextSubID++
	t.subs[id] = ch
	if t.hasLast {
		ch <- t.last // buffered, cannot block: channel is fresh
	}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.RecordBroadcastSubscribers(1)
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if t, ok := b.topics[jobID]; ok {
				if _, live := t.subs[id]; live {
					delete(t.subs, id)
					close(ch)
				}
				if len(t.subs) == 0 && !t.hasLast {
					delete(b.topics, jobID)
				}
			}
			b.mu.Unlock()
			if b.metrics != nil {
				b.metrics.RecordBroadcastSubscribers(-1)
			}
		})
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber of its job, in emission order.
// Progress never decreases within a job: stale percentages are raised to the
// last published value. A terminal event closes all subscriptions for the
// job and removes the topic.
func (b *Broadcaster) Publish(ev Event) {
	if b.closed.Load() {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.Lock()
	t, ok := b.topics[ev.JobID]
	if !ok {
		t = &topic{subs: make(map[int]chan Event)}
		b.topics[ev.JobID] = t
	}
	if t.hasLast && ev.Progress < t.last.Progress {
		ev.Progress = t.last.Progress
	}
	t.last = ev
	t.hasLast = true
	t.lastActivity = time.Now()

	for id, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber: drop rather than stall the job pipeline.
			b.dropped.Add(1)
			if b.metrics != nil {
				b.metrics.RecordBroadcastDropped()
			}
			b.logger.Warn("Event dropped, subscriber buffer full", "jobId", ev.JobID, "subscriber", id)
		}
	}

	if ev.Terminal {
		for _, ch := range t.subs {
			close(ch)
		}
		delete(b.topics, ev.JobID)
	}
	b.mu.Unlock()

	b.published.Add(1)
	if b.metrics != nil {
		b.metrics.RecordBroadcastPublished(ev.Terminal)
	}
}

// heartbeatLoop emits keep-alives on topics with no recent activity so push
// subscribers can tell a dead connection from a silent stall.
func (b *Broadcaster) heartbeatLoop() {
	ticker := time.NewTicker(b.cfg.HeartbeatInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-b.shutdown:
			return
		case now := <-ticker.C:
			b.mu.Lock()
			for jobID, t := range b.topics {
				if len(t.subs) == 0 || now.Sub(t.lastActivity) < b.cfg.HeartbeatInterval {
					continue
				}
				hb := Event{JobID: jobID, Heartbeat: true, Time: now.UTC()}
				if t.hasLast {
					hb.Status = t.last.Status
					hb.Progress = t.last.Progress
				}
				for _, ch := range t.subs {
					select {
					case ch <- hb:
					default:
					}
				}
				t.lastActivity = now
			}
			b.mu.Unlock()
		}
	}
}

// Stats returns published/dropped counters and the live topic count.
func (b *Broadcaster) Stats() (published, dropped int64, topics int) {
	b.mu.Lock()
	topics = len(b.topics)
	b.mu.Unlock()
	return b.published.Load(), b.dropped.Load(), topics
}

// Close stops the heartbeat loop and closes all remaining subscriptions.
func (b *Broadcaster) Close() {
	if b.closed.Swap(true) {
		return
	}
	close(b.shutdown)

	b.mu.Lock()
	for _, t := range b.topics {
		for _, ch := range t.subs {
			close(ch)
		}
	}
	b.topics = make(map[string]*topic)
	b.mu.Unlock()
}
