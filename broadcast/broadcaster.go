// Package broadcast fans live job log lines and status changes out to
// connected listeners.
//
// Delivery is best-effort and at-most-once: a listener whose buffer is full
// at publish time misses that event, and nothing is replayed to listeners
// that join later.
package broadcast

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jupark12/build-broker/models"
)

// DefaultBuffer is the per-subscriber channel capacity used when none is given.
const DefaultBuffer = 64

// Event types.
const (
	TypeLog       = "log"
	TypeJobUpdate = "job_update"
)

// Event is one message delivered to subscribers.
type Event struct {
	Type      string          `json:"type"`
	JobID     string          `json:"job_id"`
	Message   string          `json:"message,omitempty"`
	State     models.JobState `json:"status,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// JobUpdate builds the status event for a record.
func JobUpdate(rec models.JobRecord) Event {
	ev := Event{
		Type:      TypeJobUpdate,
		JobID:     rec.JobID,
		State:     rec.State,
		Timestamp: time.Now().UTC(),
	}
	if rec.State == models.StateFailed {
		ev.Error = rec.ErrorDetail
	}
	return ev
}

// Subscription is a registered listener.
type Subscription struct {
	id     uint64
	ch     chan Event
	closed bool
	b      *LogBroadcaster
}

// C returns the channel events are delivered on. It is closed on unsubscribe.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close unsubscribes s. Safe to call more than once.
func (s *Subscription) Close() {
	s.b.Unsubscribe(s)
}

// LogBroadcaster distributes events to every current subscriber.
type LogBroadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
	logger *zap.Logger
}

// New creates a broadcaster whose subscribers each get a channel of the given
// capacity.
func New(buffer int, logger *zap.Logger) *LogBroadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogBroadcaster{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers a new listener.
func (b *LogBroadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id: b.nextID,
		ch: make(chan Event, b.buffer),
		b:  b,
	}
	b.subs[sub.id] = sub

	b.logger.Debug("Log subscriber added",
		zap.Uint64("subscriber", sub.id),
		zap.Int("subscribers", len(b.subs)))
	return sub
}

// Unsubscribe removes the listener and closes its channel. Unknown or
// already removed subscriptions are ignored.
func (b *LogBroadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.closed {
		return
	}
	sub.closed = true
	delete(b.subs, sub.id)
	close(sub.ch)

	b.logger.Debug("Log subscriber removed",
		zap.Uint64("subscriber", sub.id),
		zap.Int("subscribers", len(b.subs)))
}

// Publish sends a log line tagged with jobID to every subscriber and returns
// how many received it.
func (b *LogBroadcaster) Publish(jobID, message string) int {
	return b.PublishEvent(Event{
		Type:      TypeLog,
		JobID:     jobID,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

// PublishEvent delivers ev to every subscriber with room in its buffer.
//
// Sends happen under the read lock and never block, so an Unsubscribe racing
// with a publish waits for it instead of closing a channel mid-send.
func (b *LogBroadcaster) PublishEvent(ev Event) int {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
			delivered++
		default:
			b.logger.Debug("Skipping slow log subscriber",
				zap.Uint64("subscriber", sub.id),
				zap.String("job_id", ev.JobID))
		}
	}
	return delivered
}

// Len returns the number of current subscribers.
func (b *LogBroadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subs)
}
