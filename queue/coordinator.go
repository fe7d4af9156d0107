package queue

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jupark12/build-broker/models"
)

// DefaultUpdateBuffer is the capacity of the channel returned by Updates.
const DefaultUpdateBuffer = 100

// Stats summarizes the coordinator's view of the job lifecycle.
type Stats struct {
	Pending   int
	Active    int
	Completed int
	Failed    int
}

// Coordinator enforces the job state machine on top of a JobQueue and a
// JobRegistry. It is safe for concurrent use by request handlers.
//
// Lock discipline: every method takes at most one structure lock at a time and
// performs no I/O while holding it.
type Coordinator struct {
	queue    *JobQueue
	registry *JobRegistry
	logger   *zap.Logger
	strict   bool
	now      func() time.Time
	updates  chan models.JobRecord

	historyLimit int
	updateBuffer int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithStrictCompletion rejects completion reports for unknown job ids.
func WithStrictCompletion(strict bool) Option {
	return func(c *Coordinator) { c.strict = strict }
}

// WithHistoryLimit caps the number of finished jobs retained.
func WithHistoryLimit(limit int) Option {
	return func(c *Coordinator) { c.historyLimit = limit }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithUpdateBuffer sets the capacity of the Updates channel.
func WithUpdateBuffer(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.updateBuffer = n
		}
	}
}

// NewCoordinator creates a coordinator with an empty queue and registry
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		logger:       zap.NewNop(),
		now:          func() time.Time { return time.Now().UTC() },
		updateBuffer: DefaultUpdateBuffer,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.queue = NewJobQueue()
	c.registry = NewJobRegistry(c.historyLimit)
	c.updates = make(chan models.JobRecord, c.updateBuffer)
	return c
}

// Enqueue registers a freshly built pending record and makes it claimable.
//
// The record is installed in the registry and its pending update emitted
// before it is pushed, so a concurrent ClaimNext can never pop an id the
// registry does not know or publish the active update first.
func (c *Coordinator) Enqueue(rec models.JobRecord) error {
	if strings.TrimSpace(rec.JobID) == "" {
		return fmt.Errorf("%w: job_id is required", ErrInvalidJob)
	}
	if rec.State != models.StatePending {
		return fmt.Errorf("%w: %s has state %q, want %q", ErrInvalidJob, rec.JobID, rec.State, models.StatePending)
	}
	if rec.OutputRef != "" || rec.ErrorDetail != "" || rec.CompletedAt != nil {
		return fmt.Errorf("%w: %s carries a result before it ran", ErrInvalidJob, rec.JobID)
	}
	if rec.SubmittedAt.IsZero() {
		rec.SubmittedAt = c.now()
	}

	if err := c.registry.Insert(rec); err != nil {
		return err
	}
	c.emit(rec)
	c.queue.Push(rec.JobID)

	c.logger.Info("Job queued",
		zap.String("job_id", rec.JobID),
		zap.String("build_mode", rec.BuildMode),
		zap.String("requester", rec.Requester))
	return nil
}

// ClaimNext hands the oldest pending job to a worker. ok is false when no
// job is pending; that is a normal result, not an error.
func (c *Coordinator) ClaimNext(workerID string) (models.JobRecord, bool) {
	for {
		jobID, ok := c.queue.PopFront()
		if !ok {
			return models.JobRecord{}, false
		}

		rec, err := c.registry.MarkActive(jobID, workerID, c.now())
		if err != nil {
			// The id left the queue for good; skip it rather than dispatch a
			// record that is not pending.
			c.logger.Warn("Skipping unclaimable job",
				zap.String("job_id", jobID),
				zap.Error(err))
			continue
		}

		c.logger.Info("Job dispatched",
			zap.String("job_id", rec.JobID),
			zap.String("worker_id", workerID))
		c.emit(rec)
		return rec, true
	}
}

// Complete records a worker's completion report.
func (c *Coordinator) Complete(report models.CompletionReport) (models.JobRecord, error) {
	if strings.TrimSpace(report.JobID) == "" {
		return models.JobRecord{}, fmt.Errorf("%w: job_id is required", ErrInvalidJob)
	}

	rec, err := c.registry.Finish(report, c.now(), c.strict)
	if err != nil {
		return models.JobRecord{}, err
	}

	fields := []zap.Field{
		zap.String("job_id", rec.JobID),
		zap.String("state", string(rec.State)),
		zap.String("requester", rec.Requester),
	}
	if rec.State == models.StateFailed {
		c.logger.Warn("Job failed", append(fields, zap.String("error", rec.ErrorDetail))...)
	} else {
		c.logger.Info("Job completed", append(fields, zap.String("output_url", rec.OutputRef))...)
	}
	c.emit(rec)
	return rec, nil
}

// ExpireLeases fails every active job claimed more than timeout ago. A
// non-positive timeout disables expiry.
func (c *Coordinator) ExpireLeases(timeout time.Duration) []models.JobRecord {
	if timeout <= 0 {
		return nil
	}

	now := c.now()
	expired := c.registry.ExpireActive(now.Add(-timeout), now)
	for _, rec := range expired {
		c.logger.Warn("Job lease expired",
			zap.String("job_id", rec.JobID),
			zap.String("worker_id", rec.ClaimedBy))
		c.emit(rec)
	}
	return expired
}

// GetHistory returns the requester's completed and failed jobs in the order
// they finished.
func (c *Coordinator) GetHistory(requester string) []models.JobRecord {
	return c.registry.History(requester)
}

// GetJob retrieves a job by ID
func (c *Coordinator) GetJob(jobID string) (models.JobRecord, error) {
	return c.registry.Get(jobID)
}

// PendingCount returns the number of jobs waiting for a worker
func (c *Coordinator) PendingCount() int {
	return c.queue.Len()
}

// Stats returns per-state counters
func (c *Coordinator) Stats() Stats {
	counts := c.registry.Counts()
	return Stats{
		Pending:   counts[models.StatePending],
		Active:    counts[models.StateActive],
		Completed: counts[models.StateCompleted],
		Failed:    counts[models.StateFailed],
	}
}

// Updates returns the channel on which every state transition is published.
func (c *Coordinator) Updates() <-chan models.JobRecord {
	return c.updates
}

func (c *Coordinator) emit(rec models.JobRecord) {
	select {
	case c.updates <- rec:
	default:
		c.logger.Warn("Dropping job update, channel full",
			zap.String("job_id", rec.JobID),
			zap.String("state", string(rec.State)))
	}
}
