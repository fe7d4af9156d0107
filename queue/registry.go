package queue

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jupark12/build-broker/models"
)

// LeaseExpiredDetail is the error detail recorded on jobs failed by the lease reaper.
const LeaseExpiredDetail = "lease expired"

// JobRegistry is the authoritative record of every job the broker knows about.
//
// history holds terminal records in the order they finished; the same pointers
// are indexed by jobs. evicted remembers ids dropped by the history cap so
// they can never be reused or finished again. Callers only ever receive copies.
type JobRegistry struct {
	mu           sync.RWMutex
	jobs         map[string]*models.JobRecord
	evicted      map[string]struct{}
	active       map[string]struct{}
	history      []*models.JobRecord
	counts       map[models.JobState]int
	historyLimit int
}

// NewJobRegistry creates an empty registry. A positive historyLimit caps the
// number of terminal records retained; zero keeps everything.
func NewJobRegistry(historyLimit int) *JobRegistry {
	if historyLimit < 0 {
		historyLimit = 0
	}
	return &JobRegistry{
		jobs:         make(map[string]*models.JobRecord),
		evicted:      make(map[string]struct{}),
		active:       make(map[string]struct{}),
		history:      make([]*models.JobRecord, 0),
		counts:       make(map[models.JobState]int),
		historyLimit: historyLimit,
	}
}

// Insert stores a new record. It never overwrites an existing id.
func (r *JobRegistry) Insert(rec models.JobRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[rec.JobID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, rec.JobID)
	}
	if _, gone := r.evicted[rec.JobID]; gone {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, rec.JobID)
	}

	stored := rec.Clone()
	r.jobs[rec.JobID] = &stored
	r.counts[stored.State]++
	return nil
}

// MarkActive moves a pending job into the active set
func (r *JobRegistry) MarkActive(jobID, workerID string, at time.Time) (models.JobRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.jobs[jobID]
	if !exists {
		return models.JobRecord{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if rec.State != models.StatePending {
		return models.JobRecord{}, fmt.Errorf("%w: %s is %s", ErrJobNotActive, jobID, rec.State)
	}

	r.counts[rec.State]--
	rec.State = models.StateActive
	rec.ClaimedBy = workerID
	claimedAt := at
	rec.ClaimedAt = &claimedAt
	r.counts[rec.State]++
	r.active[jobID] = struct{}{}

	return rec.Clone(), nil
}

// Finish records the outcome of an active job.
//
// A report for an id the registry has never seen is rejected with
// ErrUnknownJob when strict is set; otherwise it is recorded under
// models.UnknownRequester so orphaned reports stay visible.
func (r *JobRegistry) Finish(report models.CompletionReport, at time.Time, strict bool) (models.JobRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.jobs[report.JobID]
	if _, gone := r.evicted[report.JobID]; gone {
		return models.JobRecord{}, fmt.Errorf("%w: %s already finished", ErrJobNotActive, report.JobID)
	}
	if !exists {
		if strict {
			return models.JobRecord{}, fmt.Errorf("%w: %s", ErrUnknownJob, report.JobID)
		}
		rec = &models.JobRecord{
			JobID:       report.JobID,
			Requester:   models.UnknownRequester,
			State:       models.StateActive,
			ClaimedBy:   report.WorkerID,
			SubmittedAt: at,
		}
		r.jobs[report.JobID] = rec
		r.counts[rec.State]++
	} else if rec.State != models.StateActive {
		return models.JobRecord{}, fmt.Errorf("%w: %s is %s", ErrJobNotActive, report.JobID, rec.State)
	}

	r.finishLocked(rec, report.FinalState(), report.OutputRef, report.ErrorDetail, at)
	out := rec.Clone()
	r.evictLocked()
	return out, nil
}

func (r *JobRegistry) finishLocked(rec *models.JobRecord, state models.JobState, outputRef, errorDetail string, at time.Time) {
	r.counts[rec.State]--
	rec.State = state
	completedAt := at
	rec.CompletedAt = &completedAt
	if state == models.StateCompleted {
		rec.OutputRef = outputRef
		rec.ErrorDetail = ""
	} else {
		rec.OutputRef = ""
		rec.ErrorDetail = errorDetail
	}
	r.counts[rec.State]++

	delete(r.active, rec.JobID)
	r.history = append(r.history, rec)
}

// evictLocked drops the oldest terminal records beyond historyLimit.
func (r *JobRegistry) evictLocked() {
	if r.historyLimit == 0 || len(r.history) <= r.historyLimit {
		return
	}

	drop := len(r.history) - r.historyLimit
	for _, rec := range r.history[:drop] {
		delete(r.jobs, rec.JobID)
		r.evicted[rec.JobID] = struct{}{}
		r.counts[rec.State]--
	}
	r.history = append(make([]*models.JobRecord, 0, r.historyLimit), r.history[drop:]...)
}

// ExpireActive fails every active job claimed before cutoff
func (r *JobRegistry) ExpireActive(cutoff, at time.Time) []models.JobRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	stale := make([]*models.JobRecord, 0)
	for id := range r.active {
		rec := r.jobs[id]
		if rec.ClaimedAt != nil && rec.ClaimedAt.Before(cutoff) {
			stale = append(stale, rec)
		}
	}
	if len(stale) == 0 {
		return nil
	}

	sort.Slice(stale, func(i, j int) bool {
		return stale[i].ClaimedAt.Before(*stale[j].ClaimedAt)
	})

	expired := make([]models.JobRecord, 0, len(stale))
	for _, rec := range stale {
		r.finishLocked(rec, models.StateFailed, "", LeaseExpiredDetail, at)
		expired = append(expired, rec.Clone())
	}
	r.evictLocked()
	return expired
}

// Get returns a copy of the record for jobID
func (r *JobRegistry) Get(jobID string) (models.JobRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.jobs[jobID]
	if !exists {
		return models.JobRecord{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return rec.Clone(), nil
}

// IsActive reports whether jobID is in the active set
func (r *JobRegistry) IsActive(jobID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.active[jobID]
	return ok
}

// History returns the requester's finished jobs, oldest completion first
func (r *JobRegistry) History(requester string) []models.JobRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	jobs := make([]models.JobRecord, 0)
	for _, rec := range r.history {
		if rec.Requester == requester {
			jobs = append(jobs, rec.Clone())
		}
	}
	return jobs
}

// Counts returns the number of records in each state
func (r *JobRegistry) Counts() map[models.JobState]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[models.JobState]int, len(r.counts))
	for state, n := range r.counts {
		out[state] = n
	}
	return out
}
