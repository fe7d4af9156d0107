package queue

import "sync"

// JobQueue holds the ids of jobs waiting for a worker, in submission order
type JobQueue struct {
	mu      sync.Mutex
	pending []string
}

// NewJobQueue creates an empty queue
func NewJobQueue() *JobQueue {
	return &JobQueue{pending: make([]string, 0)}
}

// Push appends a job id to the tail of the queue
func (q *JobQueue) Push(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending = append(q.pending, jobID)
}

// PopFront removes and returns the head of the queue. ok is false when the
// queue is empty.
func (q *JobQueue) PopFront() (jobID string, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return "", false
	}

	jobID = q.pending[0]
	q.pending[0] = ""
	q.pending = q.pending[1:]
	return jobID, true
}

// Len returns the number of queued ids
func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.pending)
}

// Snapshot returns a copy of the queued ids, head first
func (q *JobQueue) Snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]string, len(q.pending))
	copy(ids, q.pending)
	return ids
}
