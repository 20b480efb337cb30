// Package pagination holds deferred follow-up page fetches in a FIFO queue
// deduplicated by (subject, page token).
package pagination

import (
	"sync"

	"github.com/cuongbtq/account-sync/internal/domain"
	"github.com/cuongbtq/account-sync/internal/metrics"
)

// Queue is a concurrency-safe FIFO of pagination jobs
type Queue struct {
	mu      sync.Mutex
	jobs    []domain.PaginationJob
	metrics *metrics.Collector
}

// NewQueue creates an empty queue
func NewQueue(collector *metrics.Collector) *Queue {
	return &Queue{metrics: collector}
}

// Enqueue appends job unless a job with the same subject and page token is
// already queued. It reports whether the job was added.
func (q *Queue) Enqueue(job domain.PaginationJob) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, queued := range q.jobs {
		if queued.SubjectID == job.SubjectID && queued.PageToken == job.PageToken {
			q.metrics.RecordPaginationJob("duplicate")
			return false
		}
	}

	q.jobs = append(q.jobs, job)
	q.metrics.RecordPaginationJob("enqueued")
	q.metrics.SetPaginationDepth(len(q.jobs))
	return true
}

// DequeueOne removes and returns the oldest job
func (q *Queue) DequeueOne() (domain.PaginationJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return domain.PaginationJob{}, false
	}

	job := q.jobs[0]
	q.jobs[0] = domain.PaginationJob{}
	q.jobs = q.jobs[1:]
	q.metrics.SetPaginationDepth(len(q.jobs))
	return job, true
}

// Size returns the number of queued jobs
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Snapshot returns a copy of the queued jobs in FIFO order
func (q *Queue) Snapshot() []domain.PaginationJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.PaginationJob(nil), q.jobs...)
}
