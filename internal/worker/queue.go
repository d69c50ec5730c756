package worker

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/sentrix/scan-engine/pkg/models"
)

// Queue is the bounded buffer between event producers (watcher, API) and
// the scan workers. Enqueue never blocks: overflow drops the job and
// counts it.
type Queue struct {
	ch      chan models.ScanJob
	dropped atomic.Int64
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 2000
	}
	return &Queue{ch: make(chan models.ScanJob, capacity)}
}

// Enqueue offers one job. Returns false when the queue is full.
func (q *Queue) Enqueue(job models.ScanJob) bool {
	select {
	case q.ch <- job:
		return true
	default:
		n := q.dropped.Add(1)
		log.Printf("[Queue] Full, dropping scan job for %s (%d dropped total)", job.Path, n)
		return false
	}
}

// Dequeue waits up to timeout for a job.
func (q *Queue) Dequeue(timeout time.Duration) (models.ScanJob, bool) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case job := <-q.ch:
		return job, true
	case <-t.C:
		return models.ScanJob{}, false
	}
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Dropped returns the overflow drop count.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}
