package scheduler

import (
	"time"
)

// tenantQueue is one tenant's FIFO within a bucket.
type tenantQueue struct {
	jobs       []*Job
	lastActive time.Time
}

// bucket is one priority level: per-tenant FIFOs plus a round-robin
// cursor over tenant names. Callers hold the scheduler lock.
type bucket struct {
	tenants map[string]*tenantQueue
	order   []string
	cursor  int
}

func newBucket() *bucket {
	return &bucket{tenants: make(map[string]*tenantQueue)}
}

func (b *bucket) push(job *Job, now time.Time) {
	q, ok := b.tenants[job.TenantID]
	if !ok {
		q = &tenantQueue{}
		b.tenants[job.TenantID] = q
		b.order = append(b.order, job.TenantID)
	}
	q.jobs = append(q.jobs, job)
	q.lastActive = now
}

// pop returns the next job in round-robin tenant order, skipping
// tenants the eligible predicate rejects (at their in-flight cap).
// The cursor always advances past the chosen tenant so consecutive
// dispatches rotate even when one tenant has a deep queue.
func (b *bucket) pop(now time.Time, eligible func(tenant string) bool) *Job {
	n := len(b.order)
	for i := 0; i < n; i++ {
		idx := (b.cursor + i) % n
		tenant := b.order[idx]
		q := b.tenants[tenant]
		if len(q.jobs) == 0 || !eligible(tenant) {
			continue
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.lastActive = now
		b.cursor = (idx + 1) % n
		return job
	}
	return nil
}

// drainOlderThan removes and returns jobs that have waited at least
// maxAge. Used by the aging tick to promote across buckets.
func (b *bucket) drainOlderThan(now time.Time, maxAge time.Duration) []*Job {
	var promoted []*Job
	for _, q := range b.tenants {
		kept := q.jobs[:0]
		for _, job := range q.jobs {
			if job.WaitTime(now) >= maxAge {
				promoted = append(promoted, job)
			} else {
				kept = append(kept, job)
			}
		}
		q.jobs = kept
	}
	return promoted
}

// evictIdle drops tenants with empty queues idle past the threshold,
// keeping the round-robin order slice compact.
func (b *bucket) evictIdle(now time.Time, idle time.Duration) {
	kept := b.order[:0]
	for _, tenant := range b.order {
		q := b.tenants[tenant]
		if len(q.jobs) == 0 && now.Sub(q.lastActive) > idle {
			delete(b.tenants, tenant)
			continue
		}
		kept = append(kept, tenant)
	}
	b.order = kept
	if len(b.order) == 0 {
		b.cursor = 0
	} else {
		b.cursor %= len(b.order)
	}
}

func (b *bucket) depth() int {
	total := 0
	for _, q := range b.tenants {
		total += len(q.jobs)
	}
	return total
}
