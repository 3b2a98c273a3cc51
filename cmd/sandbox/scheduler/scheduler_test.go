package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/moduly/moduly/common/config"
	"github.com/moduly/moduly/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.SandboxConfig {
	return config.SandboxConfig{
		MaxQueueSize:       100,
		PerTenantCap:       3,
		MinWorkers:         2,
		MaxWorkers:         2,
		TargetRPSPerWorker: 1000, // never triggers scale-up in tests
		EMAAlpha:           0.2,
		ScaleCooldown:      time.Hour,
		AgingTick:          time.Hour, // aging driven manually in tests
		AgingLowToNormal:   15 * time.Second,
		AgingNormalToHigh:  30 * time.Second,
		DefaultCPUSeconds:  10,
		MaxCPUSeconds:      60,
	}
}

// recordingExecutor notes dispatch order and simulates short executions.
type recordingExecutor struct {
	mu      sync.Mutex
	order   []string
	latency time.Duration
}

func (e *recordingExecutor) Execute(_ context.Context, job *Job) *Result {
	e.mu.Lock()
	e.order = append(e.order, job.TenantID)
	e.mu.Unlock()
	if e.latency > 0 {
		time.Sleep(e.latency)
	}
	return &Result{Success: true, Result: map[string]interface{}{"job": job.ID}}
}

func (e *recordingExecutor) dispatched() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}

func newTestScheduler(cfg config.SandboxConfig, exec Executor) *Scheduler {
	return New(&Opts{
		Config:   cfg,
		Executor: exec,
		Logger:   logger.New("error", "text"),
	})
}

func TestFairDispatchInterleavesTenants(t *testing.T) {
	exec := &recordingExecutor{latency: 20 * time.Millisecond}
	s := newTestScheduler(testConfig(), exec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Queue all of A's jobs, then all of B's, before any worker runs.
	var wg sync.WaitGroup
	submit := func(tenant string, n int) {
		for i := 0; i < n; i++ {
			wg.Add(1)
			job := &Job{
				ID:       fmt.Sprintf("%s-%d", tenant, i),
				Code:     "run()",
				Priority: PriorityNormal,
				TenantID: tenant,
			}
			go func() {
				defer wg.Done()
				_, err := s.Submit(ctx, job)
				assert.NoError(t, err)
			}()
		}
	}
	submit("tenant-a", 10)
	require.Eventually(t, func() bool {
		return s.Stats().TotalDepth == 10
	}, 2*time.Second, 5*time.Millisecond)
	submit("tenant-b", 10)
	require.Eventually(t, func() bool {
		return s.Stats().TotalDepth == 20
	}, 2*time.Second, 5*time.Millisecond)

	go s.Start(ctx)
	wg.Wait()

	order := exec.dispatched()
	require.Len(t, order, 20)

	countA, countB := 0, 0
	for _, tenant := range order[:6] {
		switch tenant {
		case "tenant-a":
			countA++
		case "tenant-b":
			countB++
		}
	}
	assert.Equal(t, 3, countA, "first six dispatches: %v", order[:6])
	assert.Equal(t, 3, countB, "first six dispatches: %v", order[:6])
}

func TestBackpressureRejectsWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 1
	s := newTestScheduler(cfg, &recordingExecutor{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// No workers running: the first job parks in the queue.
	go s.Submit(ctx, &Job{ID: "first", Code: "x", Priority: PriorityNormal, TenantID: "a"})
	require.Eventually(t, func() bool {
		return s.Stats().TotalDepth == 1
	}, time.Second, 5*time.Millisecond)

	_, err := s.Submit(ctx, &Job{ID: "second", Code: "x", Priority: PriorityNormal, TenantID: "b"})
	assert.ErrorIs(t, err, ErrOverloaded)
}

func TestPerTenantCapSkipsToNextTenant(t *testing.T) {
	s := newTestScheduler(testConfig(), &recordingExecutor{})
	now := time.Now()

	older := &Job{ID: "a-1", TenantID: "tenant-a", Priority: PriorityNormal, enqueuedAt: now.Add(-time.Minute)}
	newer := &Job{ID: "b-1", TenantID: "tenant-b", Priority: PriorityNormal, enqueuedAt: now}
	s.buckets[PriorityNormal].push(older, now)
	s.buckets[PriorityNormal].push(newer, now)
	s.inFlight["tenant-a"] = s.cfg.PerTenantCap

	got := s.dispatchLocked(now)
	require.NotNil(t, got)
	assert.Equal(t, "b-1", got.ID, "capped tenant must be skipped, not block the bucket")

	// The capped tenant's job stays queued for later.
	assert.Equal(t, 1, s.buckets[PriorityNormal].depth())
}

func TestAgingPromotesOneLevelPerTick(t *testing.T) {
	s := newTestScheduler(testConfig(), &recordingExecutor{})
	now := time.Now()

	job := &Job{ID: "starved", TenantID: "t", Priority: PriorityLow, enqueuedAt: now.Add(-31 * time.Second)}
	s.buckets[PriorityLow].push(job, now)

	s.age(now)
	assert.Equal(t, 0, s.buckets[PriorityLow].depth())
	assert.Equal(t, 1, s.buckets[PriorityNormal].depth(), "one tick moves LOW to NORMAL only")
	assert.Equal(t, PriorityNormal, job.Priority)

	s.age(now)
	assert.Equal(t, 0, s.buckets[PriorityNormal].depth())
	assert.Equal(t, 1, s.buckets[PriorityHigh].depth(), "next tick finishes the climb to HIGH")

	// Once in HIGH it dispatches ahead of fresh NORMAL arrivals.
	fresh := &Job{ID: "fresh", TenantID: "u", Priority: PriorityNormal, enqueuedAt: now}
	s.buckets[PriorityNormal].push(fresh, now)
	got := s.dispatchLocked(now)
	require.NotNil(t, got)
	assert.Equal(t, "starved", got.ID)
}

func TestHighPriorityDispatchesFirst(t *testing.T) {
	s := newTestScheduler(testConfig(), &recordingExecutor{})
	now := time.Now()

	s.buckets[PriorityLow].push(&Job{ID: "low", TenantID: "t", Priority: PriorityLow, enqueuedAt: now}, now)
	s.buckets[PriorityHigh].push(&Job{ID: "high", TenantID: "t", Priority: PriorityHigh, enqueuedAt: now}, now)

	got := s.dispatchLocked(now)
	require.NotNil(t, got)
	assert.Equal(t, "high", got.ID)
}

func TestBucketRoundRobinRotates(t *testing.T) {
	b := newBucket()
	now := time.Now()
	for i := 0; i < 2; i++ {
		b.push(&Job{ID: fmt.Sprintf("a-%d", i), TenantID: "a"}, now)
		b.push(&Job{ID: fmt.Sprintf("b-%d", i), TenantID: "b"}, now)
	}

	all := func(string) bool { return true }
	var ids []string
	for {
		job := b.pop(now, all)
		if job == nil {
			break
		}
		ids = append(ids, job.ID)
	}
	assert.Equal(t, []string{"a-0", "b-0", "a-1", "b-1"}, ids)
}

func TestAdvisorSuggestsFromHistory(t *testing.T) {
	a := NewAdvisor(10)

	assert.Equal(t, PriorityNormal, a.Suggest("unseen"), "no history defaults to normal")

	a.Record("fast", 100*time.Millisecond)
	a.Record("fast", 200*time.Millisecond)
	assert.Equal(t, PriorityHigh, a.Suggest("fast"))

	a.Record("slow", 3*time.Second)
	assert.Equal(t, PriorityLow, a.Suggest("slow"))

	a.Record("medium", time.Second)
	assert.Equal(t, PriorityNormal, a.Suggest("medium"))
}

func TestAdvisorEvictsOldestQuarter(t *testing.T) {
	a := NewAdvisor(8)
	for i := 0; i < 9; i++ {
		a.Record(fmt.Sprintf("code-%d", i), time.Second)
	}
	assert.LessOrEqual(t, a.Size(), 8, "overflow must trigger eviction")
}

func TestSubmitClampsTimeout(t *testing.T) {
	exec := &recordingExecutor{}
	s := newTestScheduler(testConfig(), exec)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	job := &Job{ID: "j", Code: "x", Priority: PriorityNormal, TenantID: "t", Timeout: time.Hour}
	_, err := s.Submit(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, job.Timeout)

	job = &Job{ID: "k", Code: "x", Priority: PriorityNormal, TenantID: "t"}
	_, err = s.Submit(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, job.Timeout)
}
