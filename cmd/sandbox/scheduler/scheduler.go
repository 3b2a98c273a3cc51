package scheduler

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/moduly/moduly/common/config"
	"github.com/moduly/moduly/common/logger"
)

// PriorityUnspecified lets the advisor pick the bucket from execution
// history.
const PriorityUnspecified Priority = -1

const (
	dispatchPoll = 50 * time.Millisecond
	scaleTick    = time.Second
	tenantIdle   = 5 * time.Minute
)

// Executor runs one job to completion. Failures are folded into the
// Result so the scheduler treats every execution uniformly.
type Executor interface {
	Execute(ctx context.Context, job *Job) *Result
}

// Scheduler multiplexes jobs from the feedback queue onto an autoscaled
// worker pool. One lock guards all queue state; workers block on a wake
// signal when the queue is empty.
type Scheduler struct {
	cfg      config.SandboxConfig
	executor Executor
	advisor  *Advisor
	log      *logger.Logger
	metrics  *Metrics

	mu         sync.Mutex
	buckets    [numPriorities]*bucket
	inFlight   map[string]int
	running    int
	totalDepth int
	workers    []chan struct{}
	lastBusy   time.Time
	lastScale  time.Time

	wake chan struct{}

	arrivalMu sync.Mutex
	arrivals  int
	ema       float64
}

// Opts configures the scheduler.
type Opts struct {
	Config   config.SandboxConfig
	Executor Executor
	Advisor  *Advisor
	Logger   *logger.Logger
	Metrics  *Metrics
}

// New creates a scheduler. Start must be called before Submit.
func New(opts *Opts) *Scheduler {
	s := &Scheduler{
		cfg:      opts.Config,
		executor: opts.Executor,
		advisor:  opts.Advisor,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		inFlight: make(map[string]int),
		wake:     make(chan struct{}, 1),
		lastBusy: time.Now(),
	}
	if s.advisor == nil {
		s.advisor = NewAdvisor(0)
	}
	for i := range s.buckets {
		s.buckets[i] = newBucket()
	}
	return s
}

// Start spawns the minimum worker pool plus the aging and scaling
// tickers, then blocks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	for i := 0; i < s.cfg.MinWorkers; i++ {
		s.spawnWorkerLocked(ctx)
	}
	s.mu.Unlock()

	s.log.Info("sandbox scheduler started",
		"min_workers", s.cfg.MinWorkers, "max_workers", s.cfg.MaxWorkers,
		"per_tenant_cap", s.cfg.PerTenantCap, "max_queue", s.cfg.MaxQueueSize)

	aging := time.NewTicker(s.cfg.AgingTick)
	defer aging.Stop()
	scale := time.NewTicker(scaleTick)
	defer scale.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-aging.C:
			s.age(time.Now())
		case <-scale.C:
			s.rescale(ctx, time.Now())
		}
	}
}

// Submit enqueues a job and blocks until it completes or ctx expires.
// Jobs with PriorityUnspecified are classified by the advisor.
func (s *Scheduler) Submit(ctx context.Context, job *Job) (*Result, error) {
	if job.Priority == PriorityUnspecified {
		job.Priority = s.advisor.Suggest(job.Code)
	}
	if !job.Priority.Valid() {
		job.Priority = PriorityNormal
	}
	if job.Timeout <= 0 {
		job.Timeout = time.Duration(s.cfg.DefaultCPUSeconds) * time.Second
	}
	if max := time.Duration(s.cfg.MaxCPUSeconds) * time.Second; job.Timeout > max {
		job.Timeout = max
	}

	now := time.Now()
	job.enqueuedAt = now
	job.done = make(chan *Result, 1)

	s.mu.Lock()
	if s.totalDepth >= s.cfg.MaxQueueSize {
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RejectedTotal.Inc()
		}
		return nil, ErrOverloaded
	}
	s.buckets[job.Priority].push(job, now)
	s.totalDepth++
	s.mu.Unlock()

	s.recordArrival()
	s.signal()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-job.done:
		return res, nil
	}
}

// Snapshot reports live queue state for the metrics endpoint.
type Snapshot struct {
	QueueDepths map[string]int `json:"queue_depths"`
	TotalDepth  int            `json:"total_depth"`
	Running     int            `json:"running"`
	Workers     int            `json:"workers"`
	EMARPS      float64        `json:"ema_rps"`
	HistorySize int            `json:"history_size"`
}

// Stats returns a point-in-time snapshot.
func (s *Scheduler) Stats() Snapshot {
	s.arrivalMu.Lock()
	ema := s.ema
	s.arrivalMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	depths := make(map[string]int, numPriorities)
	for p, b := range s.buckets {
		depths[Priority(p).String()] = b.depth()
	}
	return Snapshot{
		QueueDepths: depths,
		TotalDepth:  s.totalDepth,
		Running:     s.running,
		Workers:     len(s.workers),
		EMARPS:      ema,
		HistorySize: s.advisor.Size(),
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) recordArrival() {
	s.arrivalMu.Lock()
	s.arrivals++
	s.arrivalMu.Unlock()
}

// spawnWorkerLocked starts one worker goroutine. Caller holds the lock.
func (s *Scheduler) spawnWorkerLocked(ctx context.Context) {
	stop := make(chan struct{})
	s.workers = append(s.workers, stop)
	go s.workerLoop(ctx, stop)
}

func (s *Scheduler) workerLoop(ctx context.Context, stop chan struct{}) {
	for {
		job := s.next(ctx, stop)
		if job == nil {
			return
		}
		s.run(ctx, job)
	}
}

// next blocks until a dispatchable job exists or the worker is retired.
func (s *Scheduler) next(ctx context.Context, stop chan struct{}) *Job {
	for {
		s.mu.Lock()
		job := s.dispatchLocked(time.Now())
		if job != nil {
			s.inFlight[job.TenantID]++
			s.running++
			s.totalDepth--
			s.lastBusy = time.Now()
			s.mu.Unlock()
			return job
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		case <-s.wake:
		case <-time.After(dispatchPoll):
		}
	}
}

// dispatchLocked scans HIGH, NORMAL, LOW and pops the next tenant's
// oldest job, skipping tenants at the in-flight cap.
func (s *Scheduler) dispatchLocked(now time.Time) *Job {
	eligible := func(tenant string) bool {
		return s.inFlight[tenant] < s.cfg.PerTenantCap
	}
	for _, b := range s.buckets {
		if job := b.pop(now, eligible); job != nil {
			return job
		}
	}
	return nil
}

func (s *Scheduler) run(ctx context.Context, job *Job) {
	start := time.Now()
	res := s.executor.Execute(ctx, job)
	elapsed := time.Since(start)

	s.advisor.Record(job.Code, elapsed)
	if s.metrics != nil {
		s.metrics.ObserveExecution(res, elapsed, job.WaitTime(start))
	}

	s.mu.Lock()
	s.inFlight[job.TenantID]--
	if s.inFlight[job.TenantID] <= 0 {
		delete(s.inFlight, job.TenantID)
	}
	s.running--
	s.mu.Unlock()

	job.done <- res
	s.signal()
}

// age promotes starved jobs across buckets. NORMAL drains before LOW
// promotions land so a freshly promoted job cannot skip a level.
func (s *Scheduler) age(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	toHigh := s.buckets[PriorityNormal].drainOlderThan(now, s.cfg.AgingNormalToHigh)
	for _, job := range toHigh {
		job.Priority = PriorityHigh
		s.buckets[PriorityHigh].push(job, now)
	}
	toNormal := s.buckets[PriorityLow].drainOlderThan(now, s.cfg.AgingLowToNormal)
	for _, job := range toNormal {
		job.Priority = PriorityNormal
		s.buckets[PriorityNormal].push(job, now)
	}
	if len(toHigh)+len(toNormal) > 0 {
		s.log.Debug("aging promoted jobs", "to_high", len(toHigh), "to_normal", len(toNormal))
		s.signal()
	}

	for _, b := range s.buckets {
		b.evictIdle(now, tenantIdle)
	}
}

// rescale recomputes the EMA of arrivals per second and adjusts the
// worker pool. Scale-up is eager; scale-down waits out the cooldown and
// requires an idle pool.
func (s *Scheduler) rescale(ctx context.Context, now time.Time) {
	s.arrivalMu.Lock()
	instant := float64(s.arrivals) / scaleTick.Seconds()
	s.arrivals = 0
	s.ema = s.cfg.EMAAlpha*instant + (1-s.cfg.EMAAlpha)*s.ema
	ema := s.ema
	s.arrivalMu.Unlock()

	target := int(math.Ceil(ema / s.cfg.TargetRPSPerWorker))
	if target < s.cfg.MinWorkers {
		target = s.cfg.MinWorkers
	}
	if target > s.cfg.MaxWorkers {
		target = s.cfg.MaxWorkers
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := len(s.workers)
	switch {
	case target > current:
		for i := current; i < target; i++ {
			s.spawnWorkerLocked(ctx)
		}
		s.lastScale = now
		s.log.Info("scaled workers up", "from", current, "to", target, "ema_rps", ema)
	case target < current:
		if s.running > 0 || now.Sub(s.lastBusy) < s.cfg.ScaleCooldown || now.Sub(s.lastScale) < s.cfg.ScaleCooldown {
			return
		}
		stop := s.workers[len(s.workers)-1]
		s.workers = s.workers[:len(s.workers)-1]
		close(stop)
		s.lastScale = now
		s.log.Info("scaled workers down", "from", current, "to", current-1, "ema_rps", ema)
	}
	if s.metrics != nil {
		s.metrics.SetPoolState(len(s.workers), ema)
	}
}
