// Package service holds the gateway's run submission and deployment
// lookup logic.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/moduly/moduly/common/cache"
	"github.com/moduly/moduly/common/logger"
	"github.com/moduly/moduly/common/models"
	"github.com/moduly/moduly/common/queue"
	"github.com/moduly/moduly/common/ratelimit"
	"github.com/moduly/moduly/common/repository"
)

const slugCacheTTL = 30 * time.Second

// ErrPublicDenied means the anonymous run surface tried to execute an
// API-only deployment.
var ErrPublicDenied = fmt.Errorf("deployment is not publicly runnable")

// QuotaError reports an exhausted rate limit window.
type QuotaError struct {
	RetryAfterSeconds int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %ds", e.RetryAfterSeconds)
}

// DeploymentStore is the slice of the deployment repository the gateway
// needs.
type DeploymentStore interface {
	GetActiveBySlug(ctx context.Context, slug string) (*models.Deployment, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Deployment, error)
	UpdateGraph(ctx context.Context, id uuid.UUID, graph models.Graph) error
}

// RunStore reads persisted run state for the status endpoint.
type RunStore interface {
	GetByID(ctx context.Context, runID uuid.UUID) (*models.Run, error)
}

// Limiter is the tiered rate limiter surface. Nil disables quotas.
type Limiter interface {
	CheckGlobalLimit(ctx context.Context, limit int64) (*ratelimit.RateLimitResult, error)
	CheckTieredLimit(ctx context.Context, userID string, tier ratelimit.WorkflowTier) (*ratelimit.RateLimitResult, error)
}

// RunService validates run submissions and hands them to the broker.
type RunService struct {
	deployments DeploymentStore
	runs        RunStore
	queue       queue.Queue
	cache       cache.Cache
	limiter     Limiter
	log         *logger.Logger
}

// Opts configures the run service.
type Opts struct {
	Deployments DeploymentStore
	Runs        RunStore
	Queue       queue.Queue
	Cache       cache.Cache
	Limiter     Limiter
	Logger      *logger.Logger
}

// New creates the run service.
func New(opts *Opts) *RunService {
	return &RunService{
		deployments: opts.Deployments,
		runs:        opts.Runs,
		queue:       opts.Queue,
		cache:       opts.Cache,
		limiter:     opts.Limiter,
		log:         opts.Logger,
	}
}

// PendingRun is a validated submission that has not been enqueued yet.
// SSE callers enqueue it only after their event subscription is live.
type PendingRun struct {
	RunID      uuid.UUID
	Deployment *models.Deployment
	Inputs     map[string]interface{}
	Trigger    models.TriggerMode
	StartedAt  time.Time
}

// Prepare resolves the slug, enforces the public-surface rule and the
// run quota. It performs no writes.
func (s *RunService) Prepare(ctx context.Context, slug string, public bool) (*models.Deployment, error) {
	dep, err := s.lookupBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if public && !dep.PubliclyRunnable() {
		return nil, ErrPublicDenied
	}
	if err := s.checkQuota(ctx, dep); err != nil {
		return nil, err
	}
	return dep, nil
}

// Begin assigns the run identity. The run id is fixed before anything is
// enqueued so the caller can subscribe to its event channel first.
func (s *RunService) Begin(dep *models.Deployment, inputs map[string]interface{}, trigger models.TriggerMode) *PendingRun {
	if inputs == nil {
		inputs = map[string]interface{}{}
	}
	return &PendingRun{
		RunID:      uuid.New(),
		Deployment: dep,
		Inputs:     inputs,
		Trigger:    trigger,
		StartedAt:  time.Now().UTC(),
	}
}

// Enqueue emits the run-created log task followed by the execute task.
// Returns the execute task id.
func (s *RunService) Enqueue(ctx context.Context, p *PendingRun) (string, error) {
	dep := p.Deployment
	version := dep.Version

	logPayload := &queue.RunLogPayload{
		RunID:             p.RunID,
		WorkflowID:        dep.WorkflowID,
		UserID:            dep.UserID,
		DeploymentID:      &dep.ID,
		DeploymentVersion: &version,
		TriggerMode:       p.Trigger,
		Status:            models.RunStatusRunning,
		Inputs:            p.Inputs,
		StartedAt:         p.StartedAt,
	}
	if _, err := s.queue.Enqueue(ctx, queue.QueueLog, queue.TaskLogCreateRun, logPayload); err != nil {
		return "", fmt.Errorf("enqueue run log: %w", err)
	}

	execPayload := &queue.WorkflowExecutePayload{
		RunID:             p.RunID,
		WorkflowID:        dep.WorkflowID,
		UserID:            dep.UserID,
		DeploymentID:      &dep.ID,
		DeploymentVersion: &version,
		TriggerMode:       p.Trigger,
		Graph:             dep.Graph,
		Inputs:            p.Inputs,
	}
	taskID, err := s.queue.Enqueue(ctx, queue.QueueWorkflow, queue.TaskWorkflowExecute, execPayload)
	if err != nil {
		return "", fmt.Errorf("enqueue workflow execute: %w", err)
	}

	s.log.Info("run submitted",
		"run_id", p.RunID,
		"slug", dep.URLSlug,
		"version", dep.Version,
		"trigger", p.Trigger)
	return taskID, nil
}

// Status returns persisted run state.
func (s *RunService) Status(ctx context.Context, runID uuid.UUID) (*models.Run, error) {
	return s.runs.GetByID(ctx, runID)
}

// PublicInfo returns the unauthenticated projection of a deployment.
func (s *RunService) PublicInfo(ctx context.Context, slug string) (*models.PublicInfo, error) {
	dep, err := s.lookupBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	return dep.PublicInfo(), nil
}

// lookupBySlug resolves the active deployment for a slug through the
// short-TTL cache. Cache failures fall back to the database.
func (s *RunService) lookupBySlug(ctx context.Context, slug string) (*models.Deployment, error) {
	key := slugCacheKey(slug)
	if s.cache != nil {
		if raw, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			dep := &models.Deployment{}
			if err := json.Unmarshal(raw, dep); err == nil {
				return dep, nil
			}
		}
	}

	dep, err := s.deployments.GetActiveBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if raw, err := json.Marshal(dep); err == nil {
			if err := s.cache.Set(ctx, key, raw, slugCacheTTL); err != nil {
				s.log.Warn("slug cache write failed", "slug", slug, "error", err)
			}
		}
	}
	return dep, nil
}

func (s *RunService) checkQuota(ctx context.Context, dep *models.Deployment) error {
	if s.limiter == nil {
		return nil
	}

	global, err := s.limiter.CheckGlobalLimit(ctx, ratelimit.DefaultGlobalConfig.Limit)
	if err != nil {
		// Quota checks never take the platform down with them.
		s.log.Warn("global rate limit check failed", "error", err)
		return nil
	}
	if !global.Allowed {
		return &QuotaError{RetryAfterSeconds: global.RetryAfterSeconds}
	}

	tier := ratelimit.InspectGraph(dep.Graph).Tier
	res, err := s.limiter.CheckTieredLimit(ctx, dep.UserID, tier)
	if err != nil {
		s.log.Warn("tiered rate limit check failed", "user_id", dep.UserID, "error", err)
		return nil
	}
	if !res.Allowed {
		return &QuotaError{RetryAfterSeconds: res.RetryAfterSeconds}
	}
	return nil
}

func slugCacheKey(slug string) string {
	return "deployment:slug:" + slug
}

var _ DeploymentStore = (*repository.DeploymentRepository)(nil)
var _ RunStore = (*repository.RunRepository)(nil)
var _ Limiter = (*ratelimit.RateLimiter)(nil)
