// Package schedule fires cron-bound deployments. The dispatcher polls
// enabled schedules, claims each due fire in Redis so replicated
// runners fire once, and enqueues the run like any other trigger.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/moduly/moduly/common/logger"
	"github.com/moduly/moduly/common/models"
	"github.com/moduly/moduly/common/queue"
	redisWrapper "github.com/moduly/moduly/common/redis"
	"github.com/moduly/moduly/common/repository"
	"github.com/robfig/cron/v3"
)

const (
	pollInterval = 30 * time.Second
	// fireClaimTTL keeps a fired slot claimed long past the poll window.
	fireClaimTTL = 10 * time.Minute
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ScheduleStore is the schedule persistence the dispatcher needs.
type ScheduleStore interface {
	ListEnabled(ctx context.Context) ([]*models.Schedule, error)
	RecordFire(ctx context.Context, id uuid.UUID, firedAt, nextAt time.Time) error
}

// DeploymentStore resolves the frozen graph a schedule fires.
type DeploymentStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Deployment, error)
}

// Dispatcher polls schedules and enqueues due runs.
type Dispatcher struct {
	schedules   ScheduleStore
	deployments DeploymentStore
	queue       queue.Queue
	redis       *redisWrapper.Client
	log         *logger.Logger
}

// Opts configures the dispatcher.
type Opts struct {
	Schedules   ScheduleStore
	Deployments DeploymentStore
	Queue       queue.Queue
	Redis       *redisWrapper.Client
	Logger      *logger.Logger
}

// New creates a schedule dispatcher.
func New(opts *Opts) *Dispatcher {
	return &Dispatcher{
		schedules:   opts.Schedules,
		deployments: opts.Deployments,
		queue:       opts.Queue,
		redis:       opts.Redis,
		log:         opts.Logger,
	}
}

// Start polls until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	d.log.Info("schedule dispatcher starting", "poll_interval", pollInterval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	schedules, err := d.schedules.ListEnabled(ctx)
	if err != nil {
		d.log.Error("failed to list schedules", "error", err)
		return
	}
	now := time.Now().UTC()
	for _, s := range schedules {
		if err := d.evaluate(ctx, s, now); err != nil {
			d.log.Error("schedule evaluation failed", "schedule_id", s.ID, "error", err)
		}
	}
}

// evaluate fires a schedule when its next slot has passed. A schedule
// that has never been evaluated just gets its first slot persisted.
func (d *Dispatcher) evaluate(ctx context.Context, s *models.Schedule, now time.Time) error {
	spec, loc, err := parseSchedule(s)
	if err != nil {
		return err
	}
	localNow := now.In(loc)

	if s.NextRunAt == nil {
		next := spec.Next(localNow)
		return d.schedules.RecordFire(ctx, s.ID, now, next.UTC())
	}
	if now.Before(*s.NextRunAt) {
		return nil
	}

	slot := *s.NextRunAt
	claimed, err := d.claimFire(ctx, s.ID, slot)
	if err != nil {
		return err
	}
	next := spec.Next(localNow).UTC()
	if !claimed {
		// Another replica fired this slot; just advance.
		return d.schedules.RecordFire(ctx, s.ID, slot, next)
	}

	if err := d.fire(ctx, s, slot); err != nil {
		return err
	}
	return d.schedules.RecordFire(ctx, s.ID, slot, next)
}

func (d *Dispatcher) claimFire(ctx context.Context, scheduleID uuid.UUID, slot time.Time) (bool, error) {
	if d.redis == nil {
		return true, nil
	}
	key := fmt.Sprintf("schedule:fire:%s:%d", scheduleID, slot.Unix())
	ok, err := d.redis.SetNX(ctx, key, "1", fireClaimTTL)
	if err != nil {
		return false, fmt.Errorf("claim fire for schedule %s: %w", scheduleID, err)
	}
	return ok, nil
}

// fire creates the run record task and enqueues execution against the
// deployment's frozen graph.
func (d *Dispatcher) fire(ctx context.Context, s *models.Schedule, slot time.Time) error {
	deployment, err := d.deployments.GetByID(ctx, s.DeploymentID)
	if err != nil {
		return fmt.Errorf("load deployment %s: %w", s.DeploymentID, err)
	}
	if !deployment.Active {
		d.log.Warn("schedule points at inactive deployment, skipping",
			"schedule_id", s.ID, "deployment_id", deployment.ID)
		return nil
	}

	runID := uuid.New()
	startedAt := time.Now().UTC()
	version := deployment.Version

	if _, err := d.queue.Enqueue(ctx, queue.QueueLog, queue.TaskLogCreateRun, &queue.RunLogPayload{
		RunID:             runID,
		WorkflowID:        deployment.WorkflowID,
		UserID:            deployment.UserID,
		DeploymentID:      &deployment.ID,
		DeploymentVersion: &version,
		TriggerMode:       models.TriggerSchedule,
		Status:            models.RunStatusRunning,
		Inputs:            map[string]interface{}{},
		StartedAt:         startedAt,
	}); err != nil {
		return fmt.Errorf("enqueue run record: %w", err)
	}

	if _, err := d.queue.Enqueue(ctx, queue.QueueWorkflow, queue.TaskWorkflowExecute, &queue.WorkflowExecutePayload{
		RunID:             runID,
		WorkflowID:        deployment.WorkflowID,
		UserID:            deployment.UserID,
		DeploymentID:      &deployment.ID,
		DeploymentVersion: &version,
		TriggerMode:       models.TriggerSchedule,
		Graph:             deployment.Graph,
		Inputs:            map[string]interface{}{},
	}); err != nil {
		return fmt.Errorf("enqueue execution: %w", err)
	}

	d.log.Info("schedule fired", "schedule_id", s.ID,
		"deployment_id", deployment.ID, "run_id", runID, "slot", slot)
	return nil
}

func parseSchedule(s *models.Schedule) (cron.Schedule, *time.Location, error) {
	loc := time.UTC
	if s.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(s.Timezone)
		if err != nil {
			return nil, nil, fmt.Errorf("schedule %s has bad timezone %q: %w", s.ID, s.Timezone, err)
		}
	}
	spec, err := cronParser.Parse(s.CronExpr)
	if err != nil {
		return nil, nil, fmt.Errorf("schedule %s has bad cron expr %q: %w", s.ID, s.CronExpr, err)
	}
	return spec, loc, nil
}

var _ ScheduleStore = (*repository.ScheduleRepository)(nil)
var _ DeploymentStore = (*repository.DeploymentRepository)(nil)
