package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/moduly/moduly/common/logger"
	"github.com/moduly/moduly/common/models"
	"github.com/moduly/moduly/common/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedTask struct {
	Queue   string
	Type    string
	Payload interface{}
}

type recordingQueue struct {
	tasks []recordedTask
}

func (q *recordingQueue) Enqueue(_ context.Context, queueName, taskType string, payload interface{}) (string, error) {
	q.tasks = append(q.tasks, recordedTask{Queue: queueName, Type: taskType, Payload: payload})
	return uuid.New().String(), nil
}

func (q *recordingQueue) Consume(context.Context, string, string, int, queue.Handler) error {
	return nil
}

func (q *recordingQueue) Close() error { return nil }

type fakeScheduleStore struct {
	schedules []*models.Schedule
	fired     []uuid.UUID
	lastNext  time.Time
}

func (s *fakeScheduleStore) ListEnabled(context.Context) ([]*models.Schedule, error) {
	return s.schedules, nil
}

func (s *fakeScheduleStore) RecordFire(_ context.Context, id uuid.UUID, _ time.Time, nextAt time.Time) error {
	s.fired = append(s.fired, id)
	s.lastNext = nextAt
	return nil
}

type fakeDeploymentStore struct {
	deployment *models.Deployment
}

func (s *fakeDeploymentStore) GetByID(context.Context, uuid.UUID) (*models.Deployment, error) {
	return s.deployment, nil
}

func testDeployment(active bool) *models.Deployment {
	return &models.Deployment{
		ID:         uuid.New(),
		WorkflowID: uuid.New(),
		UserID:     "user-1",
		Version:    2,
		Active:     active,
		Graph: models.Graph{
			Nodes: []models.Node{{ID: "start", Type: models.NodeTypeScheduleTrigger}},
		},
	}
}

func testDispatcher(store *fakeScheduleStore, deployments *fakeDeploymentStore, q *recordingQueue) *Dispatcher {
	return New(&Opts{
		Schedules:   store,
		Deployments: deployments,
		Queue:       q,
		Logger:      logger.New("error", "text"),
	})
}

func TestDueScheduleEnqueuesRun(t *testing.T) {
	deployment := testDeployment(true)
	past := time.Now().UTC().Add(-time.Minute)
	sched := &models.Schedule{
		ID:           uuid.New(),
		DeploymentID: deployment.ID,
		CronExpr:     "*/5 * * * *",
		Timezone:     "UTC",
		Enabled:      true,
		NextRunAt:    &past,
	}

	store := &fakeScheduleStore{schedules: []*models.Schedule{sched}}
	q := &recordingQueue{}
	d := testDispatcher(store, &fakeDeploymentStore{deployment: deployment}, q)

	d.tick(context.Background())

	require.Len(t, q.tasks, 2)
	assert.Equal(t, queue.TaskLogCreateRun, q.tasks[0].Type)
	assert.Equal(t, queue.QueueLog, q.tasks[0].Queue)
	assert.Equal(t, queue.TaskWorkflowExecute, q.tasks[1].Type)
	assert.Equal(t, queue.QueueWorkflow, q.tasks[1].Queue)

	exec, ok := q.tasks[1].Payload.(*queue.WorkflowExecutePayload)
	require.True(t, ok)
	assert.Equal(t, models.TriggerSchedule, exec.TriggerMode)
	assert.Equal(t, deployment.WorkflowID, exec.WorkflowID)
	require.NotNil(t, exec.DeploymentVersion)
	assert.Equal(t, 2, *exec.DeploymentVersion)

	create, ok := q.tasks[0].Payload.(*queue.RunLogPayload)
	require.True(t, ok)
	assert.Equal(t, exec.RunID, create.RunID)
	assert.Equal(t, models.RunStatusRunning, create.Status)

	require.Len(t, store.fired, 1)
	assert.True(t, store.lastNext.After(time.Now().UTC()))
}

func TestFreshScheduleOnlyPersistsNextSlot(t *testing.T) {
	sched := &models.Schedule{
		ID:           uuid.New(),
		DeploymentID: uuid.New(),
		CronExpr:     "0 * * * *",
		Enabled:      true,
	}

	store := &fakeScheduleStore{schedules: []*models.Schedule{sched}}
	q := &recordingQueue{}
	d := testDispatcher(store, &fakeDeploymentStore{deployment: testDeployment(true)}, q)

	d.tick(context.Background())

	assert.Empty(t, q.tasks, "first evaluation must not fire")
	require.Len(t, store.fired, 1)
	assert.True(t, store.lastNext.After(time.Now().UTC()))
}

func TestInactiveDeploymentSkipsFireButAdvances(t *testing.T) {
	deployment := testDeployment(false)
	past := time.Now().UTC().Add(-time.Minute)
	sched := &models.Schedule{
		ID:           uuid.New(),
		DeploymentID: deployment.ID,
		CronExpr:     "* * * * *",
		Enabled:      true,
		NextRunAt:    &past,
	}

	store := &fakeScheduleStore{schedules: []*models.Schedule{sched}}
	q := &recordingQueue{}
	d := testDispatcher(store, &fakeDeploymentStore{deployment: deployment}, q)

	d.tick(context.Background())

	assert.Empty(t, q.tasks)
	require.Len(t, store.fired, 1, "slot must still advance past a dead deployment")
}

func TestBadCronExprSurfacesError(t *testing.T) {
	sched := &models.Schedule{
		ID:       uuid.New(),
		CronExpr: "not a cron",
		Enabled:  true,
	}
	d := testDispatcher(&fakeScheduleStore{}, &fakeDeploymentStore{}, &recordingQueue{})
	err := d.evaluate(context.Background(), sched, time.Now().UTC())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cron expr")
}
