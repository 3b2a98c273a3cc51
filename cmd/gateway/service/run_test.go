package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/moduly/moduly/common/cache"
	"github.com/moduly/moduly/common/logger"
	"github.com/moduly/moduly/common/models"
	"github.com/moduly/moduly/common/queue"
	"github.com/moduly/moduly/common/ratelimit"
	"github.com/moduly/moduly/common/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDeployments struct {
	bySlug      map[string]*models.Deployment
	byID        map[uuid.UUID]*models.Deployment
	slugLookups int
	updated     map[uuid.UUID]models.Graph
}

func newFakeDeployments() *fakeDeployments {
	return &fakeDeployments{
		bySlug:  make(map[string]*models.Deployment),
		byID:    make(map[uuid.UUID]*models.Deployment),
		updated: make(map[uuid.UUID]models.Graph),
	}
}

func (f *fakeDeployments) add(d *models.Deployment) {
	f.bySlug[d.URLSlug] = d
	f.byID[d.ID] = d
}

func (f *fakeDeployments) GetActiveBySlug(ctx context.Context, slug string) (*models.Deployment, error) {
	f.slugLookups++
	d, ok := f.bySlug[slug]
	if !ok || !d.Active {
		return nil, repository.ErrNotFound
	}
	return d, nil
}

func (f *fakeDeployments) GetByID(ctx context.Context, id uuid.UUID) (*models.Deployment, error) {
	d, ok := f.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return d, nil
}

func (f *fakeDeployments) UpdateGraph(ctx context.Context, id uuid.UUID, graph models.Graph) error {
	d, ok := f.byID[id]
	if !ok || d.Active {
		return repository.ErrNotFound
	}
	f.updated[id] = graph
	return nil
}

type fakeRuns struct {
	byID map[uuid.UUID]*models.Run
}

func (f *fakeRuns) GetByID(ctx context.Context, runID uuid.UUID) (*models.Run, error) {
	run, ok := f.byID[runID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return run, nil
}

type recordedTask struct {
	Queue   string
	Type    string
	Payload interface{}
}

type recordingQueue struct {
	tasks []recordedTask
}

func (q *recordingQueue) Enqueue(ctx context.Context, queueName, taskType string, payload interface{}) (string, error) {
	q.tasks = append(q.tasks, recordedTask{Queue: queueName, Type: taskType, Payload: payload})
	return uuid.New().String(), nil
}

func (q *recordingQueue) Consume(ctx context.Context, queueName, group string, concurrency int, handler queue.Handler) error {
	return nil
}

func (q *recordingQueue) Close() error { return nil }

type fakeLimiter struct {
	globalAllowed bool
	tierAllowed   bool
	retryAfter    int64
	seenTier      ratelimit.WorkflowTier
}

func (f *fakeLimiter) CheckGlobalLimit(ctx context.Context, limit int64) (*ratelimit.RateLimitResult, error) {
	return &ratelimit.RateLimitResult{Allowed: f.globalAllowed, RetryAfterSeconds: f.retryAfter}, nil
}

func (f *fakeLimiter) CheckTieredLimit(ctx context.Context, userID string, tier ratelimit.WorkflowTier) (*ratelimit.RateLimitResult, error) {
	f.seenTier = tier
	return &ratelimit.RateLimitResult{Allowed: f.tierAllowed, RetryAfterSeconds: f.retryAfter}, nil
}

func simpleGraph() models.Graph {
	return models.Graph{
		Nodes: []models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "answer", Type: models.NodeTypeAnswer},
		},
		Edges: []models.Edge{
			{ID: "e1", Source: "start", Target: "answer"},
		},
	}
}

func testDeployment(depType models.DeploymentType, active bool) *models.Deployment {
	return &models.Deployment{
		ID:         uuid.New(),
		AppID:      uuid.New(),
		WorkflowID: uuid.New(),
		UserID:     "user-1",
		Version:    3,
		Type:       depType,
		URLSlug:    "my-app",
		Graph:      simpleGraph(),
		Active:     active,
	}
}

func newTestService(t *testing.T, deps *fakeDeployments, q queue.Queue, limiter Limiter) *RunService {
	t.Helper()
	if q == nil {
		q = &recordingQueue{}
	}
	return New(&Opts{
		Deployments: deps,
		Runs:        &fakeRuns{byID: map[uuid.UUID]*models.Run{}},
		Queue:       q,
		Cache:       cache.NewMemoryCache(logger.New("error", "text")),
		Limiter:     limiter,
		Logger:      logger.New("error", "text"),
	})
}

func TestSlugLookupIsCached(t *testing.T) {
	deps := newFakeDeployments()
	deps.add(testDeployment(models.DeploymentTypeAPI, true))
	svc := newTestService(t, deps, nil, nil)

	for i := 0; i < 3; i++ {
		_, err := svc.Prepare(context.Background(), "my-app", false)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, deps.slugLookups)
}

func TestUnknownSlugReturnsNotFound(t *testing.T) {
	svc := newTestService(t, newFakeDeployments(), nil, nil)
	_, err := svc.Prepare(context.Background(), "missing", false)
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestPublicSurfaceRejectsAPIDeployments(t *testing.T) {
	deps := newFakeDeployments()
	deps.add(testDeployment(models.DeploymentTypeAPI, true))
	svc := newTestService(t, deps, nil, nil)

	_, err := svc.Prepare(context.Background(), "my-app", true)
	require.ErrorIs(t, err, ErrPublicDenied)

	deps2 := newFakeDeployments()
	deps2.add(testDeployment(models.DeploymentTypeWebapp, true))
	svc2 := newTestService(t, deps2, nil, nil)
	_, err = svc2.Prepare(context.Background(), "my-app", true)
	require.NoError(t, err)
}

func TestExhaustedQuotaSurfacesRetryAfter(t *testing.T) {
	deps := newFakeDeployments()
	deps.add(testDeployment(models.DeploymentTypeAPI, true))
	limiter := &fakeLimiter{globalAllowed: true, tierAllowed: false, retryAfter: 42}
	svc := newTestService(t, deps, nil, limiter)

	_, err := svc.Prepare(context.Background(), "my-app", false)
	var quota *QuotaError
	require.ErrorAs(t, err, &quota)
	assert.Equal(t, int64(42), quota.RetryAfterSeconds)
	assert.Equal(t, ratelimit.TierSimple, limiter.seenTier, "graph without heavy nodes is tier simple")
}

func TestEnqueueEmitsRunLogBeforeExecute(t *testing.T) {
	deps := newFakeDeployments()
	dep := testDeployment(models.DeploymentTypeAPI, true)
	deps.add(dep)
	q := &recordingQueue{}
	svc := newTestService(t, deps, q, nil)

	pending := svc.Begin(dep, map[string]interface{}{"question": "hi"}, models.TriggerAPI)
	taskID, err := svc.Enqueue(context.Background(), pending)
	require.NoError(t, err)
	require.NotEmpty(t, taskID)
	require.Len(t, q.tasks, 2)

	assert.Equal(t, queue.QueueLog, q.tasks[0].Queue)
	assert.Equal(t, queue.TaskLogCreateRun, q.tasks[0].Type)
	logPayload := q.tasks[0].Payload.(*queue.RunLogPayload)
	assert.Equal(t, pending.RunID, logPayload.RunID)
	assert.Equal(t, models.RunStatusRunning, logPayload.Status)
	assert.Equal(t, dep.UserID, logPayload.UserID)

	assert.Equal(t, queue.QueueWorkflow, q.tasks[1].Queue)
	assert.Equal(t, queue.TaskWorkflowExecute, q.tasks[1].Type)
	execPayload := q.tasks[1].Payload.(*queue.WorkflowExecutePayload)
	assert.Equal(t, pending.RunID, execPayload.RunID)
	assert.Equal(t, dep.Graph, execPayload.Graph)
	require.NotNil(t, execPayload.DeploymentVersion)
	assert.Equal(t, 3, *execPayload.DeploymentVersion)
}

func TestPatchDraftMergesGraph(t *testing.T) {
	deps := newFakeDeployments()
	dep := testDeployment(models.DeploymentTypeAPI, false)
	deps.add(dep)
	svc := newTestService(t, deps, nil, nil)

	patch := []byte(`{"nodes":[
		{"id":"start","type":"startNode"},
		{"id":"answer","type":"answerNode","data":{"template":"updated"}}
	]}`)
	graph, err := svc.PatchDraftGraph(context.Background(), dep.ID, patch)
	require.NoError(t, err)

	require.Len(t, graph.Nodes, 2)
	answer := graph.NodeByID("answer")
	require.NotNil(t, answer)
	assert.Equal(t, "updated", answer.Data["template"])

	stored, ok := deps.updated[dep.ID]
	require.True(t, ok)
	assert.Equal(t, *graph, stored)
}

func TestPatchDraftRejectsActiveDeployment(t *testing.T) {
	deps := newFakeDeployments()
	dep := testDeployment(models.DeploymentTypeAPI, true)
	deps.add(dep)
	svc := newTestService(t, deps, nil, nil)

	_, err := svc.PatchDraftGraph(context.Background(), dep.ID, []byte(`{}`))
	require.ErrorIs(t, err, ErrDeploymentActive)
}

func TestPatchDraftRejectsTriggerlessGraph(t *testing.T) {
	deps := newFakeDeployments()
	dep := testDeployment(models.DeploymentTypeAPI, false)
	deps.add(dep)
	svc := newTestService(t, deps, nil, nil)

	patch := []byte(`{"nodes":[{"id":"answer","type":"answerNode"}],"edges":[]}`)
	_, err := svc.PatchDraftGraph(context.Background(), dep.ID, patch)

	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Contains(t, validation.Reason, "trigger")
}

func TestPatchDraftRejectsDanglingEdge(t *testing.T) {
	deps := newFakeDeployments()
	dep := testDeployment(models.DeploymentTypeAPI, false)
	deps.add(dep)
	svc := newTestService(t, deps, nil, nil)

	patch := []byte(`{"edges":[{"id":"e1","source":"start","target":"ghost"}]}`)
	_, err := svc.PatchDraftGraph(context.Background(), dep.ID, patch)

	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Contains(t, validation.Reason, "ghost")
}

func TestPatchDraftInvalidatesSlugCache(t *testing.T) {
	deps := newFakeDeployments()
	dep := testDeployment(models.DeploymentTypeAPI, false)
	dep.Active = true
	deps.add(dep)
	svc := newTestService(t, deps, nil, nil)

	// Warm the cache, then deactivate and patch.
	_, err := svc.Prepare(context.Background(), "my-app", false)
	require.NoError(t, err)

	dep.Active = false
	patch, _ := json.Marshal(map[string]interface{}{})
	_, err = svc.PatchDraftGraph(context.Background(), dep.ID, patch)
	require.NoError(t, err)

	_, err = svc.Prepare(context.Background(), "my-app", false)
	require.Error(t, err, "stale cached deployment must not survive a draft edit")
	assert.Equal(t, 2, deps.slugLookups)
}
