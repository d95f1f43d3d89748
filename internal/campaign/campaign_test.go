package campaign

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blisspixel/deepr/internal/budget"
	"github.com/blisspixel/deepr/internal/clock"
	"github.com/blisspixel/deepr/internal/database"
	"github.com/blisspixel/deepr/internal/events"
	"github.com/blisspixel/deepr/internal/models"
	"github.com/blisspixel/deepr/internal/queue"
)

// qRepo is a minimal in-memory queue.Repo, local to this package so
// campaign tests can wire a real *queue.Manager (Engine holds one
// concretely, not as an interface).
type qRepo struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

func newQRepo() *qRepo { return &qRepo{jobs: make(map[string]*models.Job)} }

func (r *qRepo) InsertJob(_ context.Context, j *models.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *j
	r.jobs[j.ID] = &cp
	return nil
}

func (r *qRepo) GetJob(_ context.Context, id string) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (r *qRepo) ListJobsByStatus(_ context.Context, status models.JobStatus, limit int) ([]*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Job
	for _, j := range r.jobs {
		if j.Status == status {
			cp := *j
			out = append(out, &cp)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *qRepo) CountJobsByStatus(_ context.Context, statuses ...models.JobStatus) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := make(map[models.JobStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	n := 0
	for _, j := range r.jobs {
		if want[j.Status] {
			n++
		}
	}
	return n, nil
}

func (r *qRepo) ClaimNextJob(_ context.Context, now time.Time) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.Status == models.JobPending {
			j.Status = models.JobSubmitting
			j.StartedAt = &now
			cp := *j
			return &cp, nil
		}
	}
	return nil, database.ErrNoJobAvailable
}

func (r *qRepo) UpdateJobSubmitted(_ context.Context, id, providerJobID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return database.ErrNotFound
	}
	j.ProviderJobID = providerJobID
	j.Status = models.JobProcessing
	j.LastPollAt = &now
	return nil
}

func (r *qRepo) UpdateJobProgress(_ context.Context, id string, fraction float64, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return database.ErrNotFound
	}
	j.ProgressFraction = fraction
	j.LastPollAt = &now
	return nil
}

func (r *qRepo) CompleteJob(_ context.Context, job *models.Job, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[job.ID]
	if !ok {
		return database.ErrNotFound
	}
	j.Status = models.JobCompleted
	j.CompletedAt = &now
	j.ActualCost = job.ActualCost
	j.ResultRef = job.ResultRef
	j.ProgressFraction = 1
	return nil
}

func (r *qRepo) FailJob(_ context.Context, id string, status models.JobStatus, jobErr *models.JobError, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return database.ErrNotFound
	}
	j.Status = status
	j.Error = jobErr
	j.CompletedAt = &now
	return nil
}

func (r *qRepo) RecordCostOverride(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return database.ErrNotFound
	}
	j.CostOverride = true
	return nil
}

func (r *qRepo) ReconcileOrphans(_ context.Context) ([]*models.Job, error) { return nil, nil }

// cRepo is a minimal in-memory campaign.Repo.
type cRepo struct {
	mu        sync.Mutex
	campaigns map[string]*models.Campaign
	artifacts map[string][]byte
}

func newCRepo() *cRepo {
	return &cRepo{campaigns: make(map[string]*models.Campaign), artifacts: make(map[string][]byte)}
}

func (r *cRepo) putArtifact(ref string, content []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.artifacts[ref] = content
}

func (r *cRepo) InsertCampaign(_ context.Context, c *models.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.campaigns[c.ID] = c
	return nil
}

func (r *cRepo) GetCampaign(_ context.Context, id string) (*models.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return c, nil
}

func (r *cRepo) UpdateCampaignStatus(_ context.Context, id string, status models.CampaignStatus, roundsExecuted int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return database.ErrNotFound
	}
	c.Status = status
	c.RoundsExecuted = roundsExecuted
	return nil
}

func (r *cRepo) UpdateCampaignCost(_ context.Context, id string, actualCost float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return database.ErrNotFound
	}
	c.ActualCost = actualCost
	return nil
}

func (r *cRepo) UpdatePhaseStatus(_ context.Context, campaignID string, phaseIndex int, status models.CampaignStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[campaignID]
	if !ok {
		return database.ErrNotFound
	}
	for _, p := range c.Phases {
		if p.PhaseIndex == phaseIndex {
			p.Status = status
		}
	}
	return nil
}

func (r *cRepo) UpdateTopic(_ context.Context, t *models.Topic) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.campaigns {
		for _, p := range c.Phases {
			for i, existing := range p.Topics {
				if existing.ID == t.ID {
					p.Topics[i] = t
					return nil
				}
			}
		}
	}
	return database.ErrNotFound
}

func (r *cRepo) InsertPhase(_ context.Context, campaignID string, phase *models.Phase) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[campaignID]
	if !ok {
		return database.ErrNotFound
	}
	c.Phases = append(c.Phases, phase)
	return nil
}

func (r *cRepo) ListActiveCampaigns(_ context.Context) ([]*models.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Campaign
	for _, c := range r.campaigns {
		if c.Status == models.CampaignExecuting || c.Status == models.CampaignPaused {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *cRepo) GetArtifact(_ context.Context, ref string) ([]byte, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	content, ok := r.artifacts[ref]
	if !ok {
		return nil, "", database.ErrNotFound
	}
	return content, "text/markdown", nil
}

type noopLedger struct{}

func (noopLedger) Append(context.Context, models.LedgerEntry) error              { return nil }
func (noopLedger) Since(context.Context, time.Time) ([]models.LedgerEntry, error) { return nil, nil }
func (noopLedger) All(context.Context) ([]models.LedgerEntry, error)              { return nil, nil }

// newEngine wires a real queue.Manager (its own fake qRepo) and a
// fake campaign cRepo behind an Engine, returning both repos so tests
// can inspect persisted state and drive job completion directly.
func newEngine(t *testing.T) (*Engine, *cRepo, *qRepo, *events.Bus) {
	t.Helper()
	gov, err := budget.New(context.Background(), budget.Config{DailyCap: 1000, MonthlyCap: 1000, Location: time.UTC}, noopLedger{}, time.Now)
	require.NoError(t, err)

	bus := events.New()
	qr := newQRepo()
	qmgr := queue.New(qr, gov, queue.Registry{}, bus, clock.New(), queue.Config{
		WorkerCount: 1, MaxInflightJobs: 10, PollInterval: time.Minute, SubmitTimeout: time.Minute, StuckThreshold: time.Hour,
	})

	cr := newCRepo()
	e := New(cr, qmgr, gov, bus, clock.New(), Config{MaxParallelPerCampaign: 4, SummaryTokenBudget: 3000}, NoopPlanner{})
	return e, cr, qr, bus
}

// completeTopic simulates the queue completing the job dispatched for
// topic, publishing the terminal event the engine subscribed to.
func completeTopic(t *testing.T, cr *cRepo, qr *qRepo, bus *events.Bus, campaignID, topicID string) {
	t.Helper()
	camp, err := cr.GetCampaign(context.Background(), campaignID)
	require.NoError(t, err)
	var jobID string
	for _, p := range camp.Phases {
		for _, tp := range p.Topics {
			if tp.ID == topicID {
				jobID = tp.JobRef
			}
		}
	}
	require.NotEmpty(t, jobID, "topic must have been dispatched")

	now := time.Now()
	require.NoError(t, qr.CompleteJob(context.Background(), &models.Job{ID: jobID, ResultRef: "artifact://" + jobID}, now))
	cr.putArtifact("artifact://"+jobID, []byte("findings for "+topicID))

	done := make(chan struct{})
	sub := bus.Subscribe(events.JobTopic(jobID, "completed"), func(events.Event) { close(done) })
	defer bus.Unsubscribe(events.JobTopic(jobID, "completed"), sub)

	bus.Publish(events.Event{
		Topic:   events.JobTopic(jobID, "completed"),
		Type:    "job.completed",
		Payload: map[string]any{"result_ref": "artifact://" + jobID},
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion event to dispatch")
	}
}

func TestCreate_DispatchesRootTopicsWithNoDependencies(t *testing.T) {
	e, cr, qr, _ := newEngine(t)

	camp, err := e.Create(context.Background(), CampaignSpec{
		Goal: "survey the field",
		Topics: []TopicSpec{
			{ID: "t1", Prompt: "research t1"},
			{ID: "t2", Prompt: "research t2"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, models.CampaignExecuting, camp.Status)

	stored, err := cr.GetCampaign(context.Background(), camp.ID)
	require.NoError(t, err)
	for _, topic := range stored.Phases[0].Topics {
		assert.NotEmpty(t, topic.JobRef, "topic %s should have been dispatched", topic.ID)
	}
	n, err := qr.CountJobsByStatus(context.Background(), models.JobPending)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCreate_HoldsDependentTopicUntilDependencyCompletes(t *testing.T) {
	e, cr, qr, bus := newEngine(t)

	camp, err := e.Create(context.Background(), CampaignSpec{
		Goal: "layered research",
		Topics: []TopicSpec{
			{ID: "root", Prompt: "research root"},
			{ID: "dependent", Prompt: "research dependent", DependsOn: []string{"root"}},
		},
	})
	require.NoError(t, err)

	stored, err := cr.GetCampaign(context.Background(), camp.ID)
	require.NoError(t, err)
	dependent := findTopic(stored, "dependent")
	require.NotNil(t, dependent)
	assert.Empty(t, dependent.JobRef, "dependent topic must not dispatch before its dependency completes")

	completeTopic(t, cr, qr, bus, camp.ID, "root")

	stored, err = cr.GetCampaign(context.Background(), camp.ID)
	require.NoError(t, err)
	dependent = findTopic(stored, "dependent")
	require.NotNil(t, dependent)
	assert.NotEmpty(t, dependent.JobRef, "dependent topic should dispatch once its dependency completes")
}

func TestCreate_DependentPromptCarriesPredecessorResultSummary(t *testing.T) {
	e, cr, qr, bus := newEngine(t)

	camp, err := e.Create(context.Background(), CampaignSpec{
		Goal: "layered research",
		Topics: []TopicSpec{
			{ID: "root", Prompt: "research root"},
			{ID: "dependent", Prompt: "research dependent", DependsOn: []string{"root"}},
		},
	})
	require.NoError(t, err)

	completeTopic(t, cr, qr, bus, camp.ID, "root")

	stored, err := cr.GetCampaign(context.Background(), camp.ID)
	require.NoError(t, err)
	root := findTopic(stored, "root")
	require.NotNil(t, root)
	assert.Equal(t, "findings for root", root.ResultSummary, "completed topic's result summary should be populated from its artifact")

	dependent := findTopic(stored, "dependent")
	require.NotNil(t, dependent)
	assert.Contains(t, dependent.ContextSummary, "findings for root", "dependent's injected context should carry the predecessor's actual result")
}

func TestCreate_RespectsMaxParallel(t *testing.T) {
	e, cr, qr, _ := newEngine(t)

	camp, err := e.Create(context.Background(), CampaignSpec{
		Goal:        "wide fan-out",
		MaxParallel: 2,
		Topics: []TopicSpec{
			{ID: "a", Prompt: "a"},
			{ID: "b", Prompt: "b"},
			{ID: "c", Prompt: "c"},
		},
	})
	require.NoError(t, err)

	stored, err := cr.GetCampaign(context.Background(), camp.ID)
	require.NoError(t, err)
	dispatched := 0
	for _, topic := range stored.Phases[0].Topics {
		if topic.JobRef != "" {
			dispatched++
		}
	}
	assert.Equal(t, 2, dispatched)
	_ = qr
}

func TestCreate_CompletesCampaignWhenAllTopicsTerminal(t *testing.T) {
	e, cr, qr, bus := newEngine(t)

	camp, err := e.Create(context.Background(), CampaignSpec{
		Goal:   "single topic",
		Topics: []TopicSpec{{ID: "only", Prompt: "research only"}},
	})
	require.NoError(t, err)

	completeTopic(t, cr, qr, bus, camp.ID, "only")

	stored, err := cr.GetCampaign(context.Background(), camp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignCompleted, stored.Status)
}

func TestPause_PreventsFurtherDispatchUntilResume(t *testing.T) {
	e, cr, qr, bus := newEngine(t)

	camp, err := e.Create(context.Background(), CampaignSpec{
		Goal: "two phases via deps",
		Topics: []TopicSpec{
			{ID: "root", Prompt: "root"},
			{ID: "dependent", Prompt: "dependent", DependsOn: []string{"root"}},
		},
	})
	require.NoError(t, err)

	require.NoError(t, e.Pause(context.Background(), camp.ID))

	completeTopic(t, cr, qr, bus, camp.ID, "root")

	stored, err := cr.GetCampaign(context.Background(), camp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignPaused, stored.Status)
	dependent := findTopic(stored, "dependent")
	require.NotNil(t, dependent)
	assert.Empty(t, dependent.JobRef, "paused campaign must not dispatch new topics")

	require.NoError(t, e.Resume(context.Background(), camp.ID))
	stored, err = cr.GetCampaign(context.Background(), camp.ID)
	require.NoError(t, err)
	dependent = findTopic(stored, "dependent")
	require.NotNil(t, dependent)
	assert.NotEmpty(t, dependent.JobRef, "resume must re-enter frontier selection")
}

func TestPause_RejectsNonExecutingCampaign(t *testing.T) {
	e, cr, _, _ := newEngine(t)
	camp, err := e.Create(context.Background(), CampaignSpec{Goal: "g", Topics: []TopicSpec{{ID: "t", Prompt: "t"}}})
	require.NoError(t, err)
	require.NoError(t, e.Pause(context.Background(), camp.ID))

	err = e.Pause(context.Background(), camp.ID)
	require.Error(t, err)
	var jobErr *models.JobError
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, models.ErrPauseNotApplicable, jobErr.Kind)
	_ = cr
}

func TestOnJobTerminal_SchedulesRetryForRetryableFailure(t *testing.T) {
	e, cr, qr, _ := newEngine(t)

	camp, err := e.Create(context.Background(), CampaignSpec{Goal: "g", Topics: []TopicSpec{{ID: "t", Prompt: "t"}}})
	require.NoError(t, err)

	stored, err := cr.GetCampaign(context.Background(), camp.ID)
	require.NoError(t, err)
	jobID := findTopic(stored, "t").JobRef
	require.NotEmpty(t, jobID)

	ref := phaseRef(camp.ID, 0)
	require.NoError(t, e.OnJobTerminal(context.Background(), ref, "t", models.JobFailed,
		&models.JobError{Kind: models.ErrNetwork}, ""))

	stored, err = cr.GetCampaign(context.Background(), camp.ID)
	require.NoError(t, err)
	topic := findTopic(stored, "t")
	require.NotNil(t, topic)
	assert.Equal(t, 1, topic.RetryCount)
	assert.NotNil(t, topic.NextRetryAt)
	assert.Empty(t, topic.JobRef, "job ref cleared so the retry can dispatch a new job")
	_ = qr
}

func TestOnJobTerminal_AbortsCampaignWhenGoalUnreachable(t *testing.T) {
	e, cr, _, _ := newEngine(t)

	camp, err := e.Create(context.Background(), CampaignSpec{Goal: "g", Topics: []TopicSpec{{ID: "only", Prompt: "only"}}})
	require.NoError(t, err)

	ref := phaseRef(camp.ID, 0)
	for i := 0; i < 3; i++ {
		require.NoError(t, e.OnJobTerminal(context.Background(), ref, "only", models.JobFailed,
			&models.JobError{Kind: models.ErrNetwork}, ""))
	}
	// final attempt: retries exhausted, marks permanently failed and aborts
	require.NoError(t, e.OnJobTerminal(context.Background(), ref, "only", models.JobFailed,
		&models.JobError{Kind: models.ErrInvalidRequest}, ""))

	stored, err := cr.GetCampaign(context.Background(), camp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignFailed, stored.Status)
}

func TestSweepRetries_ReAdvancesTopicPastBackoffWindow(t *testing.T) {
	e, cr, _, _ := newEngine(t)

	camp, err := e.Create(context.Background(), CampaignSpec{Goal: "g", Topics: []TopicSpec{{ID: "t", Prompt: "t"}}})
	require.NoError(t, err)

	ref := phaseRef(camp.ID, 0)
	require.NoError(t, e.OnJobTerminal(context.Background(), ref, "t", models.JobFailed,
		&models.JobError{Kind: models.ErrNetwork}, ""))

	stored, err := cr.GetCampaign(context.Background(), camp.ID)
	require.NoError(t, err)
	topic := findTopic(stored, "t")
	require.NotNil(t, topic)
	require.NotNil(t, topic.NextRetryAt)
	past := topic.NextRetryAt.Add(-time.Hour)
	topic.NextRetryAt = &past

	require.NoError(t, e.SweepRetries(context.Background()))

	stored, err = cr.GetCampaign(context.Background(), camp.ID)
	require.NoError(t, err)
	topic = findTopic(stored, "t")
	require.NotNil(t, topic)
	assert.NotEmpty(t, topic.JobRef, "sweep should have re-dispatched the topic")
}
