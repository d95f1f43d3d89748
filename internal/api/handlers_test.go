package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blisspixel/deepr/internal/budget"
	"github.com/blisspixel/deepr/internal/campaign"
	"github.com/blisspixel/deepr/internal/clock"
	"github.com/blisspixel/deepr/internal/database"
	"github.com/blisspixel/deepr/internal/docstore"
	"github.com/blisspixel/deepr/internal/events"
	"github.com/blisspixel/deepr/internal/expert"
	"github.com/blisspixel/deepr/internal/learning"
	"github.com/blisspixel/deepr/internal/models"
	"github.com/blisspixel/deepr/internal/queue"
)

// qRepo backs both queue.Repo and, via the extra methods below, the
// API's own JobReader, the same double-duty fake pattern used across
// campaign/expert/learning's test files.
type qRepo struct {
	mu        sync.Mutex
	jobs      map[string]*models.Job
	artifacts map[string][]byte
	mimes     map[string]string
}

func newQRepo() *qRepo {
	return &qRepo{jobs: make(map[string]*models.Job), artifacts: make(map[string][]byte), mimes: make(map[string]string)}
}

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

func (r *qRepo) ListJobs(_ context.Context, limit int) ([]*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Job
	for _, j := range r.jobs {
		cp := *j
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *qRepo) GetArtifact(_ context.Context, ref string) ([]byte, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	content, ok := r.artifacts[ref]
	if !ok {
		return nil, "", database.ErrNotFound
	}
	return content, r.mimes[ref], nil
}

func (r *qRepo) putArtifact(ref string, content []byte, mime string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.artifacts[ref] = content
	r.mimes[ref] = mime
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
	j.TokenUsage = job.TokenUsage
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

type cRepo struct {
	mu        sync.Mutex
	campaigns map[string]*models.Campaign
}

func newCRepo() *cRepo { return &cRepo{campaigns: make(map[string]*models.Campaign)} }

func (r *cRepo) InsertCampaign(_ context.Context, c *models.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.campaigns[c.ID] = &cp
	return nil
}

func (r *cRepo) GetCampaign(_ context.Context, id string) (*models.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *cRepo) UpdateCampaignStatus(_ context.Context, id string, status models.CampaignStatus, rounds int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return database.ErrNotFound
	}
	c.Status = status
	c.RoundsExecuted = rounds
	return nil
}

func (r *cRepo) UpdateCampaignCost(_ context.Context, id string, cost float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return database.ErrNotFound
	}
	c.ActualCost = cost
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
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (r *cRepo) GetArtifact(_ context.Context, ref string) ([]byte, string, error) {
	return nil, "", database.ErrNotFound
}

type eRepo struct {
	mu      sync.Mutex
	experts map[string]*models.Expert
}

func newERepo() *eRepo { return &eRepo{experts: make(map[string]*models.Expert)} }

func (r *eRepo) InsertExpert(_ context.Context, e *models.Expert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *e
	r.experts[e.ID] = &cp
	return nil
}

func (r *eRepo) GetExpert(_ context.Context, id string) (*models.Expert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.experts[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *eRepo) GetExpertByName(_ context.Context, name string) (*models.Expert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.experts {
		if e.Name == name {
			cp := *e
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (r *eRepo) ListExperts(_ context.Context) ([]*models.Expert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Expert
	for _, e := range r.experts {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (r *eRepo) InsertBelief(_ context.Context, expertID string, b *models.Belief) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.experts[expertID]
	if !ok {
		return database.ErrNotFound
	}
	e.Beliefs = append(e.Beliefs, b)
	return nil
}

func (r *eRepo) SupersedeBelief(_ context.Context, beliefID, supersededBy string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.experts {
		for _, b := range e.Beliefs {
			if b.ID == beliefID {
				b.SupersededBy = supersededBy
				return nil
			}
		}
	}
	return database.ErrNotFound
}

func (r *eRepo) InsertGap(_ context.Context, expertID string, g *models.Gap) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.experts[expertID]
	if !ok {
		return database.ErrNotFound
	}
	e.Gaps = append(e.Gaps, g)
	return nil
}

func (r *eRepo) CloseGap(_ context.Context, gapID, filledByJob string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.experts {
		for _, g := range e.Gaps {
			if g.ID == gapID {
				g.FilledByJob = filledByJob
				return nil
			}
		}
	}
	return database.ErrNotFound
}

func (r *eRepo) UpdateExpertSpend(_ context.Context, id string, totalSpend float64, lastSynthesisedAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.experts[id]
	if !ok {
		return database.ErrNotFound
	}
	e.TotalSpend = totalSpend
	e.LastSynthesisedAt = lastSynthesisedAt
	return nil
}

type noopLedger struct{}

func (noopLedger) Append(context.Context, models.LedgerEntry) error              { return nil }
func (noopLedger) Since(context.Context, time.Time) ([]models.LedgerEntry, error) { return nil, nil }
func (noopLedger) All(context.Context) ([]models.LedgerEntry, error)              { return nil, nil }

type testStack struct {
	server   *Server
	qr       *qRepo
	cr       *cRepo
	er       *eRepo
	bus      *events.Bus
	governor *budget.Governor
}

func newTestStack(t *testing.T, apiKeys []string, allowlist []string) *testStack {
	t.Helper()
	gov, err := budget.New(context.Background(), budget.Config{DailyCap: 1000, MonthlyCap: 1000, Location: time.UTC}, noopLedger{}, time.Now)
	require.NoError(t, err)

	bus := events.New()
	qr := newQRepo()
	qmgr := queue.New(qr, gov, queue.Registry{}, bus, clock.New(), queue.Config{
		WorkerCount: 1, MaxInflightJobs: 10, PollInterval: time.Minute, SubmitTimeout: time.Minute, StuckThreshold: time.Hour,
	})

	cr := newCRepo()
	ce := campaign.New(cr, qmgr, gov, bus, clock.New(), campaign.Config{MaxParallelPerCampaign: 4, SummaryTokenBudget: 3000}, campaign.NoopPlanner{})

	er := newERepo()
	store := expert.New(er, docstore.NewFake(), expert.NewFakeAnswerer(), ce, bus, clock.New())

	learningSvc := learning.New(store, bus, learning.Config{DefaultGapCost: 5})

	connMgr := events.NewConnectionManager(bus, nil)

	srv := NewServer(qr, qmgr, ce, store, learningSvc, gov, connMgr, apiKeys, allowlist)
	return &testStack{server: srv, qr: qr, cr: cr, er: er, bus: bus, governor: gov}
}

func (ts *testStack) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.server.engine.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthHandler_NeverRequiresAuth(t *testing.T) {
	ts := newTestStack(t, []string{"secret"}, nil)
	w := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthMiddleware_RejectsMissingKeyWhenConfigured(t *testing.T) {
	ts := newTestStack(t, []string{"secret"}, nil)
	w := ts.do(t, http.MethodGet, "/jobs", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddleware_AcceptsXApiKeyHeader(t *testing.T) {
	ts := newTestStack(t, []string{"secret"}, nil)
	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set("X-Api-Key", "secret")
	w := httptest.NewRecorder()
	ts.server.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthMiddleware_AcceptsBearerToken(t *testing.T) {
	ts := newTestStack(t, []string{"secret"}, nil)
	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	ts.server.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateJobHandler_AdmitsValidJob(t *testing.T) {
	ts := newTestStack(t, nil, nil)
	w := ts.do(t, http.MethodPost, "/jobs", CreateJobRequest{Prompt: "research this", Model: "o3-deep-research", Provider: "openai"})
	require.Equal(t, http.StatusCreated, w.Code)
	resp := decodeJSON(t, w)
	assert.NotEmpty(t, resp["job_id"])
	assert.Equal(t, "pending", resp["status"])
}

func TestCreateJobHandler_RejectsModelNotInAllowlist(t *testing.T) {
	ts := newTestStack(t, nil, []string{"approved-model"})
	w := ts.do(t, http.MethodPost, "/jobs", CreateJobRequest{Prompt: "research this", Model: "shadow-model"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateJobHandler_RejectsMissingPrompt(t *testing.T) {
	ts := newTestStack(t, nil, nil)
	w := ts.do(t, http.MethodPost, "/jobs", CreateJobRequest{Model: "o3-deep-research"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateJobHandler_RejectsOversizedMetadata(t *testing.T) {
	ts := newTestStack(t, nil, nil)
	w := ts.do(t, http.MethodPost, "/jobs", CreateJobRequest{
		Prompt:   "research this",
		Metadata: map[string]string{"blob": string(make([]byte, models.MaxMetadataBytes+1))},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateJobHandler_RejectsOverDailyBudget(t *testing.T) {
	gov, err := budget.New(context.Background(), budget.Config{DailyCap: 1, MonthlyCap: 1000, Location: time.UTC}, noopLedger{}, time.Now)
	require.NoError(t, err)
	bus := events.New()
	qr := newQRepo()
	qmgr := queue.New(qr, gov, queue.Registry{}, bus, clock.New(), queue.Config{
		WorkerCount: 1, MaxInflightJobs: 10, PollInterval: time.Minute, SubmitTimeout: time.Minute, StuckThreshold: time.Hour,
	})
	cr := newCRepo()
	ce := campaign.New(cr, qmgr, gov, bus, clock.New(), campaign.Config{MaxParallelPerCampaign: 4, SummaryTokenBudget: 3000}, campaign.NoopPlanner{})
	er := newERepo()
	store := expert.New(er, docstore.NewFake(), expert.NewFakeAnswerer(), ce, bus, clock.New())
	learningSvc := learning.New(store, bus, learning.Config{})
	srv := NewServer(qr, qmgr, ce, store, learningSvc, gov, events.NewConnectionManager(bus, nil), nil, nil)
	ts := &testStack{server: srv, qr: qr}

	budgetCap := 100.0
	w := ts.do(t, http.MethodPost, "/jobs", CreateJobRequest{Prompt: "research this", BudgetCap: &budgetCap})
	require.Equal(t, http.StatusCreated, w.Code)
	resp := decodeJSON(t, w)
	assert.Equal(t, "admission_rejected", resp["status"])
}

func TestGetJobHandler_ReturnsNotFoundForUnknownJob(t *testing.T) {
	ts := newTestStack(t, nil, nil)
	w := ts.do(t, http.MethodGet, "/jobs/nonexistent", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetJobHandler_ReturnsStoredJob(t *testing.T) {
	ts := newTestStack(t, nil, nil)
	w := ts.do(t, http.MethodPost, "/jobs", CreateJobRequest{Prompt: "research this"})
	require.Equal(t, http.StatusCreated, w.Code)
	created := decodeJSON(t, w)
	jobID := created["job_id"].(string)

	w = ts.do(t, http.MethodGet, "/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeJSON(t, w)
	assert.Equal(t, jobID, resp["job_id"])
	assert.Equal(t, "research this", resp["prompt"])
}

func TestListJobsHandler_FiltersByStatus(t *testing.T) {
	ts := newTestStack(t, nil, nil)
	ts.do(t, http.MethodPost, "/jobs", CreateJobRequest{Prompt: "first"})
	ts.do(t, http.MethodPost, "/jobs", CreateJobRequest{Prompt: "second"})

	w := ts.do(t, http.MethodGet, "/jobs?status=pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeJSON(t, w)
	jobs := resp["jobs"].([]any)
	assert.Len(t, jobs, 2)
}

func TestCancelJobHandler_RejectsAlreadyTerminalJob(t *testing.T) {
	ts := newTestStack(t, nil, nil)
	w := ts.do(t, http.MethodPost, "/jobs", CreateJobRequest{Prompt: "research this"})
	created := decodeJSON(t, w)
	jobID := created["job_id"].(string)

	require.NoError(t, ts.qr.FailJob(context.Background(), jobID, models.JobCompleted, nil, time.Now()))

	w = ts.do(t, http.MethodPost, "/jobs/"+jobID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestResolveElicitationHandler_ApproveOverrideRecordsOverride(t *testing.T) {
	ts := newTestStack(t, nil, nil)
	w := ts.do(t, http.MethodPost, "/jobs", CreateJobRequest{Prompt: "research this"})
	created := decodeJSON(t, w)
	jobID := created["job_id"].(string)

	w = ts.do(t, http.MethodPost, "/jobs/"+jobID+"/resolve", ResolveElicitationRequest{Option: string(budget.ApproveOverride)})
	require.Equal(t, http.StatusOK, w.Code)

	job, err := ts.qr.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.True(t, job.CostOverride)
}

func TestGetResultHandler_ReturnsNotFoundWithoutResult(t *testing.T) {
	ts := newTestStack(t, nil, nil)
	w := ts.do(t, http.MethodPost, "/jobs", CreateJobRequest{Prompt: "research this"})
	created := decodeJSON(t, w)
	jobID := created["job_id"].(string)

	w = ts.do(t, http.MethodGet, "/results/"+jobID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetResultHandler_ReturnsArtifactContent(t *testing.T) {
	ts := newTestStack(t, nil, nil)
	w := ts.do(t, http.MethodPost, "/jobs", CreateJobRequest{Prompt: "research this"})
	created := decodeJSON(t, w)
	jobID := created["job_id"].(string)

	job, err := ts.qr.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	job.ResultRef = "artifact://abc"
	job.Status = models.JobCompleted
	require.NoError(t, ts.qr.CompleteJob(context.Background(), job, time.Now()))
	ts.qr.putArtifact("artifact://abc", []byte("# findings"), "text/markdown")

	w = ts.do(t, http.MethodGet, "/results/"+jobID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "# findings", w.Body.String())
	assert.Equal(t, "text/markdown", w.Header().Get("Content-Type"))
}

func TestCreateCampaignHandler_DispatchesRootTopics(t *testing.T) {
	ts := newTestStack(t, nil, nil)
	w := ts.do(t, http.MethodPost, "/campaigns", CreateCampaignRequest{
		Goal: "survey igneous rocks",
		Topics: []TopicRequest{
			{ID: "t1", Prompt: "granite formation"},
			{ID: "t2", Prompt: "basalt formation"},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	resp := decodeJSON(t, w)
	assert.Equal(t, "executing", resp["status"])
	phases := resp["phases"].([]any)
	require.Len(t, phases, 1)
}

func TestGetCampaignHandler_ReturnsNotFoundForUnknownCampaign(t *testing.T) {
	ts := newTestStack(t, nil, nil)
	w := ts.do(t, http.MethodGet, "/campaigns/nonexistent", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPauseThenResumeCampaignHandler_RoundTrips(t *testing.T) {
	ts := newTestStack(t, nil, nil)
	w := ts.do(t, http.MethodPost, "/campaigns", CreateCampaignRequest{
		Goal:   "survey igneous rocks",
		Topics: []TopicRequest{{ID: "t1", Prompt: "granite formation"}},
	})
	created := decodeJSON(t, w)
	campaignID := created["campaign_id"].(string)

	w = ts.do(t, http.MethodPost, "/campaigns/"+campaignID+"/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodPost, "/campaigns/"+campaignID+"/resume", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestCreateExpertHandler_CreatesAndGetReturnsIt(t *testing.T) {
	ts := newTestStack(t, nil, nil)
	w := ts.do(t, http.MethodPost, "/experts", CreateExpertRequest{Name: "geology", Domain: "study of rocks"})
	require.Equal(t, http.StatusCreated, w.Code)
	resp := decodeJSON(t, w)
	assert.Equal(t, "geology", resp["name"])

	w = ts.do(t, http.MethodGet, "/experts/geology", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp = decodeJSON(t, w)
	assert.Equal(t, "geology", resp["name"])
}

func TestGetExpertHandler_ReturnsNotFoundForUnknownExpert(t *testing.T) {
	ts := newTestStack(t, nil, nil)
	w := ts.do(t, http.MethodGet, "/experts/nonexistent", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListExpertsHandler_ReturnsAllCreated(t *testing.T) {
	ts := newTestStack(t, nil, nil)
	ts.do(t, http.MethodPost, "/experts", CreateExpertRequest{Name: "geology", Domain: "study of rocks"})
	ts.do(t, http.MethodPost, "/experts", CreateExpertRequest{Name: "botany", Domain: "study of plants"})

	w := ts.do(t, http.MethodGet, "/experts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeJSON(t, w)
	assert.Len(t, resp["experts"].([]any), 2)
}

func TestRecordGapHandler_RecordsAgainstExistingExpert(t *testing.T) {
	ts := newTestStack(t, nil, nil)
	ts.do(t, http.MethodPost, "/experts", CreateExpertRequest{Name: "geology", Domain: "study of rocks"})

	w := ts.do(t, http.MethodPost, "/experts/geology/gaps", RecordGapRequest{Topic: "weathering rates", Priority: 3})
	require.Equal(t, http.StatusCreated, w.Code)

	w = ts.do(t, http.MethodGet, "/experts/geology", nil)
	resp := decodeJSON(t, w)
	assert.Len(t, resp["gaps"].([]any), 1)
}

func TestRecordGapHandler_ReturnsNotFoundForUnknownExpert(t *testing.T) {
	ts := newTestStack(t, nil, nil)
	w := ts.do(t, http.MethodPost, "/experts/nonexistent/gaps", RecordGapRequest{Topic: "weathering rates"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQueryExpertHandler_ReturnsAnswerComposition(t *testing.T) {
	ts := newTestStack(t, nil, nil)
	w := ts.do(t, http.MethodPost, "/experts", CreateExpertRequest{Name: "geology", Domain: "study of rocks"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = ts.do(t, http.MethodPost, "/experts/geology/query", QueryExpertRequest{Question: "how does granite form"})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeJSON(t, w)
	assert.Contains(t, resp, "answer")
	assert.Contains(t, resp, "identified_gaps")
}

func TestLearnHandler_StartsLearningLoop(t *testing.T) {
	ts := newTestStack(t, nil, nil)
	ts.do(t, http.MethodPost, "/experts", CreateExpertRequest{Name: "geology", Domain: "study of rocks"})
	ts.do(t, http.MethodPost, "/experts/geology/gaps", RecordGapRequest{Topic: "weathering rates", Priority: 3})

	w := ts.do(t, http.MethodPost, "/experts/geology/learn", LearnRequest{Budget: 50, TopK: 1})
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestFillGapHandler_ReturnsNotFoundForUnknownExpert(t *testing.T) {
	ts := newTestStack(t, nil, nil)
	w := ts.do(t, http.MethodPost, "/experts/nonexistent/gaps/g1/fill", FillGapRequest{Budget: 10})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCostsHandler_ReturnsDayPeriodByDefault(t *testing.T) {
	ts := newTestStack(t, nil, nil)
	w := ts.do(t, http.MethodGet, "/costs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeJSON(t, w)
	assert.Equal(t, "day", resp["period"])
}

func TestCostsHandler_AcceptsMonthPeriod(t *testing.T) {
	ts := newTestStack(t, nil, nil)
	w := ts.do(t, http.MethodGet, "/costs?period=month", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeJSON(t, w)
	assert.Equal(t, "month", resp["period"])
}
