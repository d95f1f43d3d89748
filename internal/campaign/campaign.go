// Package campaign implements the Campaign Engine (C8, spec §4.4): a
// multi-phase DAG of topics executed against the Job Queue, advanced
// by subscribing to C11 job-completion events rather than polling.
// Grounded on the teacher's pkg/agent/controller package — synthesis.go's
// "single LLM call over prior-stage context" shape for context-chaining
// summarisation, and summarize.go's token-threshold trigger for when a
// predecessor's output needs compressing before injection.
package campaign

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/blisspixel/deepr/internal/budget"
	"github.com/blisspixel/deepr/internal/clock"
	"github.com/blisspixel/deepr/internal/events"
	"github.com/blisspixel/deepr/internal/ids"
	"github.com/blisspixel/deepr/internal/models"
	"github.com/blisspixel/deepr/internal/queue"
)

// Repo is the persistence subset the engine depends on.
type Repo interface {
	InsertCampaign(ctx context.Context, c *models.Campaign) error
	GetCampaign(ctx context.Context, id string) (*models.Campaign, error)
	UpdateCampaignStatus(ctx context.Context, id string, status models.CampaignStatus, roundsExecuted int) error
	UpdateCampaignCost(ctx context.Context, id string, actualCost float64) error
	UpdatePhaseStatus(ctx context.Context, campaignID string, phaseIndex int, status models.CampaignStatus) error
	UpdateTopic(ctx context.Context, t *models.Topic) error
	InsertPhase(ctx context.Context, campaignID string, phase *models.Phase) error
	ListActiveCampaigns(ctx context.Context) ([]*models.Campaign, error)
	GetArtifact(ctx context.Context, ref string) ([]byte, string, error)
}

// Planner proposes the next phase of an auto-continue campaign given
// the goal and results so far (spec §4.4: "invoke the planner again
// with results-to-date"). No concrete planner-model integration ships
// here since the spec leaves the planner's output schema undefined
// (DESIGN.md Open Question); callers that want auto_continue wire a
// Planner backed by a job submitted to a cheap "planner" provider and
// a parser for that provider's output format.
type Planner interface {
	PlanNextPhase(ctx context.Context, camp *models.Campaign, resultsSoFar map[string]string) ([]*models.Topic, error)
}

// NoopPlanner ends a campaign instead of proposing further phases,
// the default when no Planner is configured.
type NoopPlanner struct{}

func (NoopPlanner) PlanNextPhase(context.Context, *models.Campaign, map[string]string) ([]*models.Topic, error) {
	return nil, nil
}

// RetryPolicy controls the exponential backoff applied to topics whose
// job failed with a retryable error kind (spec §4.4).
type RetryPolicy struct {
	BaseDelay   time.Duration // default 30s
	Factor      float64       // default 2
	MaxAttempts int           // default 3
}

// Config controls engine-wide limits.
type Config struct {
	MaxParallelPerCampaign int // default 4
	SummaryTokenBudget     int // default 3000
	Retry                  RetryPolicy
}

// Engine is the Campaign Engine's single entry point.
type Engine struct {
	repo     Repo
	queue    *queue.Manager
	governor *budget.Governor
	bus      *events.Bus
	clock    clock.Clock
	cfg      Config
	planner  Planner
}

// New constructs an Engine. Call Start to subscribe to job-completion
// events and begin driving campaigns forward.
func New(repo Repo, q *queue.Manager, governor *budget.Governor, bus *events.Bus, clk clock.Clock, cfg Config, planner Planner) *Engine {
	if planner == nil {
		planner = NoopPlanner{}
	}
	return &Engine{repo: repo, queue: q, governor: governor, bus: bus, clock: clk, cfg: cfg, planner: planner}
}

// Start resumes campaigns left active by a prior process (spec §4.4
// durable pause/resume). Per-job bus subscriptions live only in memory,
// so Start re-arms one for every dispatched, non-terminal topic of each
// active campaign, then re-runs the frontier of executing campaigns.
func (e *Engine) Start(ctx context.Context) error {
	active, err := e.repo.ListActiveCampaigns(ctx)
	if err != nil {
		return fmt.Errorf("campaign: listing active campaigns on startup: %w", err)
	}
	for _, camp := range active {
		for _, phase := range camp.Phases {
			for _, t := range phase.Topics {
				if t.JobRef != "" && !t.Terminal() {
					e.subscribeTerminal(camp.ID, phase.PhaseIndex, t.ID, t.JobRef)
				}
			}
		}
		if camp.Status == models.CampaignExecuting {
			if err := e.advance(ctx, camp); err != nil {
				slog.Error("campaign: resuming on startup", "campaign_id", camp.ID, "error", err)
			}
		}
	}
	return nil
}

// Create persists a new campaign from caller-supplied topics (spec
// §4.4 "planned" mode) and begins execution.
func (e *Engine) Create(ctx context.Context, spec CampaignSpec) (*models.Campaign, error) {
	if spec.MaxRounds > models.MaxAutoRounds {
		return nil, fmt.Errorf("campaign: max_rounds %d exceeds hard cap %d", spec.MaxRounds, models.MaxAutoRounds)
	}
	maxParallel := spec.MaxParallel
	if maxParallel <= 0 {
		maxParallel = e.cfg.MaxParallelPerCampaign
	}

	camp := &models.Campaign{
		ID:           ids.New(ids.Campaign),
		Goal:         spec.Goal,
		Status:       models.CampaignReady,
		CreatedAt:    e.clock.Now(),
		BudgetCap:    spec.BudgetCap,
		AutoContinue: spec.AutoContinue,
		MaxRounds:    spec.MaxRounds,
		MaxParallel:  maxParallel,
		ExpertRef:    spec.ExpertRef,
		Phases:       buildPhase0(spec.Topics),
	}

	if err := e.repo.InsertCampaign(ctx, camp); err != nil {
		return nil, fmt.Errorf("campaign: creating: %w", err)
	}

	camp.Status = models.CampaignExecuting
	if err := e.repo.UpdateCampaignStatus(ctx, camp.ID, camp.Status, camp.RoundsExecuted); err != nil {
		return nil, fmt.Errorf("campaign: marking executing: %w", err)
	}

	if err := e.advance(ctx, camp); err != nil {
		return nil, fmt.Errorf("campaign: starting execution: %w", err)
	}
	return camp, nil
}

// Get loads a campaign by id (spec §6.3 GET /campaigns/{id}, and for
// callers like the Expert Store that need to inspect a finished
// campaign's topics after a completion event fires).
func (e *Engine) Get(ctx context.Context, campaignID string) (*models.Campaign, error) {
	return e.repo.GetCampaign(ctx, campaignID)
}

// CampaignSpec is the caller-supplied input to Create (spec §6.3).
type CampaignSpec struct {
	Goal         string
	Topics       []TopicSpec
	BudgetCap    *float64
	AutoContinue bool
	MaxRounds    int
	MaxParallel  int
	ExpertRef    string
}

// TopicSpec describes one caller-supplied topic for planned-mode
// creation.
type TopicSpec struct {
	ID            string
	Prompt        string
	DependsOn     []string
	EstimatedCost float64
}

func buildPhase0(specs []TopicSpec) []*models.Phase {
	topics := make([]*models.Topic, 0, len(specs))
	for _, s := range specs {
		deps := make(map[string]bool, len(s.DependsOn))
		for _, d := range s.DependsOn {
			deps[d] = true
		}
		topics = append(topics, &models.Topic{
			ID:            s.ID,
			Prompt:        s.Prompt,
			DependsOn:     deps,
			EstimatedCost: s.EstimatedCost,
		})
	}
	return []*models.Phase{{PhaseIndex: 0, Status: models.CampaignExecuting, Topics: topics}}
}

// Pause marks a campaign paused: in-flight jobs run to completion but
// no new frontier topics are enqueued (spec §4.4).
func (e *Engine) Pause(ctx context.Context, campaignID string) error {
	camp, err := e.repo.GetCampaign(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("campaign: pause: %w", err)
	}
	if camp.Status != models.CampaignExecuting {
		return fmt.Errorf("campaign: pause: %w", &models.JobError{Kind: models.ErrPauseNotApplicable, Message: "campaign is not executing"})
	}
	return e.repo.UpdateCampaignStatus(ctx, campaignID, models.CampaignPaused, camp.RoundsExecuted)
}

// Resume re-enters the frontier-selection algorithm for a paused
// campaign (spec §4.4).
func (e *Engine) Resume(ctx context.Context, campaignID string) error {
	camp, err := e.repo.GetCampaign(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("campaign: resume: %w", err)
	}
	if camp.Status != models.CampaignPaused {
		return fmt.Errorf("campaign: resume: %w", &models.JobError{Kind: models.ErrPauseNotApplicable, Message: "campaign is not paused"})
	}
	camp.Status = models.CampaignExecuting
	if err := e.repo.UpdateCampaignStatus(ctx, campaignID, camp.Status, camp.RoundsExecuted); err != nil {
		return err
	}
	return e.advance(ctx, camp)
}

// OnJobTerminal is invoked (directly, or via a bus subscription
// installed by the caller) whenever a job whose parent_phase_ref
// belongs to a campaign reaches a terminal state (spec §4.4 step 4).
func (e *Engine) OnJobTerminal(ctx context.Context, phaseRef, topicID string, status models.JobStatus, jobErr *models.JobError, resultRef string) error {
	campaignID, _, err := parsePhaseRef(phaseRef)
	if err != nil {
		return nil // not a campaign-owned job
	}
	camp, err := e.repo.GetCampaign(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("campaign: loading on job terminal: %w", err)
	}

	topic := findTopic(camp, topicID)
	if topic == nil {
		return fmt.Errorf("campaign: topic %s not found in campaign %s", topicID, campaignID)
	}

	if status == models.JobFailed && jobErr != nil && jobErr.Kind.Retryable() && topic.RetryCount < e.cfg.Retry.maxAttempts() {
		return e.scheduleRetry(ctx, camp, topic)
	}

	topic.TerminalStatus = status
	topic.NextRetryAt = nil
	if status == models.JobCompleted && resultRef != "" {
		content, _, err := e.repo.GetArtifact(ctx, resultRef)
		if err != nil {
			slog.Error("campaign: fetching result artifact for context chaining", "campaign_id", campaignID, "topic_id", topicID, "result_ref", resultRef, "error", err)
		} else {
			tokenBudget := e.cfg.SummaryTokenBudget
			if tokenBudget <= 0 {
				tokenBudget = 3000
			}
			topic.ResultSummary = truncateToTokenBudget(string(content), tokenBudget)
		}
	}
	if err := e.repo.UpdateTopic(ctx, topic); err != nil {
		return fmt.Errorf("campaign: persisting topic terminal state: %w", err)
	}

	if !isGoalReachable(camp) {
		return e.abortCampaign(ctx, camp, "no remaining path to goal: required topics permanently failed")
	}
	if camp.Status != models.CampaignPaused {
		return e.advance(ctx, camp)
	}
	return nil
}

func parsePhaseRef(ref string) (campaignID string, phaseIndex int, err error) {
	parts := strings.SplitN(ref, "/", 2)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("campaign: malformed phase ref %q", ref)
	}
	campaignID = parts[0]
	if _, err := fmt.Sscanf(parts[1], "%d", &phaseIndex); err != nil {
		return "", 0, fmt.Errorf("campaign: malformed phase index in %q: %w", ref, err)
	}
	return campaignID, phaseIndex, nil
}

func phaseRef(campaignID string, phaseIndex int) string {
	return fmt.Sprintf("%s/%d", campaignID, phaseIndex)
}

func findTopic(camp *models.Campaign, topicID string) *models.Topic {
	for _, phase := range camp.Phases {
		for _, t := range phase.Topics {
			if t.ID == topicID {
				return t
			}
		}
	}
	return nil
}

func findPhase(camp *models.Campaign, idx int) *models.Phase {
	for _, p := range camp.Phases {
		if p.PhaseIndex == idx {
			return p
		}
	}
	return nil
}

func (r RetryPolicy) maxAttempts() int {
	if r.MaxAttempts <= 0 {
		return 3
	}
	return r.MaxAttempts
}

func (r RetryPolicy) baseDelay() time.Duration {
	if r.BaseDelay <= 0 {
		return 30 * time.Second
	}
	return r.BaseDelay
}

func (r RetryPolicy) factor() float64 {
	if r.Factor <= 0 {
		return 2
	}
	return r.Factor
}
