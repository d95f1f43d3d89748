package campaign

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/blisspixel/deepr/internal/budget"
	"github.com/blisspixel/deepr/internal/events"
	"github.com/blisspixel/deepr/internal/models"
	"github.com/blisspixel/deepr/internal/provider"
)

// advance runs the frontier-selection algorithm for the current phase
// of an executing campaign: select ready topics, dispatch up to
// max_parallel_per_campaign, and otherwise check whether the phase (or
// the whole campaign) has completed (spec §4.4 steps 1-6).
func (e *Engine) advance(ctx context.Context, camp *models.Campaign) error {
	if camp.Status != models.CampaignExecuting {
		return nil
	}

	phase := currentPhase(camp)
	if phase == nil {
		return e.completeCampaign(ctx, camp)
	}

	if !models.PhaseComplete(phase) {
		return e.dispatchFrontier(ctx, camp, phase)
	}
	return e.advancePastPhase(ctx, camp, phase)
}

// currentPhase returns the lowest-index phase not yet complete, or nil
// if every phase is complete.
func currentPhase(camp *models.Campaign) *models.Phase {
	for _, p := range camp.Phases {
		if !models.PhaseComplete(p) {
			return p
		}
	}
	return nil
}

// dispatchFrontier selects every topic in phase whose dependencies are
// all terminal-completed and not yet dispatched, and enqueues up to
// the campaign's parallelism budget (spec §4.4 steps 1-3).
func (e *Engine) dispatchFrontier(ctx context.Context, camp *models.Campaign, phase *models.Phase) error {
	inFlight := countInFlight(phase)
	if inFlight >= camp.MaxParallel {
		return nil
	}

	frontier := selectFrontier(camp, phase)
	if !isGoalReachable(camp) {
		return e.abortCampaign(ctx, camp, "no remaining path to goal: required topics permanently failed")
	}

	slots := camp.MaxParallel - inFlight
	for _, topic := range frontier {
		if slots <= 0 {
			break
		}
		if err := e.dispatchTopic(ctx, camp, phase, topic); err != nil {
			slog.Error("campaign: dispatching topic", "campaign_id", camp.ID, "topic_id", topic.ID, "error", err)
			continue
		}
		slots--
	}
	return nil
}

// selectFrontier returns topics in phase that are not yet dispatched,
// not yet terminal, and whose dependencies (same or earlier phase) are
// all terminal-completed (spec §4.4 step 1).
func selectFrontier(camp *models.Campaign, phase *models.Phase) []*models.Topic {
	completed := make(map[string]bool)
	for _, p := range camp.Phases {
		for _, t := range p.Topics {
			if t.TerminalStatus == models.JobCompleted {
				completed[t.ID] = true
			}
		}
	}
	var ready []*models.Topic
	for _, t := range phase.Topics {
		if t.JobRef != "" || t.Terminal() {
			continue
		}
		if t.NextRetryAt != nil {
			continue // awaiting backoff; swept separately
		}
		allDepsReady := true
		for dep := range t.DependsOn {
			if !completed[dep] {
				allDepsReady = false
				break
			}
		}
		if allDepsReady {
			ready = append(ready, t)
		}
	}
	return ready
}

func countInFlight(phase *models.Phase) int {
	n := 0
	for _, t := range phase.Topics {
		if t.JobRef != "" && !t.Terminal() {
			n++
		}
	}
	return n
}

// dispatchTopic builds the topic's context summary from its completed
// dependencies, enqueues a job for it, and subscribes to that job's
// terminal events so the engine advances without polling (spec §4.4
// step 2-3).
func (e *Engine) dispatchTopic(ctx context.Context, camp *models.Campaign, phase *models.Phase, topic *models.Topic) error {
	summary := e.buildContextSummary(camp, topic)
	prompt := topic.Prompt
	if summary != "" {
		prompt = fmt.Sprintf("Context from prior research:\n%s\n\nTask:\n%s", summary, topic.Prompt)
	}

	var budgetCap *float64
	if topic.EstimatedCost > 0 {
		budgetCap = &topic.EstimatedCost
	}

	job, decision, err := e.queue.Enqueue(ctx, models.JobSpec{
		Prompt:         prompt,
		Model:          "standard",
		Provider:       provider.OpenAI,
		BudgetCap:      budgetCap,
		ParentPhaseRef: phaseRef(camp.ID, phase.PhaseIndex),
		Metadata:       map[string]string{"campaign_id": camp.ID, "topic_id": topic.ID},
	}, topic.EstimatedCost)
	if err != nil {
		return fmt.Errorf("enqueueing topic: %w", err)
	}
	if decision.Kind == budget.Reject {
		topic.TerminalStatus = models.JobFailed
		return e.repo.UpdateTopic(ctx, topic)
	}

	topic.JobRef = job.ID
	topic.ContextSummary = summary
	if err := e.repo.UpdateTopic(ctx, topic); err != nil {
		return fmt.Errorf("persisting dispatched topic: %w", err)
	}

	e.subscribeTerminal(camp.ID, phase.PhaseIndex, topic.ID, job.ID)
	return nil
}

// subscribeTerminal arms one-shot subscriptions on a dispatched job's
// completed/failed/cancelled topics; each unsubscribes itself after
// firing so the bus's subscriber table does not grow unbounded over a
// campaign's lifetime.
func (e *Engine) subscribeTerminal(campaignID string, phaseIndex int, topicID, jobID string) {
	ref := phaseRef(campaignID, phaseIndex)
	topics := map[models.JobStatus]string{
		models.JobCompleted: events.JobTopic(jobID, "completed"),
		models.JobFailed:    events.JobTopic(jobID, "failed"),
		models.JobCancelled: events.JobTopic(jobID, "cancelled"),
	}
	subIDs := make(map[string]int, len(topics))

	handler := func(status models.JobStatus) func(events.Event) {
		return func(ev events.Event) {
			for _, topic := range topics {
				e.bus.Unsubscribe(topic, subIDs[topic])
			}
			var jobErr *models.JobError
			if kind, ok := ev.Payload["error_kind"].(string); ok && kind != "" {
				jobErr = &models.JobError{Kind: models.ErrorKind(kind)}
			}
			resultRef, _ := ev.Payload["result_ref"].(string)
			if err := e.OnJobTerminal(context.Background(), ref, topicID, status, jobErr, resultRef); err != nil {
				slog.Error("campaign: handling job terminal event", "job_id", jobID, "error", err)
			}
		}
	}
	for status, topic := range topics {
		subIDs[topic] = e.bus.Subscribe(topic, handler(status))
	}
}

// buildContextSummary compresses a topic's completed dependency
// results into a bounded context block, using a deterministic
// truncation fallback (spec §4.4 step 2: "bounded to <=3,000 tokens
// using a summariser job or a deterministic truncation fallback").
// No summariser-job path ships by default since the spec leaves the
// summariser model/prompt unspecified; a caller may set a richer
// Planner-style summariser by decorating Engine (DESIGN.md).
func (e *Engine) buildContextSummary(camp *models.Campaign, topic *models.Topic) string {
	if len(topic.DependsOn) == 0 {
		return ""
	}
	tokenBudget := e.cfg.SummaryTokenBudget
	if tokenBudget <= 0 {
		tokenBudget = 3000
	}
	perDep := tokenBudget / len(topic.DependsOn)

	var parts []string
	for _, p := range camp.Phases {
		for _, t := range p.Topics {
			if !topic.DependsOn[t.ID] {
				continue
			}
			parts = append(parts, fmt.Sprintf("[%s]\n%s", t.ID, truncateToTokenBudget(t.ResultSummary, perDep)))
		}
	}
	return strings.Join(parts, "\n\n")
}

// truncateToTokenBudget approximates tokens as whitespace-delimited
// words (the same rough heuristic the teacher's mcp.EstimateTokens
// uses for summarisation thresholds) and truncates to fit.
func truncateToTokenBudget(text string, tokenBudget int) string {
	words := strings.Fields(text)
	if len(words) <= tokenBudget {
		return text
	}
	return strings.Join(words[:tokenBudget], " ") + " ...[truncated]"
}

// scheduleRetry applies exponential backoff to a topic whose job
// failed with a retryable error kind (spec §4.4 failure policy).
func (e *Engine) scheduleRetry(ctx context.Context, camp *models.Campaign, topic *models.Topic) error {
	topic.RetryCount++
	delay := time.Duration(float64(e.cfg.Retry.baseDelay()) * pow(e.cfg.Retry.factor(), topic.RetryCount-1))
	next := e.clock.Now().Add(delay)
	topic.NextRetryAt = &next
	topic.JobRef = ""
	return e.repo.UpdateTopic(ctx, topic)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// SweepRetries re-arms topics whose backoff window has elapsed, to be
// called periodically by the caller's scheduler alongside the queue's
// own watchdog.
func (e *Engine) SweepRetries(ctx context.Context) error {
	active, err := e.repo.ListActiveCampaigns(ctx)
	if err != nil {
		return fmt.Errorf("campaign: sweeping retries: %w", err)
	}
	now := e.clock.Now()
	for _, camp := range active {
		if camp.Status != models.CampaignExecuting {
			continue
		}
		dirty := false
		for _, phase := range camp.Phases {
			for _, t := range phase.Topics {
				if t.NextRetryAt != nil && !now.Before(*t.NextRetryAt) {
					t.NextRetryAt = nil
					dirty = true
				}
			}
		}
		if dirty {
			if err := e.advance(ctx, camp); err != nil {
				slog.Error("campaign: re-advancing after retry sweep", "campaign_id", camp.ID, "error", err)
			}
		}
	}
	return nil
}

// isGoalReachable implements the failure policy's graph-reachability
// check (spec §4.4): a topic is unreachable if it has permanently
// failed (retries exhausted) or any of its dependencies is
// unreachable; the campaign aborts only once every topic in the final
// phase is unreachable.
func isGoalReachable(camp *models.Campaign) bool {
	if len(camp.Phases) == 0 {
		return true
	}
	byID := make(map[string]*models.Topic)
	for _, phase := range camp.Phases {
		for _, t := range phase.Topics {
			byID[t.ID] = t
		}
	}
	memo := make(map[string]bool)
	var unreachable func(id string, visiting map[string]bool) bool
	unreachable = func(id string, visiting map[string]bool) bool {
		if v, ok := memo[id]; ok {
			return v
		}
		if visiting[id] {
			return false // cycle guard; treat as reachable rather than loop forever
		}
		visiting[id] = true
		defer delete(visiting, id)

		t, ok := byID[id]
		if !ok {
			return false
		}
		permanentlyFailed := t.TerminalStatus == models.JobFailed && t.NextRetryAt == nil && t.RetryCount > 0
		if permanentlyFailed {
			memo[id] = true
			return true
		}
		for dep := range t.DependsOn {
			if unreachable(dep, visiting) {
				memo[id] = true
				return true
			}
		}
		memo[id] = false
		return false
	}

	last := camp.Phases[len(camp.Phases)-1]
	if len(last.Topics) == 0 {
		return true
	}
	for _, t := range last.Topics {
		if !unreachable(t.ID, map[string]bool{}) {
			return true
		}
	}
	return false
}

func (e *Engine) abortCampaign(ctx context.Context, camp *models.Campaign, reason string) error {
	slog.Warn("campaign: aborting, goal unreachable", "campaign_id", camp.ID, "reason", reason)
	if err := e.repo.UpdateCampaignStatus(ctx, camp.ID, models.CampaignFailed, camp.RoundsExecuted); err != nil {
		return err
	}
	e.bus.Publish(events.Event{
		Topic:   events.CampaignTopic(camp.ID, "failed"),
		Type:    "campaign.failed",
		Payload: map[string]any{"campaign_id": camp.ID, "reason": reason},
	})
	return nil
}
