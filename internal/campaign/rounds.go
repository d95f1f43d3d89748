package campaign

import (
	"context"
	"fmt"

	"github.com/blisspixel/deepr/internal/events"
	"github.com/blisspixel/deepr/internal/ids"
	"github.com/blisspixel/deepr/internal/models"
)

// advancePastPhase marks a just-completed phase's persisted status and
// either enters an already-planned next phase, asks the planner for
// one (auto_continue), or completes the campaign (spec §4.4 steps
// 5-6).
func (e *Engine) advancePastPhase(ctx context.Context, camp *models.Campaign, phase *models.Phase) error {
	phase.Status = models.CampaignCompleted
	if err := e.repo.UpdatePhaseStatus(ctx, camp.ID, phase.PhaseIndex, phase.Status); err != nil {
		return fmt.Errorf("marking phase complete: %w", err)
	}

	if next := findPhase(camp, phase.PhaseIndex+1); next != nil {
		return e.advance(ctx, camp)
	}

	if camp.AutoContinue && camp.RoundsExecuted < camp.MaxRounds && camp.RoundsExecuted < models.MaxAutoRounds {
		return e.planNextRound(ctx, camp)
	}

	return e.completeCampaign(ctx, camp)
}

// planNextRound invokes the configured Planner with results collected
// so far and appends its proposed phase, bounded by max_rounds and the
// hard MaxAutoRounds cap (spec §4.4 step 5, §9 Open Question).
func (e *Engine) planNextRound(ctx context.Context, camp *models.Campaign) error {
	resultsSoFar, err := e.collectResults(ctx, camp)
	if err != nil {
		return fmt.Errorf("collecting results for planner: %w", err)
	}

	topics, err := e.planner.PlanNextPhase(ctx, camp, resultsSoFar)
	if err != nil {
		return fmt.Errorf("planning next round: %w", err)
	}
	if len(topics) == 0 {
		return e.completeCampaign(ctx, camp)
	}

	nextIndex := len(camp.Phases)
	for _, t := range topics {
		if t.ID == "" {
			t.ID = ids.New(ids.Topic)
		}
	}
	phase := &models.Phase{PhaseIndex: nextIndex, Status: models.CampaignExecuting, Topics: topics}

	if err := e.repo.InsertPhase(ctx, camp.ID, phase); err != nil {
		return fmt.Errorf("persisting planned phase: %w", err)
	}
	camp.Phases = append(camp.Phases, phase)
	camp.RoundsExecuted++
	if err := e.repo.UpdateCampaignStatus(ctx, camp.ID, camp.Status, camp.RoundsExecuted); err != nil {
		return fmt.Errorf("recording round count: %w", err)
	}

	e.bus.Publish(events.Event{
		Topic:   events.CampaignTopic(camp.ID, "phase_advanced"),
		Type:    "campaign.phase_advanced",
		Payload: map[string]any{"campaign_id": camp.ID, "phase_index": nextIndex},
	})
	return e.advance(ctx, camp)
}

// collectResults returns every completed topic's result summary (its
// artifact content truncated to the summary token budget), keyed by
// topic id, for the planner's re-planning prompt.
func (e *Engine) collectResults(ctx context.Context, camp *models.Campaign) (map[string]string, error) {
	out := make(map[string]string)
	for _, phase := range camp.Phases {
		for _, t := range phase.Topics {
			if t.TerminalStatus != models.JobCompleted || t.JobRef == "" {
				continue
			}
			out[t.ID] = t.ResultSummary
		}
	}
	return out, nil
}

// completeCampaign transitions a campaign to completed once every
// phase is terminal and no further rounds are planned (spec §4.4
// step 6).
func (e *Engine) completeCampaign(ctx context.Context, camp *models.Campaign) error {
	camp.Status = models.CampaignCompleted
	if err := e.repo.UpdateCampaignStatus(ctx, camp.ID, camp.Status, camp.RoundsExecuted); err != nil {
		return fmt.Errorf("completing campaign: %w", err)
	}
	e.bus.Publish(events.Event{
		Topic:   events.CampaignTopic(camp.ID, "completed"),
		Type:    "campaign.completed",
		Payload: map[string]any{"campaign_id": camp.ID},
	})
	return nil
}
