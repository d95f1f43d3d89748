package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/blisspixel/deepr/internal/models"
)

// InsertCampaign persists a new campaign along with its initial
// phases and topics in a single transaction.
func (c *Client) InsertCampaign(ctx context.Context, camp *models.Campaign) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("database: starting campaign insert tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO campaigns (id, goal, status, created_at, budget_cap, actual_cost,
			auto_continue, max_rounds, max_parallel, rounds_executed, expert_ref)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, camp.ID, camp.Goal, string(camp.Status), camp.CreatedAt, camp.BudgetCap, camp.ActualCost,
		camp.AutoContinue, camp.MaxRounds, camp.MaxParallel, camp.RoundsExecuted, camp.ExpertRef)
	if err != nil {
		return fmt.Errorf("database: inserting campaign: %w", err)
	}

	for _, phase := range camp.Phases {
		if err := insertPhase(ctx, tx, camp.ID, phase); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func insertPhase(ctx context.Context, tx pgx.Tx, campaignID string, phase *models.Phase) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO phases (campaign_id, phase_index, status) VALUES ($1,$2,$3)
	`, campaignID, phase.PhaseIndex, string(phase.Status))
	if err != nil {
		return fmt.Errorf("database: inserting phase: %w", err)
	}
	for _, topic := range phase.Topics {
		if err := insertTopic(ctx, tx, campaignID, phase.PhaseIndex, topic); err != nil {
			return err
		}
	}
	return nil
}

func insertTopic(ctx context.Context, tx pgx.Tx, campaignID string, phaseIndex int, t *models.Topic) error {
	dependsOn := make([]string, 0, len(t.DependsOn))
	for id := range t.DependsOn {
		dependsOn = append(dependsOn, id)
	}
	deps, err := json.Marshal(dependsOn)
	if err != nil {
		return fmt.Errorf("database: marshaling depends_on: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO topics (id, campaign_id, phase_index, prompt, depends_on, estimated_cost,
			job_ref, context_summary, terminal_status, retry_count, next_retry_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, t.ID, campaignID, phaseIndex, t.Prompt, deps, t.EstimatedCost,
		t.JobRef, t.ContextSummary, string(t.TerminalStatus), t.RetryCount, t.NextRetryAt)
	if err != nil {
		return fmt.Errorf("database: inserting topic: %w", err)
	}
	return nil
}

// GetCampaign loads a campaign with all phases and topics.
func (c *Client) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	row := c.pool.QueryRow(ctx, `
		SELECT id, goal, status, created_at, budget_cap, actual_cost, auto_continue,
			max_rounds, max_parallel, rounds_executed, expert_ref
		FROM campaigns WHERE id = $1
	`, id)

	var camp models.Campaign
	var status string
	err := row.Scan(&camp.ID, &camp.Goal, &status, &camp.CreatedAt, &camp.BudgetCap, &camp.ActualCost,
		&camp.AutoContinue, &camp.MaxRounds, &camp.MaxParallel, &camp.RoundsExecuted, &camp.ExpertRef)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("database: loading campaign: %w", err)
	}
	camp.Status = models.CampaignStatus(status)

	phases, err := c.listPhases(ctx, id)
	if err != nil {
		return nil, err
	}
	camp.Phases = phases
	return &camp, nil
}

func (c *Client) listPhases(ctx context.Context, campaignID string) ([]*models.Phase, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT phase_index, status FROM phases WHERE campaign_id = $1 ORDER BY phase_index ASC
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("database: listing phases: %w", err)
	}
	defer rows.Close()

	var phases []*models.Phase
	for rows.Next() {
		var p models.Phase
		var status string
		if err := rows.Scan(&p.PhaseIndex, &status); err != nil {
			return nil, fmt.Errorf("database: scanning phase: %w", err)
		}
		p.Status = models.CampaignStatus(status)
		phases = append(phases, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, p := range phases {
		topics, err := c.listTopics(ctx, campaignID, p.PhaseIndex)
		if err != nil {
			return nil, err
		}
		p.Topics = topics
	}
	return phases, nil
}

func (c *Client) listTopics(ctx context.Context, campaignID string, phaseIndex int) ([]*models.Topic, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT id, prompt, depends_on, estimated_cost, job_ref, context_summary,
			terminal_status, retry_count, next_retry_at
		FROM topics WHERE campaign_id = $1 AND phase_index = $2 ORDER BY id ASC
	`, campaignID, phaseIndex)
	if err != nil {
		return nil, fmt.Errorf("database: listing topics: %w", err)
	}
	defer rows.Close()

	var topics []*models.Topic
	for rows.Next() {
		var t models.Topic
		var deps []byte
		var terminalStatus string
		if err := rows.Scan(&t.ID, &t.Prompt, &deps, &t.EstimatedCost, &t.JobRef, &t.ContextSummary,
			&terminalStatus, &t.RetryCount, &t.NextRetryAt); err != nil {
			return nil, fmt.Errorf("database: scanning topic: %w", err)
		}
		var depList []string
		if err := json.Unmarshal(deps, &depList); err != nil {
			return nil, fmt.Errorf("database: unmarshaling depends_on: %w", err)
		}
		t.DependsOn = make(map[string]bool, len(depList))
		for _, id := range depList {
			t.DependsOn[id] = true
		}
		t.TerminalStatus = models.JobStatus(terminalStatus)
		topics = append(topics, &t)
	}
	return topics, rows.Err()
}

// UpdateCampaignStatus updates a campaign's lifecycle status and
// rounds-executed counter (spec §4.4 pause/resume, auto-continue).
func (c *Client) UpdateCampaignStatus(ctx context.Context, id string, status models.CampaignStatus, roundsExecuted int) error {
	_, err := c.pool.Exec(ctx, `
		UPDATE campaigns SET status = $1, rounds_executed = $2 WHERE id = $3
	`, string(status), roundsExecuted, id)
	if err != nil {
		return fmt.Errorf("database: updating campaign status: %w", err)
	}
	return nil
}

// UpdateCampaignCost accumulates actual spend onto a campaign, called
// as its topics' jobs complete.
func (c *Client) UpdateCampaignCost(ctx context.Context, id string, actualCost float64) error {
	_, err := c.pool.Exec(ctx, `UPDATE campaigns SET actual_cost = $1 WHERE id = $2`, actualCost, id)
	if err != nil {
		return fmt.Errorf("database: updating campaign cost: %w", err)
	}
	return nil
}

// UpdatePhaseStatus updates one phase's status.
func (c *Client) UpdatePhaseStatus(ctx context.Context, campaignID string, phaseIndex int, status models.CampaignStatus) error {
	_, err := c.pool.Exec(ctx, `
		UPDATE phases SET status = $1 WHERE campaign_id = $2 AND phase_index = $3
	`, string(status), campaignID, phaseIndex)
	if err != nil {
		return fmt.Errorf("database: updating phase status: %w", err)
	}
	return nil
}

// UpdateTopic persists a topic's dispatch/result/retry state after the
// campaign engine advances it.
func (c *Client) UpdateTopic(ctx context.Context, t *models.Topic) error {
	_, err := c.pool.Exec(ctx, `
		UPDATE topics SET job_ref = $1, context_summary = $2, terminal_status = $3,
			retry_count = $4, next_retry_at = $5 WHERE id = $6
	`, t.JobRef, t.ContextSummary, string(t.TerminalStatus), t.RetryCount, t.NextRetryAt, t.ID)
	if err != nil {
		return fmt.Errorf("database: updating topic: %w", err)
	}
	return nil
}

// InsertPhase appends a newly planned phase (and its topics) to an
// existing campaign, used by auto-continue re-planning (spec §4.4).
func (c *Client) InsertPhase(ctx context.Context, campaignID string, phase *models.Phase) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("database: starting phase insert tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := insertPhase(ctx, tx, campaignID, phase); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ListActiveCampaigns returns campaigns not yet in a terminal status,
// used to rebuild in-memory campaign-engine state on startup.
func (c *Client) ListActiveCampaigns(ctx context.Context) ([]*models.Campaign, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT id FROM campaigns WHERE status NOT IN ($1, $2) ORDER BY created_at ASC
	`, string(models.CampaignCompleted), string(models.CampaignFailed))
	if err != nil {
		return nil, fmt.Errorf("database: listing active campaigns: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*models.Campaign, 0, len(ids))
	for _, id := range ids {
		camp, err := c.GetCampaign(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, camp)
	}
	return out, nil
}
