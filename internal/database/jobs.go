package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/blisspixel/deepr/internal/models"
	"github.com/blisspixel/deepr/internal/provider"
)

// ErrNotFound is returned by single-row lookups that miss.
var ErrNotFound = errors.New("database: not found")

// ErrNoJobAvailable is returned by ClaimNextJob when the pending queue
// is empty (spec §4.2; grounded on the teacher's
// queue.ErrNoSessionsAvailable).
var ErrNoJobAvailable = errors.New("database: no job available")

// InsertJob persists a newly created job in its pending state.
func (c *Client) InsertJob(ctx context.Context, j *models.Job) error {
	tools, err := json.Marshal(j.Tools)
	if err != nil {
		return fmt.Errorf("database: marshaling tools: %w", err)
	}
	metadata, err := json.Marshal(j.Metadata)
	if err != nil {
		return fmt.Errorf("database: marshaling metadata: %w", err)
	}
	usage, err := json.Marshal(j.TokenUsage)
	if err != nil {
		return fmt.Errorf("database: marshaling token usage: %w", err)
	}

	_, err = c.pool.Exec(ctx, `
		INSERT INTO jobs (
			id, prompt, model, provider, tools, vector_store_ref, budget_cap,
			metadata, priority, parent_phase_ref, status, progress_fraction,
			token_usage, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`,
		j.ID, j.Prompt, j.Model, string(j.Provider), tools, j.VectorStoreRef, j.BudgetCap,
		metadata, j.Priority, j.ParentPhaseRef, string(j.Status), j.ProgressFraction,
		usage, j.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("database: inserting job: %w", err)
	}
	return nil
}

// GetJob fetches a job by id.
func (c *Client) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := c.pool.QueryRow(ctx, jobSelectColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// CountJobsByStatus reports how many jobs currently hold a status,
// used by the queue's max_inflight_jobs admission gate (spec §5).
func (c *Client) CountJobsByStatus(ctx context.Context, statuses ...models.JobStatus) (int, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	var count int
	err := c.pool.QueryRow(ctx, `SELECT count(*) FROM jobs WHERE status = ANY($1)`, names).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("database: counting jobs: %w", err)
	}
	return count, nil
}

// ListJobsByStatus returns jobs in the given status, oldest first.
func (c *Client) ListJobsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error) {
	rows, err := c.pool.Query(ctx, jobSelectColumns+`
		FROM jobs WHERE status = $1 ORDER BY created_at ASC LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("database: listing jobs: %w", err)
	}
	defer rows.Close()

	var out []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ListJobs returns the most recently created jobs across every status,
// for the unfiltered GET /jobs listing endpoint (spec §6.3).
func (c *Client) ListJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	rows, err := c.pool.Query(ctx, jobSelectColumns+`
		FROM jobs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("database: listing all jobs: %w", err)
	}
	defer rows.Close()

	var out []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ListJobsByParentPhase returns every job dispatched for a topic/phase
// reference, used to rebuild Campaign.Phases.Topics.JobRef state.
func (c *Client) ListJobsByParentPhase(ctx context.Context, phaseRef string) ([]*models.Job, error) {
	rows, err := c.pool.Query(ctx, jobSelectColumns+`
		FROM jobs WHERE parent_phase_ref = $1 ORDER BY created_at ASC`, phaseRef)
	if err != nil {
		return nil, fmt.Errorf("database: listing phase jobs: %w", err)
	}
	defer rows.Close()

	var out []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ClaimNextJob atomically claims the highest-priority pending job
// (oldest first among equal priorities), transitioning it to
// submitting. The in-flight limit is checked by the queue worker
// before it calls this.
// Grounded on the teacher's queue/worker.go claimNextSession: a single
// transaction selects with FOR UPDATE SKIP LOCKED so concurrent
// workers never double-claim, then updates and commits.
func (c *Client) ClaimNextJob(ctx context.Context, now time.Time) (*models.Job, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("database: starting claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, jobSelectColumns+`
		FROM jobs
		WHERE status = $1
		ORDER BY priority DESC, created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, string(models.JobPending))

	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNoJobAvailable
		}
		return nil, fmt.Errorf("database: claiming job: %w", err)
	}

	j.Status = models.JobSubmitting
	j.StartedAt = &now
	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $1, started_at = $2 WHERE id = $3
	`, string(j.Status), j.StartedAt, j.ID); err != nil {
		return nil, fmt.Errorf("database: claiming job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("database: committing claim: %w", err)
	}
	return j, nil
}

// UpdateJobSubmitted records the provider-assigned job id after a
// successful Submit, transitioning pending/submitting -> processing.
func (c *Client) UpdateJobSubmitted(ctx context.Context, id, providerJobID string, now time.Time) error {
	_, err := c.pool.Exec(ctx, `
		UPDATE jobs SET provider_job_id = $1, status = $2, last_poll_at = $3 WHERE id = $4
	`, providerJobID, string(models.JobProcessing), now, id)
	if err != nil {
		return fmt.Errorf("database: recording submission: %w", err)
	}
	return nil
}

// UpdateJobProgress records a poll tick's progress fraction.
func (c *Client) UpdateJobProgress(ctx context.Context, id string, fraction float64, now time.Time) error {
	_, err := c.pool.Exec(ctx, `
		UPDATE jobs SET progress_fraction = $1, last_poll_at = $2 WHERE id = $3
	`, fraction, now, id)
	if err != nil {
		return fmt.Errorf("database: recording progress: %w", err)
	}
	return nil
}

// CompleteJob transitions a job to completed, recording its result
// pointer, actual cost, and token usage.
func (c *Client) CompleteJob(ctx context.Context, j *models.Job, now time.Time) error {
	usage, err := json.Marshal(j.TokenUsage)
	if err != nil {
		return fmt.Errorf("database: marshaling token usage: %w", err)
	}
	_, err = c.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, completed_at = $2, progress_fraction = 1,
			actual_cost = $3, token_usage = $4, result_ref = $5 WHERE id = $6
	`, string(models.JobCompleted), now, j.ActualCost, usage, j.ResultRef, j.ID)
	if err != nil {
		return fmt.Errorf("database: completing job: %w", err)
	}
	return nil
}

// FailJob transitions a job to a terminal failed/cancelled state with
// an attached JobError.
func (c *Client) FailJob(ctx context.Context, id string, status models.JobStatus, jobErr *models.JobError, now time.Time) error {
	var kind, msg string
	if jobErr != nil {
		kind, msg = string(jobErr.Kind), jobErr.Message
	}
	_, err := c.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, completed_at = $2, error_kind = $3, error_message = $4 WHERE id = $5
	`, string(status), now, kind, msg, id)
	if err != nil {
		return fmt.Errorf("database: failing job: %w", err)
	}
	return nil
}

// RecordCostOverride marks a job as having an explicit APPROVE_OVERRIDE
// elicitation recorded against it (spec §4.1).
func (c *Client) RecordCostOverride(ctx context.Context, id string) error {
	_, err := c.pool.Exec(ctx, `UPDATE jobs SET cost_override = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("database: recording cost override: %w", err)
	}
	return nil
}

// ReconcileOrphans finds jobs left in submitting/processing from a
// crashed worker and returns them for the watchdog/poller to
// re-evaluate on startup (spec §8, "crash recovery"; grounded on the
// teacher's orphan.go reconciliation pass).
func (c *Client) ReconcileOrphans(ctx context.Context) ([]*models.Job, error) {
	rows, err := c.pool.Query(ctx, jobSelectColumns+`
		FROM jobs WHERE status IN ($1, $2) ORDER BY created_at ASC
	`, string(models.JobSubmitting), string(models.JobProcessing))
	if err != nil {
		return nil, fmt.Errorf("database: reconciling orphans: %w", err)
	}
	defer rows.Close()

	var out []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

const jobSelectColumns = `
	SELECT id, prompt, model, provider, tools, vector_store_ref, budget_cap,
		metadata, priority, parent_phase_ref, provider_job_id, status,
		progress_fraction, started_at, last_poll_at, completed_at, actual_cost,
		cost_override, token_usage, error_kind, error_message, result_ref, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		j              models.Job
		providerName   string
		tools          []byte
		metadata       []byte
		usage          []byte
		errKind        string
		errMsg         string
	)
	err := row.Scan(
		&j.ID, &j.Prompt, &j.Model, &providerName, &tools, &j.VectorStoreRef, &j.BudgetCap,
		&metadata, &j.Priority, &j.ParentPhaseRef, &j.ProviderJobID, &j.Status,
		&j.ProgressFraction, &j.StartedAt, &j.LastPollAt, &j.CompletedAt, &j.ActualCost,
		&j.CostOverride, &usage, &errKind, &errMsg, &j.ResultRef, &j.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("database: scanning job: %w", err)
	}

	j.Provider = provider.Name(providerName)
	if err := json.Unmarshal(tools, &j.Tools); err != nil {
		return nil, fmt.Errorf("database: unmarshaling tools: %w", err)
	}
	if err := json.Unmarshal(metadata, &j.Metadata); err != nil {
		return nil, fmt.Errorf("database: unmarshaling metadata: %w", err)
	}
	if err := json.Unmarshal(usage, &j.TokenUsage); err != nil {
		return nil, fmt.Errorf("database: unmarshaling token usage: %w", err)
	}
	if errKind != "" {
		j.Error = &models.JobError{Kind: models.ErrorKind(errKind), Message: errMsg}
	}
	return &j, nil
}
