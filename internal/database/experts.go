package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/blisspixel/deepr/internal/models"
)

// InsertExpert persists a newly created expert (spec §4.5).
func (c *Client) InsertExpert(ctx context.Context, e *models.Expert) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO experts (id, name, domain_description, document_store_ref, total_spend, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, e.ID, e.Name, e.DomainDescription, e.DocumentStoreRef, e.TotalSpend, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("database: inserting expert: %w", err)
	}
	return nil
}

// GetExpert loads an expert by id with all beliefs and gaps.
func (c *Client) GetExpert(ctx context.Context, id string) (*models.Expert, error) {
	row := c.pool.QueryRow(ctx, `
		SELECT id, name, domain_description, document_store_ref, total_spend, last_synthesised_at, created_at
		FROM experts WHERE id = $1
	`, id)
	return c.scanExpertAndLoad(ctx, row)
}

// GetExpertByName loads an expert by its unique human-readable name.
func (c *Client) GetExpertByName(ctx context.Context, name string) (*models.Expert, error) {
	row := c.pool.QueryRow(ctx, `
		SELECT id, name, domain_description, document_store_ref, total_spend, last_synthesised_at, created_at
		FROM experts WHERE name = $1
	`, name)
	return c.scanExpertAndLoad(ctx, row)
}

func (c *Client) scanExpertAndLoad(ctx context.Context, row rowScanner) (*models.Expert, error) {
	var e models.Expert
	err := row.Scan(&e.ID, &e.Name, &e.DomainDescription, &e.DocumentStoreRef,
		&e.TotalSpend, &e.LastSynthesisedAt, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("database: loading expert: %w", err)
	}

	beliefs, err := c.listBeliefs(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	gaps, err := c.listGaps(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	e.Beliefs = beliefs
	e.Gaps = gaps
	return &e, nil
}

// ListExperts returns every expert, without beliefs/gaps, for the
// expert listing endpoint (spec §6.3).
func (c *Client) ListExperts(ctx context.Context) ([]*models.Expert, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT id, name, domain_description, document_store_ref, total_spend, last_synthesised_at, created_at
		FROM experts ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("database: listing experts: %w", err)
	}
	defer rows.Close()

	var out []*models.Expert
	for rows.Next() {
		var e models.Expert
		if err := rows.Scan(&e.ID, &e.Name, &e.DomainDescription, &e.DocumentStoreRef,
			&e.TotalSpend, &e.LastSynthesisedAt, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("database: scanning expert: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (c *Client) listBeliefs(ctx context.Context, expertID string) ([]*models.Belief, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT id, statement, confidence, sources, superseded_by, created_at, derived_from_job
		FROM beliefs WHERE expert_id = $1 ORDER BY created_at ASC
	`, expertID)
	if err != nil {
		return nil, fmt.Errorf("database: listing beliefs: %w", err)
	}
	defer rows.Close()

	var out []*models.Belief
	for rows.Next() {
		var b models.Belief
		var sources []byte
		if err := rows.Scan(&b.ID, &b.Statement, &b.Confidence, &sources,
			&b.SupersededBy, &b.CreatedAt, &b.DerivedFromJob); err != nil {
			return nil, fmt.Errorf("database: scanning belief: %w", err)
		}
		if err := json.Unmarshal(sources, &b.Sources); err != nil {
			return nil, fmt.Errorf("database: unmarshaling belief sources: %w", err)
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

func (c *Client) listGaps(ctx context.Context, expertID string) ([]*models.Gap, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT id, topic, priority, discovered_at, filled_by_job
		FROM gaps WHERE expert_id = $1 ORDER BY discovered_at ASC
	`, expertID)
	if err != nil {
		return nil, fmt.Errorf("database: listing gaps: %w", err)
	}
	defer rows.Close()

	var out []*models.Gap
	for rows.Next() {
		var g models.Gap
		if err := rows.Scan(&g.ID, &g.Topic, &g.Priority, &g.DiscoveredAt, &g.FilledByJob); err != nil {
			return nil, fmt.Errorf("database: scanning gap: %w", err)
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

// InsertBelief appends a new belief, never mutating existing rows
// (spec §3: beliefs are append-only).
func (c *Client) InsertBelief(ctx context.Context, expertID string, b *models.Belief) error {
	sources, err := json.Marshal(b.Sources)
	if err != nil {
		return fmt.Errorf("database: marshaling belief sources: %w", err)
	}
	_, err = c.pool.Exec(ctx, `
		INSERT INTO beliefs (id, expert_id, statement, confidence, sources, superseded_by, created_at, derived_from_job)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, b.ID, expertID, b.Statement, b.Confidence, sources, b.SupersededBy, b.CreatedAt, b.DerivedFromJob)
	if err != nil {
		return fmt.Errorf("database: inserting belief: %w", err)
	}
	return nil
}

// SupersedeBelief marks an existing belief as superseded by a newer
// one, the only mutation beliefs ever undergo (spec §3).
func (c *Client) SupersedeBelief(ctx context.Context, beliefID, supersededBy string) error {
	_, err := c.pool.Exec(ctx, `UPDATE beliefs SET superseded_by = $1 WHERE id = $2`, supersededBy, beliefID)
	if err != nil {
		return fmt.Errorf("database: superseding belief: %w", err)
	}
	return nil
}

// InsertGap records a newly discovered gap (spec §3, §4.6).
func (c *Client) InsertGap(ctx context.Context, expertID string, g *models.Gap) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO gaps (id, expert_id, topic, priority, discovered_at, filled_by_job)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, g.ID, expertID, g.Topic, g.Priority, g.DiscoveredAt, g.FilledByJob)
	if err != nil {
		return fmt.Errorf("database: inserting gap: %w", err)
	}
	return nil
}

// CloseGap records the job whose synthesised result filled a gap.
func (c *Client) CloseGap(ctx context.Context, gapID, filledByJob string) error {
	_, err := c.pool.Exec(ctx, `UPDATE gaps SET filled_by_job = $1 WHERE id = $2`, filledByJob, gapID)
	if err != nil {
		return fmt.Errorf("database: closing gap: %w", err)
	}
	return nil
}

// ListOpenGaps returns every gap across all experts with no
// filled_by_job, ordered by priority, for the Learning Loop's
// gap-selection pass (spec §4.6).
func (c *Client) ListOpenGaps(ctx context.Context) ([]*models.Gap, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT id, expert_id, topic, priority, discovered_at, filled_by_job
		FROM gaps WHERE filled_by_job = '' ORDER BY priority DESC, discovered_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("database: listing open gaps: %w", err)
	}
	defer rows.Close()

	var out []*models.Gap
	for rows.Next() {
		var g models.Gap
		var expertID string
		if err := rows.Scan(&g.ID, &expertID, &g.Topic, &g.Priority, &g.DiscoveredAt, &g.FilledByJob); err != nil {
			return nil, fmt.Errorf("database: scanning open gap: %w", err)
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

// UpdateExpertSpend accumulates total spend and, optionally, a new
// synthesis timestamp onto an expert.
func (c *Client) UpdateExpertSpend(ctx context.Context, id string, totalSpend float64, lastSynthesisedAt *time.Time) error {
	_, err := c.pool.Exec(ctx, `
		UPDATE experts SET total_spend = $1, last_synthesised_at = COALESCE($2, last_synthesised_at) WHERE id = $3
	`, totalSpend, lastSynthesisedAt, id)
	if err != nil {
		return fmt.Errorf("database: updating expert spend: %w", err)
	}
	return nil
}
