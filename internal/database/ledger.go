package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/blisspixel/deepr/internal/models"
)

// Append implements budget.Ledger, writing one cost-ledger entry. A
// unique index on (job_id, amount) gives record_spend its idempotence
// for free: a duplicate Append from a poller retry is treated as a
// successful no-op rather than an error (spec §4.1).
func (c *Client) Append(ctx context.Context, entry models.LedgerEntry) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO cost_ledger (timestamp, job_id, amount, provider, model, bucket)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (job_id, amount) DO NOTHING
	`, entry.Timestamp, entry.JobID, entry.Amount, entry.Provider, entry.Model, string(entry.Bucket))
	if err != nil {
		return fmt.Errorf("database: appending ledger entry: %w", err)
	}
	return nil
}

// Since implements budget.Ledger, returning every entry timestamped
// at or after since, in ledger order.
func (c *Client) Since(ctx context.Context, since time.Time) ([]models.LedgerEntry, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT sequence, timestamp, job_id, amount, provider, model, bucket
		FROM cost_ledger WHERE timestamp >= $1 ORDER BY sequence ASC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("database: querying ledger since: %w", err)
	}
	defer rows.Close()
	return scanLedgerEntries(rows)
}

// All implements budget.Ledger, returning the full ledger in order.
// Used once, at Governor construction, to materialize in-memory
// running totals (spec §4.1).
func (c *Client) All(ctx context.Context) ([]models.LedgerEntry, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT sequence, timestamp, job_id, amount, provider, model, bucket
		FROM cost_ledger ORDER BY sequence ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("database: querying full ledger: %w", err)
	}
	defer rows.Close()
	return scanLedgerEntries(rows)
}

func scanLedgerEntries(rows pgx.Rows) ([]models.LedgerEntry, error) {
	var out []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var bucket string
		if err := rows.Scan(&e.Sequence, &e.Timestamp, &e.JobID, &e.Amount, &e.Provider, &e.Model, &bucket); err != nil {
			return nil, fmt.Errorf("database: scanning ledger entry: %w", err)
		}
		e.Bucket = models.LedgerBucket(bucket)
		out = append(out, e)
	}
	return out, rows.Err()
}
