package database

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// PutArtifact stores a job result by content hash, returning the ref
// to attach to Job.ResultRef. Storing by hash makes writes idempotent
// across poller retries of the same completed result (spec §8).
func (c *Client) PutArtifact(ctx context.Context, content []byte, mime string, now time.Time) (string, error) {
	sum := sha256.Sum256(content)
	ref := "artifact_" + hex.EncodeToString(sum[:])

	_, err := c.pool.Exec(ctx, `
		INSERT INTO artifacts (ref, content, mime, created_at) VALUES ($1,$2,$3,$4)
		ON CONFLICT (ref) DO NOTHING
	`, ref, content, mime, now)
	if err != nil {
		return "", fmt.Errorf("database: storing artifact: %w", err)
	}
	return ref, nil
}

// GetArtifact fetches result content by ref.
func (c *Client) GetArtifact(ctx context.Context, ref string) ([]byte, string, error) {
	var content []byte
	var mime string
	err := c.pool.QueryRow(ctx, `SELECT content, mime FROM artifacts WHERE ref = $1`, ref).Scan(&content, &mime)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("database: loading artifact: %w", err)
	}
	return content, mime, nil
}
