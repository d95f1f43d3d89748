package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/blisspixel/deepr/internal/events"
)

// AppendEvent durably records one bus event for WebSocket catch-up
// replay (spec §6.3). Rows older than the catch-up grace period are
// reaped by the caller (grounded on the teacher's scheduleEventCleanup).
func (c *Client) AppendEvent(ctx context.Context, ev events.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("database: marshaling event payload: %w", err)
	}
	_, err = c.pool.Exec(ctx, `
		INSERT INTO events (topic, type, payload, created_at) VALUES ($1,$2,$3,$4)
	`, ev.Topic, ev.Type, payload, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("database: appending event: %w", err)
	}
	return nil
}

// EventsSince implements events.CatchupSource, returning events on a
// topic with sequence greater than sinceSeq, oldest first, bounded at
// limit rows (spec §6.3 catch-up protocol).
func (c *Client) EventsSince(ctx context.Context, topic string, sinceSeq int64, limit int) ([]events.CatchupEvent, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT sequence, type, payload FROM events
		WHERE topic = $1 AND sequence > $2
		ORDER BY sequence ASC
		LIMIT $3
	`, topic, sinceSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("database: querying event catchup: %w", err)
	}
	defer rows.Close()

	var out []events.CatchupEvent
	for rows.Next() {
		var seq int64
		var typ string
		var payload []byte
		if err := rows.Scan(&seq, &typ, &payload); err != nil {
			return nil, fmt.Errorf("database: scanning catchup event: %w", err)
		}
		var decoded map[string]any
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return nil, fmt.Errorf("database: unmarshaling catchup payload: %w", err)
		}
		decoded["type"] = typ
		out = append(out, events.CatchupEvent{SeqID: seq, Payload: decoded})
	}
	return out, rows.Err()
}

// PruneEventsOlderThanSeq deletes catch-up rows below a sequence
// watermark, called periodically so the events table does not grow
// unbounded (spec §6.3, grace-period cleanup).
func (c *Client) PruneEventsOlderThanSeq(ctx context.Context, watermarkSeq int64) error {
	_, err := c.pool.Exec(ctx, `DELETE FROM events WHERE sequence < $1`, watermarkSeq)
	if err != nil {
		return fmt.Errorf("database: pruning events: %w", err)
	}
	return nil
}
