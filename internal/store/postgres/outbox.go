/*
Copyright 2026 The llm-d Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package postgres

import (
	"context"
	"fmt"

	"github.com/llm-d-incubation/batch-gateway/internal/eventing"
)

// Outbox adapts the outbox_events table to internal/eventing.OutboxReader.
type Outbox struct {
	db *Store
}

func NewOutbox(s *Store) *Outbox {
	return &Outbox{db: s}
}

type outboxRow struct {
	ID      int64  `db:"id"`
	Topic   string `db:"topic"`
	Payload []byte `db:"payload"`
}

func (o *Outbox) FetchPending(ctx context.Context, limit int) ([]eventing.OutboxRow, error) {
	var rows []outboxRow
	err := o.db.db.SelectContext(ctx, &rows, `
		SELECT id, topic, payload FROM outbox_events
		WHERE status = 'pending'
		ORDER BY id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch pending outbox events: %w", err)
	}
	out := make([]eventing.OutboxRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, eventing.OutboxRow{ID: r.ID, Topic: r.Topic, Payload: r.Payload})
	}
	return out, nil
}

func (o *Outbox) MarkProcessed(ctx context.Context, id int64) error {
	now := o.db.clock.Now()
	_, err := o.db.db.ExecContext(ctx, `
		UPDATE outbox_events SET status = 'processed', processed_at = $1 WHERE id = $2
	`, now, id)
	if err != nil {
		return fmt.Errorf("mark outbox event %d processed: %w", id, err)
	}
	return nil
}

func (o *Outbox) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := o.db.db.ExecContext(ctx, `
		UPDATE outbox_events SET status = 'failed', attempts = attempts + 1, last_error = $1 WHERE id = $2
	`, errMsg, id)
	if err != nil {
		return fmt.Errorf("mark outbox event %d failed: %w", id, err)
	}
	return nil
}
