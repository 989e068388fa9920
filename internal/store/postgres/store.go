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
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/llm-d-incubation/batch-gateway/internal/clock"
	"github.com/llm-d-incubation/batch-gateway/internal/model"
	"github.com/llm-d-incubation/batch-gateway/internal/store"
)

// Store implements store.Store against Postgres.
type Store struct {
	db    *sqlx.DB
	clock clock.Clock
}

func New(db *sqlx.DB, c clock.Clock) *Store {
	if c == nil {
		c = clock.Real{}
	}
	return &Store{db: db, clock: c}
}

func (s *Store) Settings() store.SettingsStore {
	return &settingsStore{db: s.db, clock: s.clock}
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// applyEffects persists the side-effects a transition handler asked for,
// inside the same transaction as the state change. Job rows go straight
// into the jobs table (the durable queue is the first-class artifact that
// replaces an implicit after-commit hook); events go to outbox_events for
// internal/eventing's pump to drain asynchronously.
func applyEffects(ctx context.Context, tx *sqlx.Tx, now time.Time, effects []store.Effect) error {
	for _, e := range effects {
		switch e.Kind {
		case store.EffectEnqueueJob:
			if err := enqueueJobTx(ctx, tx, now, e); err != nil {
				return err
			}
		case store.EffectPublishEvent:
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO outbox_events (topic, payload) VALUES ($1, $2)
			`, e.Topic, e.Payload); err != nil {
				return fmt.Errorf("insert outbox event: %w", err)
			}
		default:
			return fmt.Errorf("unknown effect kind %q", e.Kind)
		}
	}
	return nil
}

func enqueueJobTx(ctx context.Context, tx *sqlx.Tx, now time.Time, e store.Effect) error {
	runAt := e.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	maxAttempts := model.MaxAttemptsForKind(e.JobKind)

	if model.SingletonKinds[e.JobKind] {
		// dedup: the partial unique index (kind, subject_id) WHERE status
		// IN ('pending','leased') makes a duplicate insert a no-op.
		_, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (kind, subject_id, args, max_attempts, run_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT ON CONSTRAINT uq_jobs_singleton_active DO NOTHING
		`, e.JobKind, e.SubjectID, nullableArgs(e.JobArgs), maxAttempts, runAt)
		if err != nil {
			return fmt.Errorf("enqueue singleton job %s: %w", e.JobKind, err)
		}
		return nil
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (kind, subject_id, args, max_attempts, run_at)
		VALUES ($1, $2, $3, $4, $5)
	`, e.JobKind, e.SubjectID, nullableArgs(e.JobArgs), maxAttempts, runAt)
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", e.JobKind, err)
	}
	return nil
}

func nullableArgs(args []byte) []byte {
	if len(args) == 0 {
		return []byte("{}")
	}
	return args
}
