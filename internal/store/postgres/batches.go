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

	"github.com/jmoiron/sqlx"

	"github.com/llm-d-incubation/batch-gateway/internal/model"
	"github.com/llm-d-incubation/batch-gateway/internal/statemachine"
	"github.com/llm-d-incubation/batch-gateway/internal/store"
)

func (s *Store) GetBatch(ctx context.Context, id int64) (*model.Batch, error) {
	var row batchRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM batches WHERE id = $1`, id)
	if err != nil {
		if err == sqlErrNoRows {
			return nil, model.NewError(model.ReasonBatchNotFound, fmt.Sprintf("batch %d not found", id))
		}
		return nil, fmt.Errorf("get batch %d: %w", id, err)
	}
	return row.toModel(), nil
}

func (s *Store) ListWaitingBatches(ctx context.Context, modelName string) ([]*model.Batch, error) {
	var rows []batchRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM batches
		WHERE model = $1 AND state = $2
		ORDER BY waiting_since_at ASC, id ASC
	`, modelName, model.BatchWaitingForCapacity)
	if err != nil {
		return nil, fmt.Errorf("list waiting batches for %s: %w", modelName, err)
	}
	out := make([]*model.Batch, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *Store) ReservedTokens(ctx context.Context, modelName string, excludeBatchID int64) (int64, error) {
	var total int64
	err := s.db.GetContext(ctx, &total, `
		SELECT COALESCE(SUM(estimated_input_tokens_total), 0)
		FROM batches
		WHERE model = $1 AND id <> $2 AND state = ANY($3)
	`, modelName, excludeBatchID, reservedStateNames())
	if err != nil {
		return 0, fmt.Errorf("reserved tokens for %s: %w", modelName, err)
	}
	return total, nil
}

func reservedStateNames() []string {
	out := make([]string, 0, len(model.ReservedStates))
	for _, s := range model.ReservedStates {
		out = append(out, string(s))
	}
	return out
}

func (s *Store) ListNonTerminalBatches(ctx context.Context) ([]*model.Batch, error) {
	var rows []batchRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM batches
		WHERE state NOT IN ($1, $2, $3)
		ORDER BY id ASC
	`, model.BatchDelivered, model.BatchFailed, model.BatchCancelled)
	if err != nil {
		return nil, fmt.Errorf("list non-terminal batches: %w", err)
	}
	// partially_delivered/delivery_failed are terminal too; they are left
	// out of the NOT IN list above and filtered out here instead, so
	// recovery never sees them (they move on only through the operator
	// redeliver edge, never automatically).
	out := make([]*model.Batch, 0, len(rows))
	for _, r := range rows {
		b := r.toModel()
		if b.State == model.BatchPartiallyDelivered || b.State == model.BatchDeliveryFailed {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// TransitionBatch re-reads the batch row under FOR UPDATE, validates the
// declared edge, applies mutate, persists the new state plus whatever
// fields mutate changed, writes the audit Transition row, and commits any
// requested Effects -- all inside one transaction.
func (s *Store) TransitionBatch(ctx context.Context, id int64, to model.BatchState, mutate func(b *model.Batch) ([]store.Effect, error)) (*model.Batch, error) {
	var result *model.Batch
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var row batchRow
		if err := tx.GetContext(ctx, &row, `SELECT * FROM batches WHERE id = $1 FOR UPDATE`, id); err != nil {
			if err == sqlErrNoRows {
				return model.NewError(model.ReasonBatchNotFound, fmt.Sprintf("batch %d not found", id))
			}
			return fmt.Errorf("lock batch %d: %w", id, err)
		}
		b := row.toModel()
		from := b.State

		if err := statemachine.Batch.Check(from, to); err != nil {
			return err
		}

		effects, err := mutate(b)
		if err != nil {
			return err
		}
		b.State = to
		now := s.clock.Now()
		b.UpdatedAt = now

		if _, err := tx.ExecContext(ctx, `
			UPDATE batches SET
				state = $1, updated_at = $2,
				provider_input_file_id = $3, provider_batch_id = $4,
				provider_output_file_id = $5, provider_error_file_id = $6,
				provider_requests_total = $7, provider_requests_completed = $8,
				provider_requests_failed = $9, last_checked_at = $10,
				input_tokens = $11, cached_tokens = $12, reasoning_tokens = $13,
				output_tokens = $14, waiting_since_at = $15, wait_reason = $16,
				token_limit_retry_attempts = $17, token_limit_retry_next_at = $18,
				token_limit_retry_last_error = $19, expires_at = $20, error_msg = $21
			WHERE id = $22
		`,
			b.State, b.UpdatedAt,
			nullString(b.ProviderInputFileID), nullString(b.ProviderBatchID),
			nullString(b.ProviderOutputFileID), nullString(b.ProviderErrorFileID),
			b.ProviderRequestsTotal, b.ProviderRequestsCompleted,
			b.ProviderRequestsFailed, nullTime(b.LastCheckedAt),
			b.InputTokens, b.CachedTokens, b.ReasoningTokens,
			b.OutputTokens, nullTime(b.WaitingSinceAt), waitReasonToNull(b.WaitReason),
			b.TokenLimitRetryAttempts, nullTime(b.TokenLimitRetryNextAt),
			nullString(b.TokenLimitRetryLastErr), nullTime(b.ExpiresAt), nullString(b.ErrorMsg),
			b.ID,
		); err != nil {
			return fmt.Errorf("update batch %d: %w", id, err)
		}

		if err := insertTransition(ctx, tx, model.EntityBatch, b.ID, string(from), string(to), now); err != nil {
			return err
		}
		if err := applyEffects(ctx, tx, now, effects); err != nil {
			return err
		}

		result = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateBatch re-reads the batch row under FOR UPDATE and applies mutate
// without consulting statemachine.Batch and without writing a Transition
// audit row -- the state column itself is left untouched.
func (s *Store) UpdateBatch(ctx context.Context, id int64, mutate func(b *model.Batch) ([]store.Effect, error)) (*model.Batch, error) {
	var result *model.Batch
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var row batchRow
		if err := tx.GetContext(ctx, &row, `SELECT * FROM batches WHERE id = $1 FOR UPDATE`, id); err != nil {
			if err == sqlErrNoRows {
				return model.NewError(model.ReasonBatchNotFound, fmt.Sprintf("batch %d not found", id))
			}
			return fmt.Errorf("lock batch %d: %w", id, err)
		}
		b := row.toModel()

		effects, err := mutate(b)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		b.UpdatedAt = now

		if _, err := tx.ExecContext(ctx, `
			UPDATE batches SET
				updated_at = $1,
				provider_input_file_id = $2, provider_batch_id = $3,
				provider_output_file_id = $4, provider_error_file_id = $5,
				provider_requests_total = $6, provider_requests_completed = $7,
				provider_requests_failed = $8, last_checked_at = $9,
				input_tokens = $10, cached_tokens = $11, reasoning_tokens = $12,
				output_tokens = $13, waiting_since_at = $14, wait_reason = $15,
				token_limit_retry_attempts = $16, token_limit_retry_next_at = $17,
				token_limit_retry_last_error = $18, expires_at = $19, error_msg = $20
			WHERE id = $21
		`,
			b.UpdatedAt,
			nullString(b.ProviderInputFileID), nullString(b.ProviderBatchID),
			nullString(b.ProviderOutputFileID), nullString(b.ProviderErrorFileID),
			b.ProviderRequestsTotal, b.ProviderRequestsCompleted,
			b.ProviderRequestsFailed, nullTime(b.LastCheckedAt),
			b.InputTokens, b.CachedTokens, b.ReasoningTokens,
			b.OutputTokens, nullTime(b.WaitingSinceAt), waitReasonToNull(b.WaitReason),
			b.TokenLimitRetryAttempts, nullTime(b.TokenLimitRetryNextAt),
			nullString(b.TokenLimitRetryLastErr), nullTime(b.ExpiresAt), nullString(b.ErrorMsg),
			b.ID,
		); err != nil {
			return fmt.Errorf("update batch %d: %w", id, err)
		}

		if err := applyEffects(ctx, tx, now, effects); err != nil {
			return err
		}

		result = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func waitReasonToNull(wr *model.WaitReason) interface{} {
	if wr == nil {
		return nil
	}
	return string(*wr)
}

func (s *Store) DeleteExpiredBatch(ctx context.Context, batchID int64) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		return deleteBatchCascade(ctx, tx, batchID)
	})
}

func (s *Store) DeleteEmptyBuildingBatch(ctx context.Context, batchID int64) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var row batchRow
		if err := tx.GetContext(ctx, &row, `SELECT * FROM batches WHERE id = $1 FOR UPDATE`, batchID); err != nil {
			if err == sqlErrNoRows {
				return nil // already gone, nothing to do
			}
			return fmt.Errorf("lock batch %d: %w", batchID, err)
		}
		if row.State != string(model.BatchBuilding) || row.RequestCount != 0 {
			return model.NewError(model.ReasonBatchNotBuilding, fmt.Sprintf("batch %d is not an empty building batch", batchID))
		}
		return deleteBatchCascade(ctx, tx, batchID)
	})
}

func deleteBatchCascade(ctx context.Context, tx *sqlx.Tx, batchID int64) error {
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM delivery_attempts WHERE request_id IN (SELECT id FROM requests WHERE batch_id = $1)
	`, batchID); err != nil {
		return fmt.Errorf("delete delivery attempts for batch %d: %w", batchID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM transitions WHERE entity_kind = $1 AND entity_id IN (SELECT id FROM requests WHERE batch_id = $2)
	`, model.EntityRequest, batchID); err != nil {
		return fmt.Errorf("delete request transitions for batch %d: %w", batchID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM requests WHERE batch_id = $1`, batchID); err != nil {
		return fmt.Errorf("delete requests for batch %d: %w", batchID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM transitions WHERE entity_kind = $1 AND entity_id = $2
	`, model.EntityBatch, batchID); err != nil {
		return fmt.Errorf("delete batch transitions for batch %d: %w", batchID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM batches WHERE id = $1`, batchID); err != nil {
		return fmt.Errorf("delete batch %d: %w", batchID, err)
	}
	return nil
}
