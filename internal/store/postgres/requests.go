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

	"github.com/llm-d-incubation/batch-gateway/internal/canonical"
	"github.com/llm-d-incubation/batch-gateway/internal/model"
	"github.com/llm-d-incubation/batch-gateway/internal/statemachine"
	"github.com/llm-d-incubation/batch-gateway/internal/store"
)

func (s *Store) GetRequest(ctx context.Context, id int64) (*model.Request, error) {
	var row requestRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM requests WHERE id = $1`, id); err != nil {
		if err == sqlErrNoRows {
			return nil, model.NewError(model.ReasonRequestNotFound, fmt.Sprintf("request %d not found", id))
		}
		return nil, fmt.Errorf("get request %d: %w", id, err)
	}
	return row.toModel()
}

func (s *Store) GetRequestByCustomID(ctx context.Context, customID string) (*model.Request, error) {
	var row requestRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM requests WHERE custom_id = $1`, customID); err != nil {
		if err == sqlErrNoRows {
			return nil, model.NewError(model.ReasonRequestNotFound, fmt.Sprintf("request with custom_id %q not found", customID))
		}
		return nil, fmt.Errorf("get request by custom_id %q: %w", customID, err)
	}
	return row.toModel()
}

// EnqueueRequest implements the admission path: canonicalize the body,
// lock (or create) the unique building batch for (model, endpoint), check
// the would-exceed-limits guard, and insert the request row, retrying once
// against a freshly created batch if a concurrent insert raced us past the
// limit between our read and our write.
func (s *Store) EnqueueRequest(ctx context.Context, payload model.IngressPayload) (*model.Request, *model.Batch, error) {
	if err := payload.Validate(); err != nil {
		return nil, nil, err
	}

	payloadBytes, err := canonical.BuildRequestPayload(payload.CustomID, payload.Endpoint, payload.Body)
	if err != nil {
		return nil, nil, model.NewError(model.ReasonInvalid, err.Error())
	}

	var req *model.Request
	var batch *model.Batch

	for attempt := 0; attempt < 2; attempt++ {
		req, batch, err = s.tryEnqueue(ctx, payload, payloadBytes)
		if err == nil {
			return req, batch, nil
		}
		if !isBatchFullRace(err) {
			return nil, nil, err
		}
		// a concurrent insert filled the batch between our SELECT and
		// our INSERT; loop once more so a fresh building batch gets
		// created and locked.
	}
	return nil, nil, err
}

func isBatchFullRace(err error) bool {
	var me *model.Error
	if e, ok := err.(*model.Error); ok {
		me = e
	}
	return me != nil && (me.Reason == model.ReasonBatchSizeWouldExceed || me.Reason == model.ReasonBatchFull)
}

func (s *Store) tryEnqueue(ctx context.Context, payload model.IngressPayload, payloadBytes []byte) (*model.Request, *model.Batch, error) {
	settings, err := s.Settings().Get(ctx)
	if err != nil {
		return nil, nil, err
	}
	tokenEstimate := estimateTokens(payloadBytes)

	var req *model.Request
	var batch *model.Batch

	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		var row batchRow
		err := tx.GetContext(ctx, &row, `
			SELECT * FROM batches
			WHERE model = $1 AND endpoint = $2 AND state = $3
			FOR UPDATE
		`, payload.Model, payload.Endpoint, model.BatchBuilding)

		now := s.clock.Now()

		switch {
		case err == sqlErrNoRows:
			var id int64
			if err := tx.GetContext(ctx, &id, `
				INSERT INTO batches (model, endpoint, state, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $4)
				RETURNING id
			`, payload.Model, payload.Endpoint, model.BatchBuilding, now); err != nil {
				return fmt.Errorf("create building batch: %w", err)
			}
			if err := insertTransition(ctx, tx, model.EntityBatch, id, "", string(model.BatchBuilding), now); err != nil {
				return err
			}
			batch = &model.Batch{ID: id, Model: payload.Model, Endpoint: payload.Endpoint, State: model.BatchBuilding, CreatedAt: now, UpdatedAt: now}
		case err != nil:
			return fmt.Errorf("lock building batch: %w", err)
		default:
			batch = row.toModel()
		}

		if batch.RequestCount+1 > settings.MaxRequestsPerBatch {
			return model.NewError(model.ReasonBatchFull, fmt.Sprintf("batch %d already holds the maximum %d requests", batch.ID, settings.MaxRequestsPerBatch))
		}
		if batch.SizeBytes+int64(len(payloadBytes)) > settings.MaxBatchSizeBytes {
			return model.NewError(model.ReasonBatchSizeWouldExceed, fmt.Sprintf("batch %d would exceed the %d byte size cap", batch.ID, settings.MaxBatchSizeBytes))
		}

		dcBytes, err := marshalDeliveryConfig(payload.DeliveryConfig)
		if err != nil {
			return err
		}

		var id int64
		err = tx.GetContext(ctx, &id, `
			INSERT INTO requests (
				batch_id, custom_id, endpoint, model, state,
				request_payload_bytes, request_payload_size, estimated_input_tokens,
				delivery_config, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
			RETURNING id
		`, batch.ID, payload.CustomID, payload.Endpoint, payload.Model, model.RequestPending,
			payloadBytes, len(payloadBytes), tokenEstimate,
			dcBytes, now)
		if err != nil {
			if isUniqueViolation(err) {
				return model.NewError(model.ReasonDuplicateCustomID, fmt.Sprintf("custom_id %q already exists", payload.CustomID))
			}
			return fmt.Errorf("insert request: %w", err)
		}
		if err := insertTransition(ctx, tx, model.EntityRequest, id, "", string(model.RequestPending), now); err != nil {
			return err
		}

		req = &model.Request{
			ID:                   id,
			BatchID:              batch.ID,
			CustomID:             payload.CustomID,
			Endpoint:             payload.Endpoint,
			Model:                payload.Model,
			State:                model.RequestPending,
			RequestPayloadBytes:  payloadBytes,
			RequestPayloadSize:   int64(len(payloadBytes)),
			EstimatedInputTokens: tokenEstimate,
			DeliveryConfig:       payload.DeliveryConfig,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		// the counters trigger (migration 00002) keeps batch.RequestCount
		// etc. current in storage; mirror the increment on the in-memory
		// value returned to the caller so it need not re-fetch.
		batch.RequestCount++
		batch.SizeBytes += req.RequestPayloadSize
		batch.EstimatedInputTokensTotal += tokenEstimate

		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return req, batch, nil
}

// estimateTokens is a coarse, deterministic stand-in for a tokenizer: ~4
// bytes per token, matching the rough estimator described for admission
// accounting. The provider's own usage accounting (Batch.InputTokens et al)
// is the source of truth post-completion; this value only gates admission.
func estimateTokens(payloadBytes []byte) int64 {
	n := int64(len(payloadBytes)) / 4
	if n < 1 {
		n = 1
	}
	return n
}

func isUniqueViolation(err error) bool {
	// pgx reports SQLSTATE 23505 for unique_violation; string-matching the
	// driver-formatted message keeps this package free of a direct pgconn
	// import just for one error code check.
	return containsCode(err, "23505")
}

func containsCode(err error, code string) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	for i := 0; i+len(code) <= len(s); i++ {
		if s[i:i+len(code)] == code {
			return true
		}
	}
	return false
}

func (s *Store) TransitionRequest(ctx context.Context, id int64, to model.RequestState, mutate func(r *model.Request) ([]store.Effect, error)) (*model.Request, error) {
	var result *model.Request
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var row requestRow
		if err := tx.GetContext(ctx, &row, `SELECT * FROM requests WHERE id = $1 FOR UPDATE`, id); err != nil {
			if err == sqlErrNoRows {
				return model.NewError(model.ReasonRequestNotFound, fmt.Sprintf("request %d not found", id))
			}
			return fmt.Errorf("lock request %d: %w", id, err)
		}
		r, err := row.toModel()
		if err != nil {
			return err
		}
		from := r.State

		if err := statemachine.Request.Check(from, to); err != nil {
			return err
		}

		effects, err := mutate(r)
		if err != nil {
			return err
		}
		r.State = to
		now := s.clock.Now()
		r.UpdatedAt = now

		if _, err := tx.ExecContext(ctx, `
			UPDATE requests SET state = $1, updated_at = $2, response_payload = $3, error_msg = $4
			WHERE id = $5
		`, r.State, r.UpdatedAt, nullString(r.ResponsePayload), nullString(r.ErrorMsg), r.ID); err != nil {
			return fmt.Errorf("update request %d: %w", id, err)
		}

		if err := insertTransition(ctx, tx, model.EntityRequest, r.ID, string(from), string(to), now); err != nil {
			return err
		}
		if err := applyEffects(ctx, tx, now, effects); err != nil {
			return err
		}

		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) BulkTransitionRequests(ctx context.Context, batchID int64, from, to model.RequestState) (int64, error) {
	if err := statemachine.Request.Check(from, to); err != nil {
		return 0, err
	}
	var moved int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		now := s.clock.Now()
		var ids []int64
		if err := tx.SelectContext(ctx, &ids, `
			SELECT id FROM requests WHERE batch_id = $1 AND state = $2 FOR UPDATE
		`, batchID, from); err != nil {
			return fmt.Errorf("select requests to bulk-transition: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE requests SET state = $1, updated_at = $2 WHERE id = ANY($3)
		`, to, now, ids)
		if err != nil {
			return fmt.Errorf("bulk update requests: %w", err)
		}
		moved, _ = res.RowsAffected()
		for _, id := range ids {
			if err := insertTransition(ctx, tx, model.EntityRequest, id, string(from), string(to), now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

func (s *Store) ListRequestsByCustomIDs(ctx context.Context, batchID int64, customIDs []string) ([]*model.Request, error) {
	if len(customIDs) == 0 {
		return nil, nil
	}
	var rows []requestRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM requests WHERE batch_id = $1 AND custom_id = ANY($2)
	`, batchID, customIDs)
	if err != nil {
		return nil, fmt.Errorf("list requests by custom_id for batch %d: %w", batchID, err)
	}
	return toRequestModels(rows)
}

func (s *Store) ListPendingRequests(ctx context.Context, batchID int64) ([]*model.Request, error) {
	var rows []requestRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM requests WHERE batch_id = $1 AND state = $2 ORDER BY id ASC
	`, batchID, model.RequestPending)
	if err != nil {
		return nil, fmt.Errorf("list pending requests for batch %d: %w", batchID, err)
	}
	return toRequestModels(rows)
}

func (s *Store) ListNonTerminalRequests(ctx context.Context, batchID int64) ([]*model.Request, error) {
	var rows []requestRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM requests
		WHERE batch_id = $1 AND state NOT IN ($2, $3, $4, $5, $6)
		ORDER BY id ASC
	`, batchID, model.RequestDelivered, model.RequestFailed, model.RequestDeliveryFailed,
		model.RequestCancelled, model.RequestExpired)
	if err != nil {
		return nil, fmt.Errorf("list non-terminal requests for batch %d: %w", batchID, err)
	}
	return toRequestModels(rows)
}

func toRequestModels(rows []requestRow) ([]*model.Request, error) {
	out := make([]*model.Request, 0, len(rows))
	for _, r := range rows {
		m, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) RequestCounts(ctx context.Context, batchID int64) (store.RequestCounts, error) {
	var rc store.RequestCounts
	err := s.db.GetContext(ctx, &rc.Total, `SELECT COUNT(*) FROM requests WHERE batch_id = $1`, batchID)
	if err != nil {
		return rc, fmt.Errorf("count requests for batch %d: %w", batchID, err)
	}
	if err := s.db.GetContext(ctx, &rc.Delivered, `
		SELECT COUNT(*) FROM requests WHERE batch_id = $1 AND state = $2
	`, batchID, model.RequestDelivered); err != nil {
		return rc, fmt.Errorf("count delivered requests for batch %d: %w", batchID, err)
	}
	if err := s.db.GetContext(ctx, &rc.Failed, `
		SELECT COUNT(*) FROM requests WHERE batch_id = $1 AND state IN ($2, $3)
	`, batchID, model.RequestFailed, model.RequestDeliveryFailed); err != nil {
		return rc, fmt.Errorf("count failed requests for batch %d: %w", batchID, err)
	}
	if err := s.db.GetContext(ctx, &rc.Pending, `
		SELECT COUNT(*) FROM requests
		WHERE batch_id = $1 AND state NOT IN ($2, $3, $4, $5, $6)
	`, batchID, model.RequestDelivered, model.RequestFailed, model.RequestDeliveryFailed,
		model.RequestCancelled, model.RequestExpired); err != nil {
		return rc, fmt.Errorf("count non-terminal requests for batch %d: %w", batchID, err)
	}
	return rc, nil
}

func (s *Store) InsertDeliveryAttempt(ctx context.Context, a *model.DeliveryAttempt) error {
	now := s.clock.Now()
	if a.At.IsZero() {
		a.At = now
	}
	err := s.db.GetContext(ctx, &a.ID, `
		INSERT INTO delivery_attempts (request_id, attempt_number, outcome, error_msg, at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, a.RequestID, a.AttemptNumber, a.Outcome, nullString(a.ErrorMsg), a.At)
	if err != nil {
		return fmt.Errorf("insert delivery attempt for request %d: %w", a.RequestID, err)
	}
	return nil
}

func (s *Store) DeliveryAttemptsForRequest(ctx context.Context, requestID int64) ([]*model.DeliveryAttempt, error) {
	var rows []deliveryAttemptRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM delivery_attempts WHERE request_id = $1 ORDER BY attempt_number ASC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list delivery attempts for request %d: %w", requestID, err)
	}
	out := make([]*model.DeliveryAttempt, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}
