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
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/llm-d-incubation/batch-gateway/internal/clock"
	"github.com/llm-d-incubation/batch-gateway/internal/model"
)

type settingsStore struct {
	db    *sqlx.DB
	clock clock.Clock
}

type settingsRow struct {
	ID        int16     `db:"id"` // singleton row, always 1
	Version   int64     `db:"version"`
	UpdatedAt time.Time `db:"updated_at"`

	DefaultTokenCap        int64  `db:"default_token_cap"`
	ModelTokenCapOverrides []byte `db:"model_token_cap_overrides"`

	MaxRequestsPerBatch int64 `db:"max_requests_per_batch"`
	MaxBatchSizeBytes   int64 `db:"max_batch_size_bytes"`

	MaxTokenLimitRetries int `db:"max_token_limit_retries"`

	TokenLimitBackoffBaseMS int64 `db:"token_limit_backoff_base_ms"`
	TokenLimitBackoffMaxMS  int64 `db:"token_limit_backoff_max_ms"`

	BuildingBatchMaxAgeMS int64 `db:"building_batch_max_age_ms"`

	WebhookConnectTimeoutMS int64 `db:"webhook_connect_timeout_ms"`
	WebhookReadTimeoutMS    int64 `db:"webhook_read_timeout_ms"`
}

func (r settingsRow) toModel() (model.Settings, error) {
	overrides := map[string]int64{}
	if len(r.ModelTokenCapOverrides) > 0 {
		if err := json.Unmarshal(r.ModelTokenCapOverrides, &overrides); err != nil {
			return model.Settings{}, fmt.Errorf("decode model_token_cap_overrides: %w", err)
		}
	}
	return model.Settings{
		Version:                r.Version,
		UpdatedAt:              r.UpdatedAt,
		DefaultTokenCap:        r.DefaultTokenCap,
		ModelTokenCapOverrides: overrides,
		MaxRequestsPerBatch:    r.MaxRequestsPerBatch,
		MaxBatchSizeBytes:      r.MaxBatchSizeBytes,
		MaxTokenLimitRetries:   r.MaxTokenLimitRetries,
		TokenLimitBackoffBase:  time.Duration(r.TokenLimitBackoffBaseMS) * time.Millisecond,
		TokenLimitBackoffMax:   time.Duration(r.TokenLimitBackoffMaxMS) * time.Millisecond,
		BuildingBatchMaxAge:    time.Duration(r.BuildingBatchMaxAgeMS) * time.Millisecond,
		WebhookConnectTimeout:  time.Duration(r.WebhookConnectTimeoutMS) * time.Millisecond,
		WebhookReadTimeout:     time.Duration(r.WebhookReadTimeoutMS) * time.Millisecond,
	}, nil
}

func (s *settingsStore) Get(ctx context.Context) (model.Settings, error) {
	var row settingsRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM settings WHERE id = 1`); err != nil {
		if err == sqlErrNoRows {
			return model.Settings{}, fmt.Errorf("settings row missing: seed it via the bootstrap migration")
		}
		return model.Settings{}, fmt.Errorf("get settings: %w", err)
	}
	return row.toModel()
}

// Update re-reads the settings row under a lock, applies mutate, and
// writes the result back with a bumped Version, recording a Transition
// audit row the same way batch/request mutations do.
func (s *settingsStore) Update(ctx context.Context, mutate func(cur *model.Settings) error) (model.Settings, error) {
	var result model.Settings
	err := withTxDB(ctx, s.db, func(tx *sqlx.Tx) error {
		var row settingsRow
		if err := tx.GetContext(ctx, &row, `SELECT * FROM settings WHERE id = 1 FOR UPDATE`); err != nil {
			return fmt.Errorf("lock settings: %w", err)
		}
		cur, err := row.toModel()
		if err != nil {
			return err
		}
		fromVersion := cur.Version

		if err := mutate(&cur); err != nil {
			return err
		}
		now := s.clock.Now()
		cur.Version = fromVersion + 1
		cur.UpdatedAt = now

		overridesJSON, err := json.Marshal(cur.ModelTokenCapOverrides)
		if err != nil {
			return fmt.Errorf("marshal model_token_cap_overrides: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE settings SET
				version = $1, updated_at = $2,
				default_token_cap = $3, model_token_cap_overrides = $4,
				max_requests_per_batch = $5, max_batch_size_bytes = $6,
				max_token_limit_retries = $7,
				token_limit_backoff_base_ms = $8, token_limit_backoff_max_ms = $9,
				building_batch_max_age_ms = $10,
				webhook_connect_timeout_ms = $11, webhook_read_timeout_ms = $12
			WHERE id = 1
		`,
			cur.Version, cur.UpdatedAt,
			cur.DefaultTokenCap, overridesJSON,
			cur.MaxRequestsPerBatch, cur.MaxBatchSizeBytes,
			cur.MaxTokenLimitRetries,
			cur.TokenLimitBackoffBase.Milliseconds(), cur.TokenLimitBackoffMax.Milliseconds(),
			cur.BuildingBatchMaxAge.Milliseconds(),
			cur.WebhookConnectTimeout.Milliseconds(), cur.WebhookReadTimeout.Milliseconds(),
		); err != nil {
			return fmt.Errorf("update settings: %w", err)
		}

		if err := insertTransition(ctx, tx, model.EntitySettings, 1, fmt.Sprint(fromVersion), fmt.Sprint(cur.Version), now); err != nil {
			return err
		}

		result = cur
		return nil
	})
	if err != nil {
		return model.Settings{}, err
	}
	return result, nil
}

func withTxDB(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
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
