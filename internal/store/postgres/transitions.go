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
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/llm-d-incubation/batch-gateway/internal/model"
)

// sqlErrNoRows is the sentinel sqlx.Get/Select return for a missing row.
var sqlErrNoRows = sql.ErrNoRows

// insertTransition writes the audit row for a successful state change.
// from == "" (a creation transition) is stored as a NULL from_state.
func insertTransition(ctx context.Context, tx *sqlx.Tx, kind model.EntityKind, entityID int64, from, to string, at time.Time) error {
	var fromArg interface{}
	if from != "" {
		fromArg = from
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transitions (entity_kind, entity_id, from_state, to_state, at)
		VALUES ($1, $2, $3, $4, $5)
	`, kind, entityID, fromArg, to, at); err != nil {
		return fmt.Errorf("insert transition for %s %d: %w", kind, entityID, err)
	}
	return nil
}
