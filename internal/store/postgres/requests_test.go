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
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d-incubation/batch-gateway/internal/model"
)

func settingsRowDefault() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "version", "updated_at", "default_token_cap", "model_token_cap_overrides",
		"max_requests_per_batch", "max_batch_size_bytes", "max_token_limit_retries",
		"token_limit_backoff_base_ms", "token_limit_backoff_max_ms",
		"building_batch_max_age_ms", "webhook_connect_timeout_ms", "webhook_read_timeout_ms",
	}).AddRow(
		1, 0, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), 2000000, []byte("{}"),
		50000, 104857600, 5,
		30000, 3600000,
		3600000, 10000, 30000,
	)
}

func validPayload() model.IngressPayload {
	return model.IngressPayload{
		CustomID: "req-1",
		Model:    "gpt-5",
		Endpoint: "/v1/chat/completions",
		Body:     []byte(`{"messages":[{"role":"user","content":"hi"}]}`),
		DeliveryConfig: model.DeliveryConfig{
			Type:       model.DeliveryWebhook,
			WebhookURL: "https://example.com/hook",
		},
	}
}

func TestEnqueueRequest_CreatesBuildingBatchWhenNoneExists(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(`SELECT \* FROM settings WHERE id = 1`).WillReturnRows(settingsRowDefault())

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM batches`).
		WithArgs("gpt-5", "/v1/chat/completions", "building").
		WillReturnError(sqlErrNoRows)
	mock.ExpectQuery(`INSERT INTO batches`).
		WithArgs("gpt-5", "/v1/chat/completions", "building", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectExec(`INSERT INTO transitions`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`INSERT INTO requests`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectExec(`INSERT INTO transitions`).WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	req, batch, err := s.EnqueueRequest(context.Background(), validPayload())
	require.NoError(t, err)
	assert.Equal(t, int64(1), batch.ID)
	assert.Equal(t, model.RequestPending, req.State)
	assert.Equal(t, "req-1", req.CustomID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueRequest_RejectsInvalidPayload(t *testing.T) {
	s, _ := newTestStore(t)

	bad := validPayload()
	bad.CustomID = ""

	_, _, err := s.EnqueueRequest(context.Background(), bad)
	require.Error(t, err)
	var me *model.Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, model.ReasonInvalid, me.Reason)
}

func TestEnqueueRequest_DuplicateCustomIDRejected(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(`SELECT \* FROM settings WHERE id = 1`).WillReturnRows(settingsRowDefault())

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM batches`).
		WithArgs("gpt-5", "/v1/chat/completions", "building").
		WillReturnError(sqlErrNoRows)
	mock.ExpectQuery(`INSERT INTO batches`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectExec(`INSERT INTO transitions`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`INSERT INTO requests`).
		WillReturnError(&dupKeyErr{})
	mock.ExpectRollback()

	_, _, err := s.EnqueueRequest(context.Background(), validPayload())
	require.Error(t, err)
	var me *model.Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, model.ReasonDuplicateCustomID, me.Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// dupKeyErr stands in for the pgx unique_violation error pgconn would
// return; isUniqueViolation only string-matches the SQLSTATE code.
type dupKeyErr struct{}

func (d *dupKeyErr) Error() string { return "ERROR: duplicate key value (SQLSTATE 23505)" }
