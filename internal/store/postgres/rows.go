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
	"database/sql"
	"fmt"
	"time"

	"github.com/llm-d-incubation/batch-gateway/internal/model"
)

// batchRow mirrors the batches table. sqlx scans into it by column name;
// mapping to/from model.Batch keeps the nullable-column bookkeeping out of
// the domain type.
type batchRow struct {
	ID       int64  `db:"id"`
	Model    string `db:"model"`
	Endpoint string `db:"endpoint"`
	State    string `db:"state"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	ProviderInputFileID  sql.NullString `db:"provider_input_file_id"`
	ProviderBatchID      sql.NullString `db:"provider_batch_id"`
	ProviderOutputFileID sql.NullString `db:"provider_output_file_id"`
	ProviderErrorFileID  sql.NullString `db:"provider_error_file_id"`

	RequestCount              int64 `db:"request_count"`
	SizeBytes                 int64 `db:"size_bytes"`
	EstimatedInputTokensTotal int64 `db:"estimated_input_tokens_total"`

	ProviderRequestsTotal     int64        `db:"provider_requests_total"`
	ProviderRequestsCompleted int64        `db:"provider_requests_completed"`
	ProviderRequestsFailed    int64        `db:"provider_requests_failed"`
	LastCheckedAt             sql.NullTime `db:"last_checked_at"`

	InputTokens     int64 `db:"input_tokens"`
	CachedTokens    int64 `db:"cached_tokens"`
	ReasoningTokens int64 `db:"reasoning_tokens"`
	OutputTokens    int64 `db:"output_tokens"`

	WaitingSinceAt          sql.NullTime   `db:"waiting_since_at"`
	WaitReason              sql.NullString `db:"wait_reason"`
	TokenLimitRetryAttempts int            `db:"token_limit_retry_attempts"`
	TokenLimitRetryNextAt   sql.NullTime   `db:"token_limit_retry_next_at"`
	TokenLimitRetryLastErr  sql.NullString `db:"token_limit_retry_last_error"`

	ExpiresAt sql.NullTime   `db:"expires_at"`
	ErrorMsg  sql.NullString `db:"error_msg"`
}

func (r batchRow) toModel() *model.Batch {
	b := &model.Batch{
		ID:        r.ID,
		Model:     r.Model,
		Endpoint:  r.Endpoint,
		State:     model.BatchState(r.State),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,

		RequestCount:              r.RequestCount,
		SizeBytes:                 r.SizeBytes,
		EstimatedInputTokensTotal: r.EstimatedInputTokensTotal,

		ProviderRequestsTotal:     r.ProviderRequestsTotal,
		ProviderRequestsCompleted: r.ProviderRequestsCompleted,
		ProviderRequestsFailed:    r.ProviderRequestsFailed,

		InputTokens:     r.InputTokens,
		CachedTokens:    r.CachedTokens,
		ReasoningTokens: r.ReasoningTokens,
		OutputTokens:    r.OutputTokens,

		TokenLimitRetryAttempts: r.TokenLimitRetryAttempts,
	}
	if r.ProviderInputFileID.Valid {
		b.ProviderInputFileID = &r.ProviderInputFileID.String
	}
	if r.ProviderBatchID.Valid {
		b.ProviderBatchID = &r.ProviderBatchID.String
	}
	if r.ProviderOutputFileID.Valid {
		b.ProviderOutputFileID = &r.ProviderOutputFileID.String
	}
	if r.ProviderErrorFileID.Valid {
		b.ProviderErrorFileID = &r.ProviderErrorFileID.String
	}
	if r.LastCheckedAt.Valid {
		b.LastCheckedAt = &r.LastCheckedAt.Time
	}
	if r.WaitingSinceAt.Valid {
		b.WaitingSinceAt = &r.WaitingSinceAt.Time
	}
	if r.WaitReason.Valid {
		wr := model.WaitReason(r.WaitReason.String)
		b.WaitReason = &wr
	}
	if r.TokenLimitRetryNextAt.Valid {
		b.TokenLimitRetryNextAt = &r.TokenLimitRetryNextAt.Time
	}
	if r.TokenLimitRetryLastErr.Valid {
		b.TokenLimitRetryLastErr = &r.TokenLimitRetryLastErr.String
	}
	if r.ExpiresAt.Valid {
		b.ExpiresAt = &r.ExpiresAt.Time
	}
	if r.ErrorMsg.Valid {
		b.ErrorMsg = &r.ErrorMsg.String
	}
	return b
}

// requestRow mirrors the requests table.
type requestRow struct {
	ID       int64  `db:"id"`
	BatchID  int64  `db:"batch_id"`
	CustomID string `db:"custom_id"`
	Endpoint string `db:"endpoint"`
	Model    string `db:"model"`
	State    string `db:"state"`

	RequestPayloadBytes  []byte `db:"request_payload_bytes"`
	RequestPayloadSize   int64  `db:"request_payload_size"`
	EstimatedInputTokens int64  `db:"estimated_input_tokens"`

	DeliveryConfig []byte `db:"delivery_config"`

	ResponsePayload sql.NullString `db:"response_payload"`
	ErrorMsg        sql.NullString `db:"error_msg"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r requestRow) toModel() (*model.Request, error) {
	dc, err := model.ParseDeliveryConfig(r.DeliveryConfig)
	if err != nil {
		return nil, fmt.Errorf("decode delivery config for request %d: %w", r.ID, err)
	}
	req := &model.Request{
		ID:                   r.ID,
		BatchID:              r.BatchID,
		CustomID:             r.CustomID,
		Endpoint:             r.Endpoint,
		Model:                r.Model,
		State:                model.RequestState(r.State),
		RequestPayloadBytes:  r.RequestPayloadBytes,
		RequestPayloadSize:   r.RequestPayloadSize,
		EstimatedInputTokens: r.EstimatedInputTokens,
		DeliveryConfig:       dc,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}
	if r.ResponsePayload.Valid {
		req.ResponsePayload = &r.ResponsePayload.String
	}
	if r.ErrorMsg.Valid {
		req.ErrorMsg = &r.ErrorMsg.String
	}
	return req, nil
}

// deliveryAttemptRow mirrors the delivery_attempts table.
type deliveryAttemptRow struct {
	ID            int64          `db:"id"`
	RequestID     int64          `db:"request_id"`
	AttemptNumber int            `db:"attempt_number"`
	Outcome       string         `db:"outcome"`
	ErrorMsg      sql.NullString `db:"error_msg"`
	At            time.Time      `db:"at"`
}

func (r deliveryAttemptRow) toModel() *model.DeliveryAttempt {
	a := &model.DeliveryAttempt{
		ID:            r.ID,
		RequestID:     r.RequestID,
		AttemptNumber: r.AttemptNumber,
		Outcome:       model.DeliveryOutcome(r.Outcome),
		At:            r.At,
	}
	if r.ErrorMsg.Valid {
		a.ErrorMsg = &r.ErrorMsg.String
	}
	return a
}

func marshalDeliveryConfig(d model.DeliveryConfig) ([]byte, error) {
	b, err := d.MarshalCanonical()
	if err != nil {
		return nil, fmt.Errorf("marshal delivery config: %w", err)
	}
	return b, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
