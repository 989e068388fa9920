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

// The file mirrors the subset of the OpenAI Batch/Files wire format that
// ProviderClient actually exchanges with the provider.
package providerclient

// BatchStatus is the provider's lifecycle label for a submitted batch.
type BatchStatus string

const (
	BatchStatusValidating BatchStatus = "validating"
	BatchStatusFailed     BatchStatus = "failed"
	BatchStatusInProgress BatchStatus = "in_progress"
	BatchStatusFinalizing BatchStatus = "finalizing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusExpired    BatchStatus = "expired"
	BatchStatusCancelling BatchStatus = "cancelling"
	BatchStatusCancelled  BatchStatus = "cancelled"
)

func (s BatchStatus) IsFinal() bool {
	switch s {
	case BatchStatusCompleted, BatchStatusFailed, BatchStatusExpired, BatchStatusCancelled:
		return true
	default:
		return false
	}
}

// CreateBatchRequest is the body posted to POST /v1/batches.
type CreateBatchRequest struct {
	InputFileID      string            `json:"input_file_id"`
	Endpoint         string            `json:"endpoint"`
	CompletionWindow string            `json:"completion_window"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// BatchRequestCounts mirrors the provider's per-status tally for a batch.
type BatchRequestCounts struct {
	Total     int64 `json:"total"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

type BatchUsage struct {
	InputTokens        int64 `json:"input_tokens"`
	InputTokensDetails struct {
		CachedTokens int64 `json:"cached_tokens"`
	} `json:"input_tokens_details"`
	OutputTokens        int64 `json:"output_tokens"`
	OutputTokensDetails struct {
		ReasoningTokens int64 `json:"reasoning_tokens"`
	} `json:"output_tokens_details"`
}

type BatchError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Line    int64  `json:"line,omitempty"`
}

type BatchErrors struct {
	Data []BatchError `json:"data"`
}

// Batch is the provider's representation of a submitted batch job.
type Batch struct {
	ID               string             `json:"id"`
	Endpoint         string             `json:"endpoint"`
	InputFileID      string             `json:"input_file_id"`
	CompletionWindow string             `json:"completion_window"`
	Status           BatchStatus        `json:"status"`
	OutputFileID     string             `json:"output_file_id,omitempty"`
	ErrorFileID      string             `json:"error_file_id,omitempty"`
	RequestCounts    BatchRequestCounts `json:"request_counts"`
	Usage            *BatchUsage        `json:"usage,omitempty"`
	Errors           *BatchErrors       `json:"errors,omitempty"`
}

// FileObject is the provider's representation of an uploaded/result file.
type FileObject struct {
	ID       string `json:"id"`
	Bytes    int64  `json:"bytes"`
	Filename string `json:"filename"`
	Purpose  string `json:"purpose"`
}

// APIError is the provider's error envelope, unwrapped from {"error": {...}}.
type APIError struct {
	HTTPStatus int    `json:"-"`
	Code       string `json:"code"`
	Type       string `json:"type"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Message
}

// IsTokenLimitExceeded reports whether the provider rejected submission
// because the account's queued-token budget for the model is exhausted —
// the one provider error CapacityControl's backoff reacts to specifically.
func (e *APIError) IsTokenLimitExceeded() bool {
	return e.Code == "token_limit_exceeded" || e.Type == "token_limit_exceeded"
}

// IsRetryable reports whether a plain retry (JobQueue's own backoff) is
// likely to succeed — rate limits and server-side failures, not validation
// or auth errors.
func (e *APIError) IsRetryable() bool {
	if e.HTTPStatus == 429 || e.HTTPStatus >= 500 {
		return true
	}
	return false
}
