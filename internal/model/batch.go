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

// The file defines the Batch entity and its lifecycle states.
package model

import "time"

// BatchState is one node of the batch state machine.
type BatchState string

const (
	BatchBuilding           BatchState = "building"
	BatchUploading          BatchState = "uploading"
	BatchUploaded           BatchState = "uploaded"
	BatchWaitingForCapacity BatchState = "waiting_for_capacity"
	BatchProviderProcessing BatchState = "provider_processing"
	BatchProviderCompleted  BatchState = "provider_completed"
	BatchDownloading        BatchState = "downloading"
	BatchDownloaded         BatchState = "downloaded"
	BatchReadyToDeliver     BatchState = "ready_to_deliver"
	BatchDelivering         BatchState = "delivering"
	BatchDelivered          BatchState = "delivered"
	BatchPartiallyDelivered BatchState = "partially_delivered"
	BatchDeliveryFailed     BatchState = "delivery_failed"
	BatchExpired            BatchState = "expired"
	BatchWaitingToRetry     BatchState = "waiting_to_retry"
	BatchFailed             BatchState = "failed"
	BatchCancelled          BatchState = "cancelled"
)

// Terminal reports whether the state has no outgoing transitions, except
// the operator-driven redeliver edge out of partially_delivered/delivery_failed.
func (s BatchState) Terminal() bool {
	switch s {
	case BatchDelivered, BatchFailed, BatchCancelled:
		return true
	case BatchPartiallyDelivered, BatchDeliveryFailed:
		// terminal for everything except the redeliver edge
		return true
	default:
		return false
	}
}

// WaitReason explains why a batch sits in waiting_for_capacity.
type WaitReason string

const (
	WaitInsufficientHeadroom WaitReason = "insufficient_headroom"
	WaitTokenLimitBackoff    WaitReason = "token_limit_backoff"
)

// Batch groups requests submitted to the provider as a single job.
type Batch struct {
	ID       int64
	Model    string
	Endpoint string
	State    BatchState

	CreatedAt time.Time
	UpdatedAt time.Time

	ProviderInputFileID  *string
	ProviderBatchID      *string
	ProviderOutputFileID *string
	ProviderErrorFileID  *string

	RequestCount              int64
	SizeBytes                 int64
	EstimatedInputTokensTotal int64

	ProviderRequestsTotal     int64
	ProviderRequestsCompleted int64
	ProviderRequestsFailed    int64
	LastCheckedAt             *time.Time

	InputTokens     int64
	CachedTokens    int64
	ReasoningTokens int64
	OutputTokens    int64

	WaitingSinceAt          *time.Time
	WaitReason              *WaitReason
	TokenLimitRetryAttempts int
	TokenLimitRetryNextAt   *time.Time
	TokenLimitRetryLastErr  *string

	ExpiresAt *time.Time

	ErrorMsg *string
}

// ReservedStates are the batch states whose EstimatedInputTokensTotal counts
// against a model's per-organization token budget.
var ReservedStates = []BatchState{
	BatchUploaded,
	BatchWaitingForCapacity,
	BatchProviderProcessing,
}

func (b *Batch) IsReserved() bool {
	for _, s := range ReservedStates {
		if b.State == s {
			return true
		}
	}
	return false
}
