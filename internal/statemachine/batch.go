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

package statemachine

import "github.com/llm-d-incubation/batch-gateway/internal/model"

// Batch is the declared batch transition graph.
// Terminal() follows model.BatchState.Terminal except that the
// partially_delivered/delivery_failed -> delivering redeliver edge is
// declared explicitly below even though those two states are otherwise
// terminal for every other purpose.
var Batch = New(model.EntityBatch, batchTerminal, []Edge[model.BatchState]{
	{From: model.BatchBuilding, To: model.BatchUploading},
	{From: model.BatchBuilding, To: model.BatchCancelled},

	{From: model.BatchUploading, To: model.BatchUploaded},
	{From: model.BatchUploading, To: model.BatchCancelled},
	{From: model.BatchUploading, To: model.BatchFailed},

	{From: model.BatchUploaded, To: model.BatchProviderProcessing},
	{From: model.BatchUploaded, To: model.BatchWaitingForCapacity},
	{From: model.BatchUploaded, To: model.BatchCancelled},
	{From: model.BatchUploaded, To: model.BatchFailed},

	{From: model.BatchWaitingForCapacity, To: model.BatchUploaded},
	{From: model.BatchWaitingForCapacity, To: model.BatchProviderProcessing},
	{From: model.BatchWaitingForCapacity, To: model.BatchFailed},
	{From: model.BatchWaitingForCapacity, To: model.BatchCancelled},

	{From: model.BatchProviderProcessing, To: model.BatchProviderCompleted},
	{From: model.BatchProviderProcessing, To: model.BatchExpired},
	{From: model.BatchProviderProcessing, To: model.BatchDownloading}, // partial expiration recovers output
	{From: model.BatchProviderProcessing, To: model.BatchWaitingForCapacity}, // token_limit_exceeded backoff
	{From: model.BatchProviderProcessing, To: model.BatchFailed},
	{From: model.BatchProviderProcessing, To: model.BatchCancelled},

	{From: model.BatchExpired, To: model.BatchWaitingToRetry},
	{From: model.BatchExpired, To: model.BatchCancelled},
	{From: model.BatchWaitingToRetry, To: model.BatchUploading},
	{From: model.BatchWaitingToRetry, To: model.BatchCancelled},

	{From: model.BatchProviderCompleted, To: model.BatchDownloading},
	{From: model.BatchProviderCompleted, To: model.BatchCancelled},

	{From: model.BatchDownloading, To: model.BatchDownloaded},
	{From: model.BatchDownloading, To: model.BatchFailed},
	{From: model.BatchDownloading, To: model.BatchCancelled},

	{From: model.BatchDownloaded, To: model.BatchReadyToDeliver},
	{From: model.BatchDownloaded, To: model.BatchWaitingToRetry}, // partial expiration: resubmit the non-recovered remainder
	{From: model.BatchDownloaded, To: model.BatchCancelled},

	// ready_to_deliver with zero or all-terminal requests skips straight to
	// a terminal batch state.
	{From: model.BatchReadyToDeliver, To: model.BatchDelivering},
	{From: model.BatchReadyToDeliver, To: model.BatchDelivered},
	{From: model.BatchReadyToDeliver, To: model.BatchFailed},
	{From: model.BatchReadyToDeliver, To: model.BatchCancelled},

	{From: model.BatchDelivering, To: model.BatchDelivered},
	{From: model.BatchDelivering, To: model.BatchPartiallyDelivered},
	{From: model.BatchDelivering, To: model.BatchDeliveryFailed},
	{From: model.BatchDelivering, To: model.BatchCancelled},

	// operator redeliver: distinct edge out of an otherwise-terminal state.
	{From: model.BatchPartiallyDelivered, To: model.BatchDelivering},
	{From: model.BatchDeliveryFailed, To: model.BatchDelivering},
})

func batchTerminal(s model.BatchState) bool {
	switch s {
	case model.BatchDelivered, model.BatchFailed, model.BatchCancelled,
		model.BatchPartiallyDelivered, model.BatchDeliveryFailed:
		return true
	default:
		return false
	}
}
