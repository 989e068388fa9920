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

// The file implements recover_stale_work: on process
// start, scan every non-terminal batch and enqueue whichever job its
// current state implies so a crash mid-pipeline always resumes instead of
// stalling silently until an operator notices.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/llm-d-incubation/batch-gateway/internal/jobqueue"
	"github.com/llm-d-incubation/batch-gateway/internal/model"
	"github.com/llm-d-incubation/batch-gateway/internal/store"
)

// Recoverer re-enqueues jobs for any entity stuck in a non-terminal,
// action-required state.
type Recoverer struct {
	store store.Store
	queue jobqueue.Queue
}

func New(s store.Store, q jobqueue.Queue) *Recoverer {
	return &Recoverer{store: s, queue: q}
}

// Run scans every non-terminal batch once and enqueues the resumption job
// its state implies. It is itself idempotent: every
// enqueued kind is either a singleton (deduplicated against any job a
// still-running worker already holds) or safe to re-run: per-request
// deliver jobs because Deliver no-ops outside {provider_processed,
// delivering}, and check_delivery_completion because
// FinalizeBatchDelivery no-ops unless the batch is delivering.
func (r *Recoverer) Run(ctx context.Context) error {
	batches, err := r.store.ListNonTerminalBatches(ctx)
	if err != nil {
		return fmt.Errorf("list non-terminal batches: %w", err)
	}

	for _, b := range batches {
		if err := r.recoverBatch(ctx, b); err != nil {
			return fmt.Errorf("recover batch %d (state %s): %w", b.ID, b.State, err)
		}
	}
	return nil
}

func (r *Recoverer) recoverBatch(ctx context.Context, b *model.Batch) error {
	switch b.State {
	case model.BatchBuilding:
		// the per-batch expire_stale_building_batch job scheduled on
		// creation already covers this; nothing to re-enqueue here.
		return nil

	case model.BatchUploading, model.BatchExpired, model.BatchWaitingToRetry:
		// Upload owns the whole expired -> waiting_to_retry -> uploading
		// resumption (expired has no declared edge straight to
		// uploading), so all three states resume through the same job.
		return r.queue.Enqueue(ctx, model.JobUpload, b.ID, nil, time.Time{})

	case model.BatchUploaded, model.BatchWaitingForCapacity:
		return r.queue.Enqueue(ctx, model.JobCreateProviderBatch, b.ID, nil, time.Time{})

	case model.BatchProviderProcessing:
		return r.queue.Enqueue(ctx, model.JobPollBatchStatus, b.ID, nil, time.Time{})

	case model.BatchProviderCompleted, model.BatchDownloading, model.BatchDownloaded:
		return r.queue.Enqueue(ctx, model.JobDownloadAndParse, b.ID, nil, time.Time{})

	case model.BatchReadyToDeliver, model.BatchDelivering:
		if err := r.queue.Enqueue(ctx, model.JobCheckDeliveryDone, b.ID, nil, time.Time{}); err != nil {
			return fmt.Errorf("enqueue check_delivery_completion: %w", err)
		}
		return r.recoverRequestDelivery(ctx, b.ID)

	default:
		return nil
	}
}

func (r *Recoverer) recoverRequestDelivery(ctx context.Context, batchID int64) error {
	requests, err := r.store.ListNonTerminalRequests(ctx, batchID)
	if err != nil {
		return fmt.Errorf("list non-terminal requests for batch %d: %w", batchID, err)
	}
	for _, req := range requests {
		if req.State != model.RequestProviderProcessed && req.State != model.RequestDelivering {
			continue
		}
		if err := r.queue.Enqueue(ctx, model.JobDeliver, req.ID, nil, time.Time{}); err != nil {
			return fmt.Errorf("enqueue deliver for request %d: %w", req.ID, err)
		}
	}
	return nil
}
