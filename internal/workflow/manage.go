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

package workflow

import (
	"context"
	"fmt"

	"github.com/llm-d-incubation/batch-gateway/internal/model"
	"github.com/llm-d-incubation/batch-gateway/internal/store"
)

// Cancel is the operator-driven terminal transition valid from any
// non-terminal batch state. It cancels every
// non-terminal child request first so a crash between the two loops still
// leaves the batch's own transition well-defined, then best-effort cancels
// the provider-side batch if one was ever created — a failure there never
// blocks the local cancel, since the provider will eventually reap an
// orphaned batch on its own schedule.
func (a *Actions) Cancel(ctx context.Context, batchID int64) error {
	batch, err := a.Store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("get batch %d: %w", batchID, err)
	}
	if batch.State.Terminal() {
		return nil
	}

	requests, err := a.Store.ListNonTerminalRequests(ctx, batchID)
	if err != nil {
		return fmt.Errorf("list non-terminal requests for batch %d: %w", batchID, err)
	}
	for _, r := range requests {
		if _, err := a.Store.TransitionRequest(ctx, r.ID, model.RequestCancelled, func(rr *model.Request) ([]store.Effect, error) {
			if rr.State.Terminal() {
				return nil, nil
			}
			return nil, nil
		}); err != nil {
			return fmt.Errorf("cancel request %d: %w", r.ID, err)
		}
	}

	wasReserved := batch.IsReserved()
	cancelled, err := a.Store.TransitionBatch(ctx, batchID, model.BatchCancelled, func(b *model.Batch) ([]store.Effect, error) {
		if b.State.Terminal() {
			return nil, nil
		}
		now := a.Clock.Now()
		return []store.Effect{transitionEvent(model.EntityBatch, b.ID, string(b.State), string(model.BatchCancelled), now)}, nil
	})
	if err != nil {
		return fmt.Errorf("cancel batch %d: %w", batchID, err)
	}

	if batch.ProviderBatchID != nil {
		if _, perr := a.Provider.CancelBatch(ctx, *batch.ProviderBatchID); perr != nil {
			a.Logger.V(1).Info("cancel: best-effort provider cancel failed", "batch_id", batchID, "err", perr)
		}
	}

	if wasReserved {
		if err := a.drainCapacity(ctx, cancelled.Model); err != nil {
			return fmt.Errorf("drain capacity for model %s after cancelling batch %d: %w", cancelled.Model, batchID, err)
		}
	}
	return nil
}

// DeleteExpired removes a terminal batch whose provider-side deadline has
// elapsed. It is a
// no-op — never an error — for a batch that isn't both terminal and past
// its deadline, since the job may have been scheduled before a subsequent
// transition moved ExpiresAt or the deadline forward.
func (a *Actions) DeleteExpired(ctx context.Context, batchID int64) error {
	batch, err := a.Store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("get batch %d: %w", batchID, err)
	}
	if !batch.State.Terminal() {
		return nil
	}
	if batch.ExpiresAt == nil || batch.ExpiresAt.After(a.Clock.Now()) {
		return nil
	}
	if err := a.Store.DeleteExpiredBatch(ctx, batchID); err != nil {
		return fmt.Errorf("delete expired batch %d: %w", batchID, err)
	}
	return nil
}

// drainCapacity re-admits as many waiting_for_capacity batches for model
// as now fit, in strict FIFO order, whenever a batch leaves one of the
// token-reserved states.
func (a *Actions) drainCapacity(ctx context.Context, modelName string) error {
	if a.Capacity == nil {
		return nil
	}
	return a.Capacity.DrainWaiting(ctx, modelName, func(b *model.Batch) error {
		return a.admitWaitingBatch(ctx, b)
	})
}

// admitWaitingBatch re-runs the uploaded->provider_processing submission
// for a batch the drain decided now fits, reusing the same provider-call
// and transition logic create_provider_batch uses for a fresh submission.
func (a *Actions) admitWaitingBatch(ctx context.Context, b *model.Batch) error {
	return a.CreateProviderBatch(ctx, b.ID)
}
