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
	"time"

	"github.com/llm-d-incubation/batch-gateway/internal/model"
	"github.com/llm-d-incubation/batch-gateway/internal/providerclient"
	"github.com/llm-d-incubation/batch-gateway/internal/store"
)

// PollBatchStatus checks the provider's view of a submitted batch and
// reacts to completion, failure, or expiry. A non-final status just
// records last_checked_at and reschedules the next poll.
func (a *Actions) PollBatchStatus(ctx context.Context, batchID int64) error {
	batch, err := a.Store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("get batch %d: %w", batchID, err)
	}
	if batch.State != model.BatchProviderProcessing {
		return nil
	}

	providerBatch, err := a.Provider.GetBatch(ctx, strDeref(batch.ProviderBatchID))
	if err != nil {
		if apiErr, ok := err.(*providerclient.APIError); ok && apiErr.IsTokenLimitExceeded() {
			settings, serr := a.Store.Settings().Get(ctx)
			if serr != nil {
				return fmt.Errorf("load settings: %w", serr)
			}
			return a.applyTokenLimitBackoff(ctx, batchID, settings, apiErr.Error())
		}
		return fmt.Errorf("poll provider batch status for %d: %w", batchID, err)
	}

	switch providerBatch.Status {
	case providerclient.BatchStatusCompleted:
		return a.onPollCompleted(ctx, batchID, providerBatch)
	case providerclient.BatchStatusFailed:
		if providerBatch.Errors != nil {
			for _, e := range providerBatch.Errors.Data {
				if e.Code == "token_limit_exceeded" {
					settings, serr := a.Store.Settings().Get(ctx)
					if serr != nil {
						return fmt.Errorf("load settings: %w", serr)
					}
					return a.applyTokenLimitBackoff(ctx, batchID, settings, e.Message)
				}
			}
		}
		return a.onPollFailed(ctx, batchID, providerBatch)
	case providerclient.BatchStatusExpired:
		return a.onPollExpired(ctx, batchID, providerBatch)
	default:
		return a.onPollInProgress(ctx, batchID, providerBatch)
	}
}

func (a *Actions) onPollCompleted(ctx context.Context, batchID int64, pb *providerclient.Batch) error {
	batch, err := a.Store.TransitionBatch(ctx, batchID, model.BatchProviderCompleted, func(b *model.Batch) ([]store.Effect, error) {
		if b.State != model.BatchProviderProcessing {
			return nil, nil
		}
		applyProviderBatchInfo(b, pb)
		now := a.Clock.Now()
		return []store.Effect{
			transitionEvent(model.EntityBatch, b.ID, string(b.State), string(model.BatchProviderCompleted), now),
			store.EnqueueJobEffect(model.JobDownloadAndParse, b.ID, nil, time.Time{}),
		}, nil
	})
	if err != nil {
		return fmt.Errorf("transition batch %d to provider_completed: %w", batchID, err)
	}
	return a.drainCapacity(ctx, batch.Model)
}

func (a *Actions) onPollFailed(ctx context.Context, batchID int64, pb *providerclient.Batch) error {
	msg := providerErrorSummary(pb)
	batch, err := a.Store.TransitionBatch(ctx, batchID, model.BatchFailed, func(b *model.Batch) ([]store.Effect, error) {
		if b.State != model.BatchProviderProcessing {
			return nil, nil
		}
		b.ErrorMsg = &msg
		now := a.Clock.Now()
		return []store.Effect{transitionEvent(model.EntityBatch, b.ID, string(b.State), string(model.BatchFailed), now)}, nil
	})
	if err != nil {
		return fmt.Errorf("transition batch %d to failed: %w", batchID, err)
	}
	return a.drainCapacity(ctx, batch.Model)
}

// onPollExpired handles the provider's "expired" status: if any output or
// error file was produced before the deadline hit, partial results are
// still worth recovering; otherwise the batch moves to expired and queues
// a start_upload that Upload itself drives the rest of the way (reset
// in-flight requests to pending, expired -> waiting_to_retry -> uploading)
// since expired has no declared edge straight to uploading.
// Either way the batch leaves the token-reserved set, so waiting batches
// of the same model get a drain pass.
func (a *Actions) onPollExpired(ctx context.Context, batchID int64, pb *providerclient.Batch) error {
	if pb.OutputFileID != "" || pb.ErrorFileID != "" {
		return a.processPartialExpiration(ctx, batchID, pb)
	}

	batch, err := a.Store.TransitionBatch(ctx, batchID, model.BatchExpired, func(b *model.Batch) ([]store.Effect, error) {
		if b.State != model.BatchProviderProcessing {
			return nil, nil
		}
		now := a.Clock.Now()
		return []store.Effect{
			transitionEvent(model.EntityBatch, b.ID, string(b.State), string(model.BatchExpired), now),
			store.EnqueueJobEffect(model.JobUpload, b.ID, nil, time.Time{}),
		}, nil
	})
	if err != nil {
		return fmt.Errorf("transition batch %d to expired: %w", batchID, err)
	}
	return a.drainCapacity(ctx, batch.Model)
}

// processPartialExpiration moves a batch whose deadline hit mid-flight
// straight to result parsing (the provider_processing -> downloading
// edge): whatever the provider finished gets classified and delivered,
// and finishDownload resubmits the remainder once it sees requests still
// in provider_processing after both files are consumed.
func (a *Actions) processPartialExpiration(ctx context.Context, batchID int64, pb *providerclient.Batch) error {
	batch, err := a.Store.TransitionBatch(ctx, batchID, model.BatchDownloading, func(b *model.Batch) ([]store.Effect, error) {
		if b.State != model.BatchProviderProcessing {
			return nil, nil
		}
		applyProviderBatchInfo(b, pb)
		now := a.Clock.Now()
		return []store.Effect{
			transitionEvent(model.EntityBatch, b.ID, string(b.State), string(model.BatchDownloading), now),
			store.EnqueueJobEffect(model.JobDownloadAndParse, b.ID, nil, time.Time{}),
		}, nil
	})
	if err != nil {
		return fmt.Errorf("transition partially-expired batch %d to downloading: %w", batchID, err)
	}
	return a.drainCapacity(ctx, batch.Model)
}

// onPollInProgress records poll progress in place: last_checked_at always,
// plus a progress event when the provider's counts moved.
// This is never a state transition -- provider_processing -> provider_processing
// is not a declared edge -- so it goes through Store.UpdateBatch instead of
// TransitionBatch.
func (a *Actions) onPollInProgress(ctx context.Context, batchID int64, pb *providerclient.Batch) error {
	_, err := a.Store.UpdateBatch(ctx, batchID, func(b *model.Batch) ([]store.Effect, error) {
		if b.State != model.BatchProviderProcessing {
			return nil, nil
		}
		changed := b.ProviderRequestsTotal != pb.RequestCounts.Total ||
			b.ProviderRequestsCompleted != pb.RequestCounts.Completed ||
			b.ProviderRequestsFailed != pb.RequestCounts.Failed
		b.ProviderRequestsTotal = pb.RequestCounts.Total
		b.ProviderRequestsCompleted = pb.RequestCounts.Completed
		b.ProviderRequestsFailed = pb.RequestCounts.Failed
		now := a.Clock.Now()
		b.LastCheckedAt = &now

		effects := []store.Effect{store.EnqueueJobEffect(model.JobPollBatchStatus, b.ID, nil, now.Add(pollInterval))}
		if changed {
			effects = append(effects, metricsDeltaEvent(b))
		}
		return effects, nil
	})
	if err != nil {
		return fmt.Errorf("record poll progress for batch %d: %w", batchID, err)
	}
	return nil
}

func applyProviderBatchInfo(b *model.Batch, pb *providerclient.Batch) {
	if pb.OutputFileID != "" {
		id := pb.OutputFileID
		b.ProviderOutputFileID = &id
	}
	if pb.ErrorFileID != "" {
		id := pb.ErrorFileID
		b.ProviderErrorFileID = &id
	}
	b.ProviderRequestsTotal = pb.RequestCounts.Total
	b.ProviderRequestsCompleted = pb.RequestCounts.Completed
	b.ProviderRequestsFailed = pb.RequestCounts.Failed
	if pb.Usage != nil {
		b.InputTokens = pb.Usage.InputTokens
		b.CachedTokens = pb.Usage.InputTokensDetails.CachedTokens
		b.OutputTokens = pb.Usage.OutputTokens
		b.ReasoningTokens = pb.Usage.OutputTokensDetails.ReasoningTokens
	}
}

func providerErrorSummary(pb *providerclient.Batch) string {
	if pb.Errors == nil || len(pb.Errors.Data) == 0 {
		return "provider batch failed"
	}
	return pb.Errors.Data[0].Message
}
