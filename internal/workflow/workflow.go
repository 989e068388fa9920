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

// The file implements WorkflowActions: the JobQueue-invoked handlers that
// drive a batch/request through upload, provider submission, polling,
// result parsing, and delivery. Every handler re-reads its subject inside
// a transaction and is a no-op if the entity has moved past the state the
// handler expects — a crash-and-retry of any handler is always safe.
package workflow

import (
	"context"
	"fmt"
	"io"
	"time"

	"k8s.io/klog/v2"

	"github.com/llm-d-incubation/batch-gateway/internal/capacity"
	"github.com/llm-d-incubation/batch-gateway/internal/clock"
	"github.com/llm-d-incubation/batch-gateway/internal/eventing"
	"github.com/llm-d-incubation/batch-gateway/internal/filestore"
	"github.com/llm-d-incubation/batch-gateway/internal/jobqueue"
	"github.com/llm-d-incubation/batch-gateway/internal/model"
	"github.com/llm-d-incubation/batch-gateway/internal/providerclient"
	"github.com/llm-d-incubation/batch-gateway/internal/publisher"
	"github.com/llm-d-incubation/batch-gateway/internal/store"
)

// FileStore is the slice of internal/filestore.FileStore WorkflowActions needs.
type FileStore interface {
	StreamLines(batchID int64, fn func(line []byte) error) error
	Delete(batchID int64) error
	Size(batchID int64) (int64, error)
	Rebuild(ctx context.Context, batchID int64, lister filestore.RequestLister) (int64, error)
}

// Actions bundles every collaborator a WorkflowActions handler needs.
type Actions struct {
	Store     store.Store
	Files     FileStore
	Provider  providerclient.ProviderClient
	Publisher publisher.MessagePublisher
	Queue     jobqueue.Queue
	Capacity  *capacity.Control
	Clock     clock.Clock
	Logger    klog.Logger
}

func New(s store.Store, f FileStore, p providerclient.ProviderClient, pub publisher.MessagePublisher, q jobqueue.Queue, cap *capacity.Control, c clock.Clock, logger klog.Logger) *Actions {
	if c == nil {
		c = clock.Real{}
	}
	return &Actions{Store: s, Files: f, Provider: p, Publisher: pub, Queue: q, Capacity: cap, Clock: c, Logger: logger}
}

func transitionEvent(kind model.EntityKind, id int64, from, to string, at time.Time) store.Effect {
	payload, _ := eventing.MarshalTransition(eventing.Event{
		EntityKind: string(kind), EntityID: id, From: from, To: to, Timestamp: at,
	})
	return store.PublishEventEffect(eventing.TopicTransitions, payload)
}

func metricsDeltaEvent(b *model.Batch) store.Effect {
	payload, _ := eventing.MarshalMetricsDelta(eventing.MetricsDelta{
		BatchID: b.ID, Count: b.RequestCount, Bytes: b.SizeBytes, Tokens: b.EstimatedInputTokensTotal,
	})
	return store.PublishEventEffect(eventing.TopicMetricsDelta, payload)
}

// Upload re-materializes a batch's upload file from only its currently
// pending requests, verifies it is non-empty, and hands it to the
// provider. On failure the local file is removed so a retried upload
// always rebuilds from scratch rather than appending to stale content.
//
// A batch poll_batch_status found expired with no recoverable files also
// enters here (expired/waiting_to_retry). expired has no declared edge
// straight to uploading, so Upload first resets its in-flight requests to
// pending and walks expired -> waiting_to_retry -> uploading
// before doing the ordinary rebuild-and-submit below.
func (a *Actions) Upload(ctx context.Context, batchID int64) error {
	batch, err := a.Store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("get batch %d: %w", batchID, err)
	}
	if batch.State != model.BatchUploading && batch.State != model.BatchExpired && batch.State != model.BatchWaitingToRetry {
		return nil
	}

	// expired and waiting_to_retry both carry requests the provider never
	// reached; resetting them to pending here (rather than at the point
	// the batch entered either state) keeps the reset on the same retried
	// job as the rebuild that depends on it. Zero rows is fine on a re-run.
	if _, err := a.Store.BulkTransitionRequests(ctx, batchID, model.RequestProviderProcessing, model.RequestPending); err != nil {
		return fmt.Errorf("reset in-flight requests for batch %d: %w", batchID, err)
	}

	if batch.State == model.BatchExpired {
		if _, err := a.Store.TransitionBatch(ctx, batchID, model.BatchWaitingToRetry, func(b *model.Batch) ([]store.Effect, error) {
			if b.State != model.BatchExpired {
				return nil, nil
			}
			now := a.Clock.Now()
			return []store.Effect{transitionEvent(model.EntityBatch, b.ID, string(b.State), string(model.BatchWaitingToRetry), now)}, nil
		}); err != nil {
			return fmt.Errorf("transition expired batch %d to waiting_to_retry: %w", batchID, err)
		}
		batch.State = model.BatchWaitingToRetry
	}

	if batch.State == model.BatchWaitingToRetry {
		if _, err := a.Store.TransitionBatch(ctx, batchID, model.BatchUploading, func(b *model.Batch) ([]store.Effect, error) {
			if b.State != model.BatchWaitingToRetry {
				return nil, nil
			}
			now := a.Clock.Now()
			return []store.Effect{transitionEvent(model.EntityBatch, b.ID, string(b.State), string(model.BatchUploading), now)}, nil
		}); err != nil {
			return fmt.Errorf("transition batch %d out of waiting_to_retry: %w", batchID, err)
		}
		batch.State = model.BatchUploading
	}

	if _, err := a.Files.Rebuild(ctx, batchID, a.Store); err != nil {
		return fmt.Errorf("rebuild upload file for batch %d: %w", batchID, err)
	}
	size, err := a.Files.Size(batchID)
	if err != nil {
		return fmt.Errorf("stat upload file for batch %d: %w", batchID, err)
	}
	if size == 0 {
		_ = a.Files.Delete(batchID)
		return fmt.Errorf("batch %d has no pending requests to upload", batchID)
	}

	pr, pw := io.Pipe()
	go func() {
		err := a.Files.StreamLines(batchID, func(line []byte) error {
			_, err := pw.Write(append(line, '\n'))
			return err
		})
		pw.CloseWithError(err)
	}()

	file, err := a.Provider.UploadFile(ctx, fmt.Sprintf("batch_%d.ndjson", batchID), pr)
	if err != nil {
		return fmt.Errorf("upload batch %d file to provider: %w", batchID, err)
	}

	_, err = a.Store.TransitionBatch(ctx, batchID, model.BatchUploaded, func(b *model.Batch) ([]store.Effect, error) {
		if b.State != model.BatchUploading {
			return nil, nil
		}
		fileID := file.ID
		b.ProviderInputFileID = &fileID
		now := a.Clock.Now()
		return []store.Effect{
			transitionEvent(model.EntityBatch, b.ID, string(b.State), string(model.BatchUploaded), now),
			store.EnqueueJobEffect(model.JobCreateProviderBatch, b.ID, nil, time.Time{}),
		}, nil
	})
	if err != nil {
		return fmt.Errorf("transition batch %d to uploaded: %w", batchID, err)
	}
	_ = a.Files.Delete(batchID)
	return nil
}

// CreateProviderBatch submits an uploaded batch's input file for provider
// processing, subject to CapacityControl admission.
func (a *Actions) CreateProviderBatch(ctx context.Context, batchID int64) error {
	batch, err := a.Store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("get batch %d: %w", batchID, err)
	}
	if batch.State != model.BatchUploaded && batch.State != model.BatchWaitingForCapacity {
		return nil
	}

	settings, err := a.Store.Settings().Get(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	decision, err := a.Capacity.Decide(ctx, batch, settings)
	if err != nil {
		return fmt.Errorf("capacity decision for batch %d: %w", batchID, err)
	}

	if !decision.Admit {
		// waiting_for_capacity -> waiting_for_capacity isn't a declared
		// edge: a batch re-evaluated while already waiting (recovery,
		// another drain pass) only needs its wait reason refreshed in
		// place, not a fresh transition.
		if batch.State == model.BatchWaitingForCapacity {
			_, err := a.Store.UpdateBatch(ctx, batchID, func(b *model.Batch) ([]store.Effect, error) {
				if b.State != model.BatchWaitingForCapacity {
					return nil, nil
				}
				reason := decision.Reason
				b.WaitReason = &reason
				return nil, nil
			})
			if err != nil {
				return fmt.Errorf("refresh wait reason for batch %d: %w", batchID, err)
			}
			return nil
		}

		_, err := a.Store.TransitionBatch(ctx, batchID, model.BatchWaitingForCapacity, func(b *model.Batch) ([]store.Effect, error) {
			if b.State != model.BatchUploaded {
				return nil, nil
			}
			now := a.Clock.Now()
			b.WaitingSinceAt = &now
			reason := decision.Reason
			b.WaitReason = &reason
			return []store.Effect{transitionEvent(model.EntityBatch, b.ID, string(b.State), string(model.BatchWaitingForCapacity), now)}, nil
		})
		if err != nil {
			return fmt.Errorf("transition batch %d to waiting_for_capacity: %w", batchID, err)
		}
		return nil
	}

	providerBatch, perr := a.Provider.CreateBatch(ctx, providerclient.CreateBatchRequest{
		InputFileID:      strDeref(batch.ProviderInputFileID),
		Endpoint:         batch.Endpoint,
		CompletionWindow: "24h",
	})
	if perr != nil {
		if apiErr, ok := perr.(*providerclient.APIError); ok && apiErr.IsTokenLimitExceeded() {
			return a.applyTokenLimitBackoff(ctx, batchID, settings, apiErr.Error())
		}
		return fmt.Errorf("create provider batch for %d: %w", batchID, perr)
	}

	_, err = a.Store.TransitionBatch(ctx, batchID, model.BatchProviderProcessing, func(b *model.Batch) ([]store.Effect, error) {
		if b.State != model.BatchUploaded && b.State != model.BatchWaitingForCapacity {
			return nil, nil
		}
		id := providerBatch.ID
		b.ProviderBatchID = &id
		now := a.Clock.Now()
		effects := []store.Effect{
			transitionEvent(model.EntityBatch, b.ID, string(b.State), string(model.BatchProviderProcessing), now),
			store.EnqueueJobEffect(model.JobPollBatchStatus, b.ID, nil, now.Add(pollInterval)),
		}
		return effects, nil
	})
	if err != nil {
		return fmt.Errorf("transition batch %d to provider_processing: %w", batchID, err)
	}
	if _, err := a.Store.BulkTransitionRequests(ctx, batchID, model.RequestPending, model.RequestProviderProcessing); err != nil {
		return fmt.Errorf("bulk-transition requests for batch %d: %w", batchID, err)
	}
	return nil
}

// applyTokenLimitBackoff records a token_limit_exceeded rejection and
// schedules a delayed create_provider_batch retry at the computed backoff
// deadline, so a sole waiting batch for a model actually resumes instead of
// waiting on a drain triggered by some other batch's capacity release.
// waiting_for_capacity -> waiting_for_capacity is not a declared edge, so a
// batch that is already waiting (a second token-limit rejection in a row)
// goes through Store.UpdateBatch instead of TransitionBatch.
func (a *Actions) applyTokenLimitBackoff(ctx context.Context, batchID int64, settings model.Settings, errMsg string) error {
	batch, err := a.Store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("get batch %d: %w", batchID, err)
	}

	mutate := func(b *model.Batch) ([]store.Effect, error) {
		b.TokenLimitRetryAttempts++
		now := a.Clock.Now()
		if b.TokenLimitRetryAttempts > settings.MaxTokenLimitRetries {
			return nil, nil // caller (below) handles the terminal transition separately
		}
		next := capacity.NextTokenLimitBackoff(now, b.TokenLimitRetryAttempts-1, settings)
		b.TokenLimitRetryNextAt = &next
		b.TokenLimitRetryLastErr = &errMsg
		reason := model.WaitTokenLimitBackoff
		b.WaitReason = &reason
		if b.WaitingSinceAt == nil {
			b.WaitingSinceAt = &now
		}
		return []store.Effect{store.EnqueueJobEffect(model.JobCreateProviderBatch, b.ID, nil, next)}, nil
	}

	if batch.State == model.BatchWaitingForCapacity {
		if _, err := a.Store.UpdateBatch(ctx, batchID, mutate); err != nil {
			return fmt.Errorf("apply token-limit backoff to batch %d: %w", batchID, err)
		}
	} else {
		if _, err := a.Store.TransitionBatch(ctx, batchID, model.BatchWaitingForCapacity, func(b *model.Batch) ([]store.Effect, error) {
			if b.State != model.BatchProviderProcessing && b.State != model.BatchUploaded {
				return nil, nil
			}
			effects, err := mutate(b)
			if err != nil {
				return nil, err
			}
			now := a.Clock.Now()
			effects = append(effects, transitionEvent(model.EntityBatch, b.ID, string(b.State), string(model.BatchWaitingForCapacity), now))
			return effects, nil
		}); err != nil {
			return fmt.Errorf("apply token-limit backoff to batch %d: %w", batchID, err)
		}
	}

	batch, err = a.Store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("reread batch %d: %w", batchID, err)
	}
	if batch.TokenLimitRetryAttempts > settings.MaxTokenLimitRetries {
		msg := fmt.Sprintf("token limit retries exhausted after %d attempts: %s", batch.TokenLimitRetryAttempts, errMsg)
		_, err := a.Store.TransitionBatch(ctx, batchID, model.BatchFailed, func(b *model.Batch) ([]store.Effect, error) {
			b.ErrorMsg = &msg
			now := a.Clock.Now()
			return []store.Effect{transitionEvent(model.EntityBatch, b.ID, string(b.State), string(model.BatchFailed), now)}, nil
		})
		if err != nil {
			return fmt.Errorf("fail batch %d after exhausted retries: %w", batchID, err)
		}
		return a.drainCapacity(ctx, batch.Model)
	}
	return nil
}

func strDeref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

const pollInterval = 15 * time.Second
