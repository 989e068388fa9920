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

// The file declares the Store contract: transactional
// persistence for batches, requests, delivery attempts, transitions and
// settings, with typed queries and atomic state transitions.
//
// Every mutation is transactional. State transitions go through
// TransitionBatch/TransitionRequest, which re-check the declared edge
// (internal/statemachine), write the Transition audit row, and commit any
// Effects in the same transaction — jobs are inserted straight into the
// jobs table (the queue itself is the durable, first-class artifact the
// old framework's "after_commit hook" is replaced with); events are
// appended to outbox_events for internal/eventing's pump to drain
// fire-and-forget, so a slow subscriber can never block a commit.
package store

import (
	"context"
	"time"

	"github.com/llm-d-incubation/batch-gateway/internal/model"
)

// EffectKind discriminates the two things a transition handler can ask to
// happen after its state change commits.
type EffectKind string

const (
	EffectEnqueueJob   EffectKind = "enqueue_job"
	EffectPublishEvent EffectKind = "publish_event"
)

// Effect is a side-effect requested by a transition handler, committed in
// the same transaction as the state change that produced it.
type Effect struct {
	Kind EffectKind

	// EffectEnqueueJob fields
	JobKind   model.JobKind
	SubjectID int64
	JobArgs   []byte
	RunAt     time.Time // zero value means "now"

	// EffectPublishEvent fields
	Topic   string
	Payload []byte
}

func EnqueueJobEffect(kind model.JobKind, subjectID int64, args []byte, runAt time.Time) Effect {
	return Effect{Kind: EffectEnqueueJob, JobKind: kind, SubjectID: subjectID, JobArgs: args, RunAt: runAt}
}

func PublishEventEffect(topic string, payload []byte) Effect {
	return Effect{Kind: EffectPublishEvent, Topic: topic, Payload: payload}
}

// RequestCounts is a terminal/non-terminal breakdown used by finalize and
// recovery logic.
type RequestCounts struct {
	Total     int64
	Delivered int64
	Failed    int64 // failed or delivery_failed
	Pending   int64 // any non-terminal state
}

// Store is the full persistence contract. Implementations must serialize
// concurrent admission/building-batch selection with row locks
// (`SELECT ... FOR UPDATE`).
type Store interface {
	// EnqueueRequest atomically assigns a request to the unique building
	// batch for (model, endpoint), creating one if none exists, retrying
	// once with a fresh batch on a size/count race.
	EnqueueRequest(ctx context.Context, payload model.IngressPayload) (*model.Request, *model.Batch, error)

	GetBatch(ctx context.Context, id int64) (*model.Batch, error)
	GetRequest(ctx context.Context, id int64) (*model.Request, error)
	GetRequestByCustomID(ctx context.Context, customID string) (*model.Request, error)

	// TransitionBatch re-reads the batch under a row lock, checks the
	// declared edge, applies mutate (which may set provider ids, usage,
	// error_msg, etc.), writes the Transition row, commits any effects,
	// and returns the updated batch. mutate receiving the already-locked
	// row lets callers implement the "no-op if no longer in the expected
	// source state" convention by checking b.State before returning effects.
	TransitionBatch(ctx context.Context, id int64, to model.BatchState, mutate func(b *model.Batch) ([]Effect, error)) (*model.Batch, error)

	// UpdateBatch re-reads the batch under a row lock and applies mutate
	// without checking or changing its state -- for in-place field updates
	// (poll progress counters, a refreshed wait reason) that are an update
	// rather than a transition, and that the
	// declared edge graph never needs to know about.
	UpdateBatch(ctx context.Context, id int64, mutate func(b *model.Batch) ([]Effect, error)) (*model.Batch, error)

	TransitionRequest(ctx context.Context, id int64, to model.RequestState, mutate func(r *model.Request) ([]Effect, error)) (*model.Request, error)

	// BulkTransitionRequests moves every request of a batch currently in
	// `from` to `to` (pending -> provider_processing after admission;
	// the partial-expiration reset back to pending).
	BulkTransitionRequests(ctx context.Context, batchID int64, from, to model.RequestState) (int64, error)

	ListRequestsByCustomIDs(ctx context.Context, batchID int64, customIDs []string) ([]*model.Request, error)
	ListPendingRequests(ctx context.Context, batchID int64) ([]*model.Request, error)
	ListNonTerminalRequests(ctx context.Context, batchID int64) ([]*model.Request, error)
	RequestCounts(ctx context.Context, batchID int64) (RequestCounts, error)

	// ListWaitingBatches returns waiting_for_capacity batches for a model,
	// ordered waiting_since_at ASC, id ASC (strict FIFO).
	ListWaitingBatches(ctx context.Context, model string) ([]*model.Batch, error)

	// ReservedTokens sums estimated_input_tokens_total over the model's
	// reserved-state batches, excluding excludeBatchID.
	ReservedTokens(ctx context.Context, modelName string, excludeBatchID int64) (int64, error)

	ListNonTerminalBatches(ctx context.Context) ([]*model.Batch, error)

	InsertDeliveryAttempt(ctx context.Context, a *model.DeliveryAttempt) error
	DeliveryAttemptsForRequest(ctx context.Context, requestID int64) ([]*model.DeliveryAttempt, error)

	// DeleteExpiredBatch deletes a terminal batch whose ExpiresAt has
	// elapsed, along with its requests/attempts/transitions.
	DeleteExpiredBatch(ctx context.Context, batchID int64) error

	// DeleteEmptyBuildingBatch deletes a building batch with zero requests.
	DeleteEmptyBuildingBatch(ctx context.Context, batchID int64) error

	Settings() SettingsStore
}

// SettingsStore is the audited-mutation surface for runtime settings.
type SettingsStore interface {
	Get(ctx context.Context) (model.Settings, error)
	Update(ctx context.Context, mutate func(s *model.Settings) error) (model.Settings, error)
}
