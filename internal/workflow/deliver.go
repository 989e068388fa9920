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
	"errors"
	"fmt"
	"net"

	"github.com/llm-d-incubation/batch-gateway/internal/model"
	"github.com/llm-d-incubation/batch-gateway/internal/publisher"
	"github.com/llm-d-incubation/batch-gateway/internal/store"
)

// Deliver pushes one finished request's outcome to its configured sink.
// There is no retry of the dispatch itself (max_attempts=1 at the job
// level); a failed delivery is terminal until an operator redelivers.
func (a *Actions) Deliver(ctx context.Context, requestID int64) error {
	req, err := a.Store.GetRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("get request %d: %w", requestID, err)
	}
	if req.State != model.RequestProviderProcessed && req.State != model.RequestDelivering {
		return nil
	}

	if req.State == model.RequestProviderProcessed {
		if _, err := a.Store.TransitionRequest(ctx, requestID, model.RequestDelivering, func(r *model.Request) ([]store.Effect, error) {
			if r.State != model.RequestProviderProcessed {
				return nil, nil
			}
			return nil, nil
		}); err != nil {
			return fmt.Errorf("transition request %d to delivering: %w", requestID, err)
		}
	}
	if err := a.ensureBatchDelivering(ctx, req.BatchID); err != nil {
		return err
	}

	payload := []byte{}
	if req.ResponsePayload != nil {
		payload = []byte(*req.ResponsePayload)
	}
	outcome, deliverErr := a.dispatch(ctx, req.DeliveryConfig, payload)

	attempt := &model.DeliveryAttempt{
		RequestID:     requestID,
		AttemptNumber: 1,
		Outcome:       outcome,
		At:            a.Clock.Now(),
	}
	if deliverErr != nil {
		msg := deliverErr.Error()
		var statusErr *publisher.HTTPStatusError
		if errors.As(deliverErr, &statusErr) {
			msg = statusErr.Body
		}
		attempt.ErrorMsg = &msg
	}
	if err := a.Store.InsertDeliveryAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("record delivery attempt for request %d: %w", requestID, err)
	}

	to := model.RequestDelivered
	if !outcome.Success() {
		to = model.RequestDeliveryFailed
	}
	if _, err := a.Store.TransitionRequest(ctx, requestID, to, func(r *model.Request) ([]store.Effect, error) {
		if r.State != model.RequestDelivering {
			return nil, nil
		}
		return nil, nil
	}); err != nil {
		return fmt.Errorf("transition request %d to %s: %w", requestID, to, err)
	}

	return a.FinalizeBatchDelivery(ctx, req.BatchID)
}

func (a *Actions) ensureBatchDelivering(ctx context.Context, batchID int64) error {
	batch, err := a.Store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("get batch %d: %w", batchID, err)
	}
	if batch.State != model.BatchReadyToDeliver {
		return nil
	}
	_, err = a.Store.TransitionBatch(ctx, batchID, model.BatchDelivering, func(b *model.Batch) ([]store.Effect, error) {
		if b.State != model.BatchReadyToDeliver {
			return nil, nil
		}
		now := a.Clock.Now()
		return []store.Effect{transitionEvent(model.EntityBatch, b.ID, string(b.State), string(model.BatchDelivering), now)}, nil
	})
	if err != nil {
		return fmt.Errorf("transition batch %d to delivering: %w", batchID, err)
	}
	return nil
}

func (a *Actions) dispatch(ctx context.Context, cfg model.DeliveryConfig, payload []byte) (model.DeliveryOutcome, error) {
	err := a.Publisher.Publish(ctx, cfg, payload)
	if err == nil {
		return model.OutcomeSuccess, nil
	}

	switch cfg.Type {
	case model.DeliveryWebhook:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return model.OutcomeTimeout, err
		}
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			return model.OutcomeConnectionError, err
		}
		return model.OutcomeHTTPStatusNot2xx, err
	case model.DeliveryAMQP:
		var queueErr *publisher.QueueNotFoundError
		if errors.As(err, &queueErr) {
			return model.OutcomeQueueNotFound, err
		}
		var exchangeErr *publisher.ExchangeNotFoundError
		if errors.As(err, &exchangeErr) {
			return model.OutcomeExchangeNotFound, err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return model.OutcomeTimeout, err
		}
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			return model.OutcomeConnectionError, err
		}
		return model.OutcomeOther, err
	default:
		return model.OutcomeOther, err
	}
}

// FinalizeBatchDelivery checks whether every request in a delivering batch
// has reached a terminal state and, if so, rolls the aggregate outcome
// into the batch's own terminal state.
func (a *Actions) FinalizeBatchDelivery(ctx context.Context, batchID int64) error {
	batch, err := a.Store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("get batch %d: %w", batchID, err)
	}
	if batch.State != model.BatchDelivering {
		return nil
	}

	nonTerminal, err := a.Store.ListNonTerminalRequests(ctx, batchID)
	if err != nil {
		return fmt.Errorf("list non-terminal requests for batch %d: %w", batchID, err)
	}
	if len(nonTerminal) > 0 {
		return nil
	}

	counts, err := a.Store.RequestCounts(ctx, batchID)
	if err != nil {
		return fmt.Errorf("request counts for batch %d: %w", batchID, err)
	}

	var to model.BatchState
	switch {
	case counts.Total == 0:
		to = model.BatchDelivered
	case counts.Delivered > 0 && counts.Failed == 0:
		to = model.BatchDelivered
	case counts.Delivered == 0 && counts.Failed > 0:
		to = model.BatchDeliveryFailed
	default:
		to = model.BatchPartiallyDelivered
	}

	_, err = a.Store.TransitionBatch(ctx, batchID, to, func(b *model.Batch) ([]store.Effect, error) {
		if b.State != model.BatchDelivering {
			return nil, nil
		}
		now := a.Clock.Now()
		return []store.Effect{transitionEvent(model.EntityBatch, b.ID, string(b.State), string(to), now)}, nil
	})
	if err != nil {
		return fmt.Errorf("finalize batch %d delivery: %w", batchID, err)
	}
	return nil
}

// Redeliver restarts delivery for every delivery_failed request of a
// partially_delivered or delivery_failed batch. It is the only way those
// states transition forward, and it is always operator-triggered.
func (a *Actions) Redeliver(ctx context.Context, batchID int64) error {
	batch, err := a.Store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("get batch %d: %w", batchID, err)
	}
	if batch.State != model.BatchPartiallyDelivered && batch.State != model.BatchDeliveryFailed {
		return model.NewError(model.ReasonInvalid, "redeliver is only valid from partially_delivered or delivery_failed")
	}

	_, err = a.Store.TransitionBatch(ctx, batchID, model.BatchDelivering, func(b *model.Batch) ([]store.Effect, error) {
		now := a.Clock.Now()
		return []store.Effect{transitionEvent(model.EntityBatch, b.ID, string(b.State), string(model.BatchDelivering), now)}, nil
	})
	if err != nil {
		return fmt.Errorf("transition batch %d to delivering for redeliver: %w", batchID, err)
	}

	n, err := a.Store.BulkTransitionRequests(ctx, batchID, model.RequestDeliveryFailed, model.RequestDelivering)
	if err != nil {
		return fmt.Errorf("bulk-transition delivery_failed requests for batch %d: %w", batchID, err)
	}
	if n == 0 {
		return nil
	}

	requests, err := a.Store.ListNonTerminalRequests(ctx, batchID)
	if err != nil {
		return fmt.Errorf("list non-terminal requests for batch %d: %w", batchID, err)
	}
	for _, r := range requests {
		if r.State != model.RequestDelivering {
			continue
		}
		if err := a.Queue.Enqueue(ctx, model.JobDeliver, r.ID, nil, a.Clock.Now()); err != nil {
			return fmt.Errorf("enqueue redeliver for request %d: %w", r.ID, err)
		}
	}
	return nil
}
