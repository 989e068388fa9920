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

// The file implements per-model token-budget admission, the waiting-queue
// FIFO drain, and token-limit backoff.
package capacity

import (
	"context"
	"fmt"
	"time"

	"github.com/llm-d-incubation/batch-gateway/internal/clock"
	"github.com/llm-d-incubation/batch-gateway/internal/model"
	"github.com/llm-d-incubation/batch-gateway/internal/store"
)

// Decision is the outcome of Decide.
type Decision struct {
	Admit    bool
	Reason   model.WaitReason
	Headroom int64
}

// Control decides provider-submission admission and drives the
// waiting-for-capacity FIFO queue. All reads that feed a decision must be
// taken from inside the same transaction as the subsequent transition —
// Decide itself does not lock rows; callers (BatchBuilder/WorkflowActions)
// invoke it from within Store.TransitionBatch's mutate callback.
type Control struct {
	store store.Store
	clock clock.Clock
}

func New(s store.Store, c clock.Clock) *Control {
	if c == nil {
		c = clock.Real{}
	}
	return &Control{store: s, clock: c}
}

// Decide implements the admission algorithm: reserved tokens for every
// other batch of the same model plus this batch's need must fit the
// model's token cap.
func (c *Control) Decide(ctx context.Context, b *model.Batch, settings model.Settings) (Decision, error) {
	cap := settings.TokenCapForModel(b.Model)

	reservedOther, err := c.store.ReservedTokens(ctx, b.Model, b.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("reserved tokens for model %s: %w", b.Model, err)
	}
	need := b.EstimatedInputTokensTotal

	if reservedOther+need <= cap {
		return Decision{Admit: true}, nil
	}
	headroom := cap - reservedOther
	if headroom < 0 {
		headroom = 0
	}
	return Decision{Admit: false, Reason: model.WaitInsufficientHeadroom, Headroom: headroom}, nil
}

// NextTokenLimitBackoff computes the capped exponential backoff deadline
// for the (attempts+1)-th token_limit_exceeded rejection.
func NextTokenLimitBackoff(now time.Time, attempts int, settings model.Settings) time.Time {
	d := settings.TokenLimitBackoffBase
	for i := 0; i < attempts; i++ {
		d *= 2
		if d > settings.TokenLimitBackoffMax {
			d = settings.TokenLimitBackoffMax
			break
		}
	}
	return now.Add(d)
}

// DrainWaiting walks the model's waiting_for_capacity batches in strict
// FIFO order (waiting_since_at ASC, id ASC) and calls admit for each that
// currently fits, stopping at the first that doesn't — a later, smaller
// batch is never allowed to jump ahead of an earlier one that still can't
// fit. Batches whose token-limit backoff deadline hasn't elapsed are
// skipped rather than stopped at: they are waiting on a timer, not on
// capacity, so holding everything behind them would stall the queue for
// no one's benefit.
func (c *Control) DrainWaiting(ctx context.Context, modelName string, admit func(b *model.Batch) error) error {
	settings, err := c.store.Settings().Get(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	waiting, err := c.store.ListWaitingBatches(ctx, modelName)
	if err != nil {
		return fmt.Errorf("list waiting batches for %s: %w", modelName, err)
	}

	now := c.clock.Now()
	for _, b := range waiting {
		if b.WaitReason != nil && *b.WaitReason == model.WaitTokenLimitBackoff &&
			b.TokenLimitRetryNextAt != nil && b.TokenLimitRetryNextAt.After(now) {
			// still backing off: deferred by time, not capacity, and it
			// self-resumes via the create_provider_batch job scheduled at
			// its retry deadline. Skip it so batches behind it can still
			// use the freed capacity.
			continue
		}
		decision, err := c.Decide(ctx, b, settings)
		if err != nil {
			return err
		}
		if !decision.Admit {
			return nil
		}
		if err := admit(b); err != nil {
			return fmt.Errorf("admit batch %d: %w", b.ID, err)
		}
	}
	return nil
}
