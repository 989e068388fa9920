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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"

	"github.com/llm-d-incubation/batch-gateway/internal/capacity"
	"github.com/llm-d-incubation/batch-gateway/internal/clock"
	"github.com/llm-d-incubation/batch-gateway/internal/jobqueue"
	"github.com/llm-d-incubation/batch-gateway/internal/model"
	"github.com/llm-d-incubation/batch-gateway/internal/publisher"
	"github.com/llm-d-incubation/batch-gateway/internal/statemachine"
	"github.com/llm-d-incubation/batch-gateway/internal/store"
)

type fakeDeliverStore struct {
	*fakeWFStore
	requests    map[int64]*model.Request
	attempts    []*model.DeliveryAttempt
	nonTerminal []*model.Request
	counts      store.RequestCounts
}

func (f *fakeDeliverStore) GetRequest(ctx context.Context, id int64) (*model.Request, error) {
	return f.requests[id], nil
}

func (f *fakeDeliverStore) TransitionRequest(ctx context.Context, id int64, to model.RequestState, mutate func(r *model.Request) ([]store.Effect, error)) (*model.Request, error) {
	r := f.requests[id]
	if err := statemachine.Request.Check(r.State, to); err != nil {
		return nil, err
	}
	if _, err := mutate(r); err != nil {
		return nil, err
	}
	r.State = to
	return r, nil
}

func (f *fakeDeliverStore) BulkTransitionRequests(ctx context.Context, batchID int64, from, to model.RequestState) (int64, error) {
	var n int64
	for _, r := range f.requests {
		if r.State == from {
			r.State = to
			n++
		}
	}
	return n, nil
}

func (f *fakeDeliverStore) InsertDeliveryAttempt(ctx context.Context, a *model.DeliveryAttempt) error {
	f.attempts = append(f.attempts, a)
	return nil
}

func (f *fakeDeliverStore) ListNonTerminalRequests(ctx context.Context, batchID int64) ([]*model.Request, error) {
	return f.nonTerminal, nil
}

func (f *fakeDeliverStore) RequestCounts(ctx context.Context, batchID int64) (store.RequestCounts, error) {
	return f.counts, nil
}

type fakePublisher struct {
	err error
}

func (p *fakePublisher) Publish(ctx context.Context, cfg model.DeliveryConfig, payload []byte) error {
	return p.err
}

type fakeQueue struct {
	jobqueue.Queue
	enqueued []model.JobKind
}

func (q *fakeQueue) Enqueue(ctx context.Context, kind model.JobKind, subjectID int64, args []byte, runAt time.Time) error {
	q.enqueued = append(q.enqueued, kind)
	return nil
}

func newDeliverActions(fs *fakeDeliverStore, pub *fakePublisher, q *fakeQueue) *Actions {
	return New(fs, &fakeWFFiles{}, nil, pub, q, capacity.New(fs.fakeWFStore, clock.NewFake(time.Now())), clock.NewFake(time.Now()), klog.Background())
}

func TestDeliver_WebhookSuccess(t *testing.T) {
	payload := `{"ok":true}`
	req := &model.Request{ID: 1, BatchID: 100, State: model.RequestProviderProcessed, DeliveryConfig: model.DeliveryConfig{Type: model.DeliveryWebhook, WebhookURL: "https://example.test/hook"}, ResponsePayload: &payload}
	fs := &fakeDeliverStore{
		fakeWFStore: &fakeWFStore{batch: &model.Batch{ID: 100, State: model.BatchReadyToDeliver}},
		requests:    map[int64]*model.Request{1: req},
	}
	a := newDeliverActions(fs, &fakePublisher{}, &fakeQueue{})

	err := a.Deliver(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, model.RequestDelivered, req.State)
	require.Len(t, fs.attempts, 1)
	assert.Equal(t, model.OutcomeSuccess, fs.attempts[0].Outcome)
	assert.Nil(t, fs.attempts[0].ErrorMsg)
}

func TestDeliver_ConnectionErrorMapsOutcome(t *testing.T) {
	payload := `{}`
	req := &model.Request{ID: 2, BatchID: 101, State: model.RequestProviderProcessed, DeliveryConfig: model.DeliveryConfig{Type: model.DeliveryWebhook, WebhookURL: "https://example.test/hook"}, ResponsePayload: &payload}
	fs := &fakeDeliverStore{
		fakeWFStore: &fakeWFStore{batch: &model.Batch{ID: 101, State: model.BatchReadyToDeliver}},
		requests:    map[int64]*model.Request{2: req},
	}
	wrapped := fmt.Errorf("webhook delivery to %s: %w", "https://example.test/hook", &net.OpError{Op: "dial", Err: errors.New("connection refused")})
	a := newDeliverActions(fs, &fakePublisher{err: wrapped}, &fakeQueue{})

	err := a.Deliver(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, model.RequestDeliveryFailed, req.State)
	require.Len(t, fs.attempts, 1)
	assert.Equal(t, model.OutcomeConnectionError, fs.attempts[0].Outcome)
}

func TestDeliver_HTTPStatusFailureRecordsBodyAsErrorMsg(t *testing.T) {
	payload := `{}`
	req := &model.Request{ID: 3, BatchID: 102, State: model.RequestProviderProcessed, DeliveryConfig: model.DeliveryConfig{Type: model.DeliveryWebhook, WebhookURL: "https://example.test/hook"}, ResponsePayload: &payload}
	fs := &fakeDeliverStore{
		fakeWFStore: &fakeWFStore{batch: &model.Batch{ID: 102, State: model.BatchReadyToDeliver}},
		requests:    map[int64]*model.Request{3: req},
	}
	statusErr := &publisher.HTTPStatusError{URL: "https://example.test/hook", StatusCode: 500, Body: `{"error":"boom"}`}
	a := newDeliverActions(fs, &fakePublisher{err: statusErr}, &fakeQueue{})

	err := a.Deliver(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, model.RequestDeliveryFailed, req.State)
	require.Len(t, fs.attempts, 1)
	assert.Equal(t, model.OutcomeHTTPStatusNot2xx, fs.attempts[0].Outcome)
	require.NotNil(t, fs.attempts[0].ErrorMsg)
	assert.Equal(t, `{"error":"boom"}`, *fs.attempts[0].ErrorMsg)
}

func TestDeliver_AMQPQueueNotFoundMapsOutcome(t *testing.T) {
	payload := `{}`
	req := &model.Request{ID: 5, BatchID: 104, State: model.RequestProviderProcessed, DeliveryConfig: model.DeliveryConfig{Type: model.DeliveryAMQP, RabbitMQQueue: "results"}, ResponsePayload: &payload}
	fs := &fakeDeliverStore{
		fakeWFStore: &fakeWFStore{batch: &model.Batch{ID: 104, State: model.BatchReadyToDeliver}},
		requests:    map[int64]*model.Request{5: req},
	}
	a := newDeliverActions(fs, &fakePublisher{err: &publisher.QueueNotFoundError{Queue: "results"}}, &fakeQueue{})

	err := a.Deliver(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, model.RequestDeliveryFailed, req.State)
	require.Len(t, fs.attempts, 1)
	assert.Equal(t, model.OutcomeQueueNotFound, fs.attempts[0].Outcome)
}

func TestDeliver_NonDeliverableStateIsNoop(t *testing.T) {
	req := &model.Request{ID: 4, BatchID: 103, State: model.RequestDelivered}
	fs := &fakeDeliverStore{
		fakeWFStore: &fakeWFStore{batch: &model.Batch{ID: 103, State: model.BatchDelivered}},
		requests:    map[int64]*model.Request{4: req},
	}
	a := newDeliverActions(fs, &fakePublisher{}, &fakeQueue{})

	err := a.Deliver(context.Background(), 4)
	require.NoError(t, err)
	assert.Empty(t, fs.attempts)
}

// TestFinalizeBatchDelivery_ThreeWaySplit exercises the
// delivered/partially_delivered/delivery_failed split.
func TestFinalizeBatchDelivery_ThreeWaySplit(t *testing.T) {
	cases := []struct {
		name     string
		counts   store.RequestCounts
		expected model.BatchState
	}{
		{"all delivered", store.RequestCounts{Total: 3, Delivered: 3}, model.BatchDelivered},
		{"all failed", store.RequestCounts{Total: 2, Delivered: 0, Failed: 2}, model.BatchDeliveryFailed},
		{"mixed", store.RequestCounts{Total: 3, Delivered: 2, Failed: 1}, model.BatchPartiallyDelivered},
		{"empty batch", store.RequestCounts{Total: 0}, model.BatchDelivered},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			fs := &fakeDeliverStore{
				fakeWFStore: &fakeWFStore{batch: &model.Batch{ID: 200, State: model.BatchDelivering}},
				requests:    map[int64]*model.Request{},
				counts:      c.counts,
			}
			a := newDeliverActions(fs, &fakePublisher{}, &fakeQueue{})

			err := a.FinalizeBatchDelivery(context.Background(), 200)
			require.NoError(t, err)
			assert.Equal(t, c.expected, fs.batch.State)
		})
	}
}

func TestFinalizeBatchDelivery_NonDeliveringIsNoop(t *testing.T) {
	fs := &fakeDeliverStore{fakeWFStore: &fakeWFStore{batch: &model.Batch{ID: 201, State: model.BatchReadyToDeliver}}}
	a := newDeliverActions(fs, &fakePublisher{}, &fakeQueue{})

	err := a.FinalizeBatchDelivery(context.Background(), 201)
	require.NoError(t, err)
	assert.Equal(t, model.BatchReadyToDeliver, fs.batch.State)
}

func TestFinalizeBatchDelivery_WaitsForRemainingNonTerminal(t *testing.T) {
	fs := &fakeDeliverStore{
		fakeWFStore: &fakeWFStore{batch: &model.Batch{ID: 202, State: model.BatchDelivering}},
		nonTerminal: []*model.Request{{ID: 1, State: model.RequestDelivering}},
	}
	a := newDeliverActions(fs, &fakePublisher{}, &fakeQueue{})

	err := a.FinalizeBatchDelivery(context.Background(), 202)
	require.NoError(t, err)
	assert.Equal(t, model.BatchDelivering, fs.batch.State)
}

// TestRedeliver_RestartsFailedRequests: a partially_delivered batch's
// delivery_failed requests return to delivering and get re-enqueued.
func TestRedeliver_RestartsFailedRequests(t *testing.T) {
	r1 := &model.Request{ID: 1, State: model.RequestDelivered}
	r2 := &model.Request{ID: 2, State: model.RequestDeliveryFailed}
	r3 := &model.Request{ID: 3, State: model.RequestDeliveryFailed}
	fs := &fakeDeliverStore{
		fakeWFStore: &fakeWFStore{batch: &model.Batch{ID: 300, State: model.BatchPartiallyDelivered}},
		requests:    map[int64]*model.Request{1: r1, 2: r2, 3: r3},
		nonTerminal: []*model.Request{r2, r3},
	}
	q := &fakeQueue{}
	a := newDeliverActions(fs, &fakePublisher{}, q)

	err := a.Redeliver(context.Background(), 300)
	require.NoError(t, err)
	assert.Equal(t, model.BatchDelivering, fs.batch.State)
	assert.Equal(t, model.RequestDelivering, r2.State)
	assert.Equal(t, model.RequestDelivering, r3.State)
	assert.Equal(t, model.RequestDelivered, r1.State)
	assert.Len(t, q.enqueued, 2)
	for _, k := range q.enqueued {
		assert.Equal(t, model.JobDeliver, k)
	}
}

func TestRedeliver_InvalidFromState(t *testing.T) {
	fs := &fakeDeliverStore{fakeWFStore: &fakeWFStore{batch: &model.Batch{ID: 301, State: model.BatchDelivering}}}
	a := newDeliverActions(fs, &fakePublisher{}, &fakeQueue{})

	err := a.Redeliver(context.Background(), 301)
	require.Error(t, err)
}
