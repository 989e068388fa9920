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

package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d-incubation/batch-gateway/internal/model"
	"github.com/llm-d-incubation/batch-gateway/internal/store"
)

type enqueued struct {
	kind      model.JobKind
	subjectID int64
}

type fakeRecoveryStore struct {
	store.Store
	batches []*model.Batch
	reqs    map[int64][]*model.Request
}

func (f *fakeRecoveryStore) ListNonTerminalBatches(ctx context.Context) ([]*model.Batch, error) {
	return f.batches, nil
}

func (f *fakeRecoveryStore) ListNonTerminalRequests(ctx context.Context, batchID int64) ([]*model.Request, error) {
	return f.reqs[batchID], nil
}

type fakeRecoveryQueue struct {
	enqueued []enqueued
}

func (q *fakeRecoveryQueue) Enqueue(ctx context.Context, kind model.JobKind, subjectID int64, args []byte, runAt time.Time) error {
	q.enqueued = append(q.enqueued, enqueued{kind: kind, subjectID: subjectID})
	return nil
}

func (q *fakeRecoveryQueue) Lease(ctx context.Context, kind model.JobKind, owner string, n int, ttl time.Duration) ([]*model.Job, error) {
	return nil, nil
}
func (q *fakeRecoveryQueue) Heartbeat(ctx context.Context, jobID int64, owner string, ttl time.Duration) error {
	return nil
}
func (q *fakeRecoveryQueue) Complete(ctx context.Context, jobID int64, owner string) error { return nil }
func (q *fakeRecoveryQueue) Fail(ctx context.Context, jobID int64, owner string, cause error, backoff func(int) time.Duration) error {
	return nil
}
func (q *fakeRecoveryQueue) ReclaimExpired(ctx context.Context) (int64, error) { return 0, nil }

func kindsFor(enq []enqueued, subjectID int64) []model.JobKind {
	var kinds []model.JobKind
	for _, e := range enq {
		if e.subjectID == subjectID {
			kinds = append(kinds, e.kind)
		}
	}
	return kinds
}

func TestRun_ResumesEveryNonTerminalState(t *testing.T) {
	fs := &fakeRecoveryStore{
		batches: []*model.Batch{
			{ID: 1, State: model.BatchBuilding},
			{ID: 2, State: model.BatchUploading},
			{ID: 3, State: model.BatchWaitingForCapacity},
			{ID: 4, State: model.BatchProviderProcessing},
			{ID: 5, State: model.BatchDownloading},
			{ID: 6, State: model.BatchDelivering},
		},
		reqs: map[int64][]*model.Request{
			6: {{ID: 60, State: model.RequestDelivering}, {ID: 61, State: model.RequestProviderProcessed}},
		},
	}
	q := &fakeRecoveryQueue{}
	r := New(fs, q)

	require.NoError(t, r.Run(context.Background()))

	assert.Empty(t, kindsFor(q.enqueued, 1), "building batches are left for BatchBuilder, not re-enqueued")
	assert.Equal(t, []model.JobKind{model.JobUpload}, kindsFor(q.enqueued, 2))
	assert.Equal(t, []model.JobKind{model.JobCreateProviderBatch}, kindsFor(q.enqueued, 3))
	assert.Equal(t, []model.JobKind{model.JobPollBatchStatus}, kindsFor(q.enqueued, 4))
	assert.Equal(t, []model.JobKind{model.JobDownloadAndParse}, kindsFor(q.enqueued, 5))
	assert.Equal(t, []model.JobKind{model.JobCheckDeliveryDone}, kindsFor(q.enqueued, 6))

	var deliverSubjects []int64
	for _, e := range q.enqueued {
		if e.kind == model.JobDeliver {
			deliverSubjects = append(deliverSubjects, e.subjectID)
		}
	}
	assert.ElementsMatch(t, []int64{60, 61}, deliverSubjects)
}

func TestRun_TerminalBatchesAreIgnored(t *testing.T) {
	fs := &fakeRecoveryStore{batches: []*model.Batch{
		{ID: 1, State: model.BatchDelivered},
		{ID: 2, State: model.BatchFailed},
		{ID: 3, State: model.BatchCancelled},
		{ID: 4, State: model.BatchPartiallyDelivered},
		{ID: 5, State: model.BatchDeliveryFailed},
	}}
	q := &fakeRecoveryQueue{}
	r := New(fs, q)

	require.NoError(t, r.Run(context.Background()))
	assert.Empty(t, q.enqueued)
}
