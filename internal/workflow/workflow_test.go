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
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"

	"github.com/llm-d-incubation/batch-gateway/internal/capacity"
	"github.com/llm-d-incubation/batch-gateway/internal/clock"
	"github.com/llm-d-incubation/batch-gateway/internal/filestore"
	"github.com/llm-d-incubation/batch-gateway/internal/model"
	"github.com/llm-d-incubation/batch-gateway/internal/providerclient"
	"github.com/llm-d-incubation/batch-gateway/internal/statemachine"
	"github.com/llm-d-incubation/batch-gateway/internal/store"
)

type fakeWFStore struct {
	store.Store
	batch    *model.Batch
	settings model.Settings
	reserved int64
	enqueued []model.JobKind
	bulk     []model.RequestState
}

func (f *fakeWFStore) GetBatch(ctx context.Context, id int64) (*model.Batch, error) {
	return f.batch, nil
}

// TransitionBatch mirrors the real postgres store: it checks the declared
// edge against the subject's CURRENT state, runs mutate with that same
// current state still in place, and only then moves State to "to" --
// matching the lock-then-mutate-then-commit ordering the real store uses,
// so a handler's own "am I still in the state I expect" guard inside
// mutate sees what it would in production.
func (f *fakeWFStore) TransitionBatch(ctx context.Context, id int64, to model.BatchState, mutate func(b *model.Batch) ([]store.Effect, error)) (*model.Batch, error) {
	b := *f.batch
	if err := statemachine.Batch.Check(b.State, to); err != nil {
		return nil, err
	}
	effects, err := mutate(&b)
	if err != nil {
		return nil, err
	}
	b.State = to
	for _, e := range effects {
		if e.Kind == store.EffectEnqueueJob {
			f.enqueued = append(f.enqueued, e.JobKind)
		}
	}
	f.batch = &b
	return &b, nil
}

// UpdateBatch mirrors store.Store.UpdateBatch: mutate runs against the
// subject's current field values with no edge check and no state change.
func (f *fakeWFStore) UpdateBatch(ctx context.Context, id int64, mutate func(b *model.Batch) ([]store.Effect, error)) (*model.Batch, error) {
	b := *f.batch
	effects, err := mutate(&b)
	if err != nil {
		return nil, err
	}
	for _, e := range effects {
		if e.Kind == store.EffectEnqueueJob {
			f.enqueued = append(f.enqueued, e.JobKind)
		}
	}
	f.batch = &b
	return &b, nil
}

func (f *fakeWFStore) BulkTransitionRequests(ctx context.Context, batchID int64, from, to model.RequestState) (int64, error) {
	f.bulk = append(f.bulk, to)
	return 1, nil
}

func (f *fakeWFStore) ReservedTokens(ctx context.Context, modelName string, excludeBatchID int64) (int64, error) {
	return f.reserved, nil
}

func (f *fakeWFStore) ListWaitingBatches(ctx context.Context, modelName string) ([]*model.Batch, error) {
	return nil, nil
}

type fakeWFSettingsStore struct {
	store.SettingsStore
	settings model.Settings
}

func (f *fakeWFSettingsStore) Get(ctx context.Context) (model.Settings, error) {
	return f.settings, nil
}

func (f *fakeWFStore) Settings() store.SettingsStore {
	return &fakeWFSettingsStore{settings: f.settings}
}

type fakeWFProvider struct {
	providerclient.ProviderClient
	uploadedFile    *providerclient.FileObject
	uploadErr       error
	createBatch     *providerclient.Batch
	createErr       error
	createBatchArgs providerclient.CreateBatchRequest
}

func (p *fakeWFProvider) UploadFile(ctx context.Context, filename string, r io.Reader) (*providerclient.FileObject, error) {
	_, _ = io.ReadAll(r)
	return p.uploadedFile, p.uploadErr
}

func (p *fakeWFProvider) CreateBatch(ctx context.Context, req providerclient.CreateBatchRequest) (*providerclient.Batch, error) {
	p.createBatchArgs = req
	return p.createBatch, p.createErr
}

type fakeWFFiles struct {
	lines      [][]byte
	sz         int64
	deleted    bool
	rebuildErr error
}

func (f *fakeWFFiles) StreamLines(batchID int64, fn func(line []byte) error) error {
	for _, l := range f.lines {
		if err := fn(l); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeWFFiles) Delete(batchID int64) error {
	f.deleted = true
	return nil
}

func (f *fakeWFFiles) Size(batchID int64) (int64, error) { return f.sz, nil }

func (f *fakeWFFiles) Rebuild(ctx context.Context, batchID int64, lister filestore.RequestLister) (int64, error) {
	return f.sz, f.rebuildErr
}

func newWFActions(fs *fakeWFStore, files *fakeWFFiles, provider *fakeWFProvider) *Actions {
	return New(fs, files, provider, nil, nil, capacity.New(fs, clock.NewFake(time.Now())), clock.NewFake(time.Now()), klog.Background())
}

func TestUpload_NonUploadingStateIsNoop(t *testing.T) {
	fs := &fakeWFStore{batch: &model.Batch{ID: 1, State: model.BatchBuilding}}
	a := newWFActions(fs, &fakeWFFiles{}, &fakeWFProvider{})

	err := a.Upload(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, model.BatchBuilding, fs.batch.State)
}

func TestUpload_EmptyFileIsRefused(t *testing.T) {
	fs := &fakeWFStore{batch: &model.Batch{ID: 2, State: model.BatchUploading}}
	files := &fakeWFFiles{sz: 0}
	a := newWFActions(fs, files, &fakeWFProvider{})

	err := a.Upload(context.Background(), 2)
	require.Error(t, err)
	assert.True(t, files.deleted)
	assert.Equal(t, model.BatchUploading, fs.batch.State)
}

func TestUpload_SuccessTransitionsAndEnqueuesCreate(t *testing.T) {
	fs := &fakeWFStore{batch: &model.Batch{ID: 3, State: model.BatchUploading}}
	files := &fakeWFFiles{sz: 42, lines: [][]byte{[]byte(`{"custom_id":"r1"}`)}}
	provider := &fakeWFProvider{uploadedFile: &providerclient.FileObject{ID: "file-abc"}}
	a := newWFActions(fs, files, provider)

	err := a.Upload(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, model.BatchUploaded, fs.batch.State)
	require.NotNil(t, fs.batch.ProviderInputFileID)
	assert.Equal(t, "file-abc", *fs.batch.ProviderInputFileID)
	assert.Contains(t, fs.enqueued, model.JobCreateProviderBatch)
	assert.True(t, files.deleted)
}

// TestUpload_ResumesFromExpired exercises Upload's expired -> waiting_to_retry
// -> uploading resumption (the path onPollExpired's no-files branch queues):
// in-flight requests reset to pending before the ordinary rebuild-and-submit.
func TestUpload_ResumesFromExpired(t *testing.T) {
	fs := &fakeWFStore{batch: &model.Batch{ID: 8, State: model.BatchExpired}}
	files := &fakeWFFiles{sz: 42, lines: [][]byte{[]byte(`{"custom_id":"r1"}`)}}
	provider := &fakeWFProvider{uploadedFile: &providerclient.FileObject{ID: "file-retry"}}
	a := newWFActions(fs, files, provider)

	err := a.Upload(context.Background(), 8)
	require.NoError(t, err)
	assert.Equal(t, model.BatchUploaded, fs.batch.State)
	assert.Contains(t, fs.bulk, model.RequestPending)
	require.NotNil(t, fs.batch.ProviderInputFileID)
	assert.Equal(t, "file-retry", *fs.batch.ProviderInputFileID)
	assert.Contains(t, fs.enqueued, model.JobCreateProviderBatch)
}

// TestUpload_ResumesFromWaitingToRetry covers both the crash-and-recover
// case (a batch already past the expired->waiting_to_retry hop when
// recovery.go re-enqueues start_upload) and the partial-expiration
// resubmission (finishDownload parks the batch in waiting_to_retry with
// its non-recovered requests still provider_processing): the in-flight
// reset runs again — a no-op for the former, the actual reset for the
// latter — then the batch continues to uploading.
func TestUpload_ResumesFromWaitingToRetry(t *testing.T) {
	fs := &fakeWFStore{batch: &model.Batch{ID: 9, State: model.BatchWaitingToRetry}}
	files := &fakeWFFiles{sz: 42, lines: [][]byte{[]byte(`{"custom_id":"r1"}`)}}
	provider := &fakeWFProvider{uploadedFile: &providerclient.FileObject{ID: "file-retry-2"}}
	a := newWFActions(fs, files, provider)

	err := a.Upload(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, model.BatchUploaded, fs.batch.State)
	assert.Contains(t, fs.bulk, model.RequestPending)
	assert.Contains(t, fs.enqueued, model.JobCreateProviderBatch)
}

func TestCreateProviderBatch_AdmitsAndSubmits(t *testing.T) {
	fs := &fakeWFStore{
		batch:    &model.Batch{ID: 4, State: model.BatchUploaded, Model: "gpt-4", EstimatedInputTokensTotal: 100},
		settings: model.DefaultSettings(),
		reserved: 0,
	}
	provider := &fakeWFProvider{createBatch: &providerclient.Batch{ID: "provbatch-1"}}
	a := newWFActions(fs, &fakeWFFiles{}, provider)

	err := a.CreateProviderBatch(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, model.BatchProviderProcessing, fs.batch.State)
	require.NotNil(t, fs.batch.ProviderBatchID)
	assert.Equal(t, "provbatch-1", *fs.batch.ProviderBatchID)
	assert.Contains(t, fs.bulk, model.RequestProviderProcessing)
	assert.Contains(t, fs.enqueued, model.JobPollBatchStatus)
}

func TestCreateProviderBatch_WaitsWhenOverCap(t *testing.T) {
	settings := model.DefaultSettings()
	settings.DefaultTokenCap = 1000
	fs := &fakeWFStore{
		batch:    &model.Batch{ID: 5, State: model.BatchUploaded, Model: "gpt-4", EstimatedInputTokensTotal: 2000},
		settings: settings,
		reserved: 0,
	}
	a := newWFActions(fs, &fakeWFFiles{}, &fakeWFProvider{})

	err := a.CreateProviderBatch(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, model.BatchWaitingForCapacity, fs.batch.State)
	require.NotNil(t, fs.batch.WaitReason)
	assert.Equal(t, model.WaitInsufficientHeadroom, *fs.batch.WaitReason)
	assert.NotNil(t, fs.batch.WaitingSinceAt)
}

// TestCreateProviderBatch_TokenLimitBackoffThenFailure:
// five consecutive token_limit_exceeded rejections back off with a
// monotonic retry deadline, and the sixth transitions the batch to failed.
func TestCreateProviderBatch_TokenLimitBackoffThenFailure(t *testing.T) {
	settings := model.DefaultSettings()
	fs := &fakeWFStore{
		batch:    &model.Batch{ID: 6, State: model.BatchUploaded, Model: "gpt-4"},
		settings: settings,
	}
	tokenLimitErr := &providerclient.APIError{Code: "token_limit_exceeded", Message: "rate limited"}
	provider := &fakeWFProvider{createErr: tokenLimitErr}
	a := newWFActions(fs, &fakeWFFiles{}, provider)

	var lastNextAt time.Time
	for i := 1; i <= settings.MaxTokenLimitRetries; i++ {
		err := a.CreateProviderBatch(context.Background(), 6)
		require.NoError(t, err)
		assert.Equal(t, model.BatchWaitingForCapacity, fs.batch.State)
		require.NotNil(t, fs.batch.WaitReason)
		assert.Equal(t, model.WaitTokenLimitBackoff, *fs.batch.WaitReason)
		require.NotNil(t, fs.batch.TokenLimitRetryNextAt)
		assert.True(t, fs.batch.TokenLimitRetryNextAt.After(lastNextAt))
		lastNextAt = *fs.batch.TokenLimitRetryNextAt
		assert.Contains(t, fs.enqueued, model.JobCreateProviderBatch)
	}

	// one rejection beyond the retry budget transitions the batch to failed;
	// the batch never left waiting_for_capacity between attempts, exercising
	// both the first transition into it (above) and its self-refresh path
	// (UpdateBatch) on every attempt since.
	err := a.CreateProviderBatch(context.Background(), 6)
	require.NoError(t, err)
	assert.Equal(t, model.BatchFailed, fs.batch.State)
	require.NotNil(t, fs.batch.ErrorMsg)
	assert.Contains(t, *fs.batch.ErrorMsg, "token limit retries exhausted")
}
