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
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"

	"github.com/llm-d-incubation/batch-gateway/internal/capacity"
	"github.com/llm-d-incubation/batch-gateway/internal/clock"
	"github.com/llm-d-incubation/batch-gateway/internal/model"
	"github.com/llm-d-incubation/batch-gateway/internal/providerclient"
	"github.com/llm-d-incubation/batch-gateway/internal/statemachine"
	"github.com/llm-d-incubation/batch-gateway/internal/store"
)

func TestClassifyLine_OutputSuccess(t *testing.T) {
	line := []byte(`{"custom_id":"r1","response":{"status_code":200,"body":{}},"error":null}`)
	cl, ok := classifyLine(line, false)
	require.True(t, ok)
	assert.Equal(t, "r1", cl.customID)
	assert.False(t, cl.failed)
}

func TestClassifyLine_OutputNon2xxIsFailed(t *testing.T) {
	line := []byte(`{"custom_id":"r2","response":{"status_code":500,"body":{}},"error":null}`)
	cl, ok := classifyLine(line, false)
	require.True(t, ok)
	assert.True(t, cl.failed)
}

func TestClassifyLine_OutputTopLevelErrorIsFailed(t *testing.T) {
	line := []byte(`{"custom_id":"r3","response":null,"error":{"message":"bad"}}`)
	cl, ok := classifyLine(line, false)
	require.True(t, ok)
	assert.True(t, cl.failed)
}

func TestClassifyLine_BodyErrorIsFailed(t *testing.T) {
	line := []byte(`{"custom_id":"r4","response":{"status_code":200,"body":{"error":{"message":"nope"}}},"error":null}`)
	cl, ok := classifyLine(line, false)
	require.True(t, ok)
	assert.True(t, cl.failed)
}

func TestClassifyLine_ErrorFileAlwaysFailed(t *testing.T) {
	line := []byte(`{"custom_id":"r5","error":{"message":"timeout"}}`)
	cl, ok := classifyLine(line, true)
	require.True(t, ok)
	assert.True(t, cl.failed)
}

func TestClassifyLine_MissingCustomIDSkipped(t *testing.T) {
	line := []byte(`{"response":{"status_code":200}}`)
	_, ok := classifyLine(line, false)
	assert.False(t, ok)
}

// TestClassifyLine_RoundTripPreservesFullLine: the full NDJSON row, not a
// re-derived summary, is what gets stored.
func TestClassifyLine_RoundTripPreservesFullLine(t *testing.T) {
	line := []byte(`{"custom_id":"r6","response":{"status_code":200,"body":{"ok":true}}}`)
	cl, ok := classifyLine(line, false)
	require.True(t, ok)
	assert.Equal(t, line, cl.raw)
}

// fakeDownloadStore extends fakeWFStore with the lookup/transition surface
// DownloadAndParse actually drives: listing requests by custom_id and
// transitioning each into its terminal outcome. applyChunk fans
// TransitionRequest out across goroutines, so the fake's maps are
// mutex-guarded the way the real store's transactions serialize rows.
type fakeDownloadStore struct {
	*fakeWFStore
	mu          sync.Mutex
	requests    map[string]*model.Request
	finalStates map[int64]model.RequestState
	finalErrMsg map[int64]string
	finalResp   map[int64]string
	counts      store.RequestCounts
}

func (f *fakeDownloadStore) ListRequestsByCustomIDs(ctx context.Context, batchID int64, customIDs []string) ([]*model.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Request
	for _, id := range customIDs {
		if r, ok := f.requests[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeDownloadStore) TransitionRequest(ctx context.Context, id int64, to model.RequestState, mutate func(r *model.Request) ([]store.Effect, error)) (*model.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var subject *model.Request
	for _, r := range f.requests {
		if r.ID == id {
			subject = r
			break
		}
	}
	if err := statemachine.Request.Check(subject.State, to); err != nil {
		return nil, err
	}
	r := &model.Request{ID: id, State: subject.State}
	if _, err := mutate(r); err != nil {
		return nil, err
	}
	if f.finalStates == nil {
		f.finalStates = map[int64]model.RequestState{}
	}
	f.finalStates[id] = to
	if r.ErrorMsg != nil {
		if f.finalErrMsg == nil {
			f.finalErrMsg = map[int64]string{}
		}
		f.finalErrMsg[id] = *r.ErrorMsg
	}
	if r.ResponsePayload != nil {
		if f.finalResp == nil {
			f.finalResp = map[int64]string{}
		}
		f.finalResp[id] = *r.ResponsePayload
	}
	subject.State = to
	return r, nil
}

func (f *fakeDownloadStore) RequestCounts(ctx context.Context, batchID int64) (store.RequestCounts, error) {
	return f.counts, nil
}

func (f *fakeDownloadStore) ListNonTerminalRequests(ctx context.Context, batchID int64) ([]*model.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Request
	for _, r := range f.requests {
		if !r.State.Terminal() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type fakeDownloadProvider struct {
	providerclient.ProviderClient
	files map[string]string
}

func (p *fakeDownloadProvider) DownloadFile(ctx context.Context, fileID string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(p.files[fileID])), nil
}

func newDownloadActions(fs *fakeDownloadStore, provider *fakeDownloadProvider) *Actions {
	return New(fs, &fakeWFFiles{}, provider, nil, nil, capacity.New(fs.fakeWFStore, clock.NewFake(time.Now())), clock.NewFake(time.Now()), klog.Background())
}

// TestDownloadAndParse_MixedOutput: r1 succeeds, r2
// has a non-2xx status, r3 carries a top-level error; only r1 ends up
// provider_processed (eligible for delivery), r2/r3 fail with the full
// JSON line preserved as error_msg.
func TestDownloadAndParse_MixedOutput(t *testing.T) {
	outputFile := strings.Join([]string{
		`{"custom_id":"r1","response":{"status_code":200,"body":{"ok":true}}}`,
		`{"custom_id":"r2","response":{"status_code":500,"body":{}}}`,
		`{"custom_id":"r3","response":null,"error":{"message":"bad"}}`,
	}, "\n")

	fileID := "file-out"
	r1, r2, r3 := &model.Request{ID: 1, CustomID: "r1", State: model.RequestProviderProcessing},
		&model.Request{ID: 2, CustomID: "r2", State: model.RequestProviderProcessing},
		&model.Request{ID: 3, CustomID: "r3", State: model.RequestProviderProcessing}

	fs := &fakeDownloadStore{
		fakeWFStore: &fakeWFStore{batch: &model.Batch{
			ID: 10, State: model.BatchProviderCompleted, ProviderOutputFileID: &fileID,
		}},
		requests: map[string]*model.Request{"r1": r1, "r2": r2, "r3": r3},
		counts:   store.RequestCounts{Total: 3, Delivered: 0, Failed: 2},
	}
	provider := &fakeDownloadProvider{files: map[string]string{fileID: outputFile}}
	a := newDownloadActions(fs, provider)

	err := a.DownloadAndParse(context.Background(), 10)
	require.NoError(t, err)

	assert.Equal(t, model.RequestProviderProcessed, fs.finalStates[1])
	assert.Equal(t, model.RequestFailed, fs.finalStates[2])
	assert.Equal(t, model.RequestFailed, fs.finalStates[3])
	assert.Contains(t, fs.finalErrMsg[2], `"status_code":500`)
	assert.Contains(t, fs.finalErrMsg[3], `"message":"bad"`)
	assert.Contains(t, fs.finalResp[1], `"ok":true`)

	// r1 is the only deliverable request; its deliver job is enqueued in
	// the same commit that lands the batch on ready_to_deliver.
	assert.Equal(t, model.BatchReadyToDeliver, fs.batch.State)
	assert.Contains(t, fs.enqueued, model.JobDeliver)
}

func TestDownloadAndParse_SkipsTerminalRequests(t *testing.T) {
	outputFile := `{"custom_id":"r1","response":{"status_code":200,"body":{}}}`
	fileID := "file-out"
	alreadyDelivered := &model.Request{ID: 1, CustomID: "r1", State: model.RequestDelivered}

	fs := &fakeDownloadStore{
		fakeWFStore: &fakeWFStore{batch: &model.Batch{
			ID: 11, State: model.BatchProviderCompleted, ProviderOutputFileID: &fileID,
		}},
		requests: map[string]*model.Request{"r1": alreadyDelivered},
		counts:   store.RequestCounts{Total: 1, Delivered: 1},
	}
	provider := &fakeDownloadProvider{files: map[string]string{fileID: outputFile}}
	a := newDownloadActions(fs, provider)

	err := a.DownloadAndParse(context.Background(), 11)
	require.NoError(t, err)
	assert.Empty(t, fs.finalStates)
	assert.Equal(t, model.BatchDelivered, fs.batch.State)
}

// TestDownloadAndParse_PartialExpirationResubmitsRemainder:
// the provider expired a batch of five after finishing only
// r1 and r2. The two recovered requests get their deliver jobs; the three
// the output file never mentions stay provider_processing, which routes
// the batch to waiting_to_retry with a start_upload job — Upload then
// resets them to pending and rebuilds the file from them alone.
func TestDownloadAndParse_PartialExpirationResubmitsRemainder(t *testing.T) {
	outputFile := strings.Join([]string{
		`{"custom_id":"r1","response":{"status_code":200,"body":{"ok":1}}}`,
		`{"custom_id":"r2","response":{"status_code":200,"body":{"ok":2}}}`,
	}, "\n")
	fileID := "file-partial"

	requests := map[string]*model.Request{}
	for i := 1; i <= 5; i++ {
		customID := fmt.Sprintf("r%d", i)
		requests[customID] = &model.Request{ID: int64(i), CustomID: customID, State: model.RequestProviderProcessing}
	}

	fs := &fakeDownloadStore{
		fakeWFStore: &fakeWFStore{batch: &model.Batch{
			ID: 12, State: model.BatchDownloading, ProviderOutputFileID: &fileID,
		}},
		requests: requests,
		counts:   store.RequestCounts{Total: 5},
	}
	provider := &fakeDownloadProvider{files: map[string]string{fileID: outputFile}}
	a := newDownloadActions(fs, provider)

	err := a.DownloadAndParse(context.Background(), 12)
	require.NoError(t, err)

	assert.Equal(t, model.RequestProviderProcessed, fs.finalStates[1])
	assert.Equal(t, model.RequestProviderProcessed, fs.finalStates[2])
	assert.Equal(t, model.RequestProviderProcessing, requests["r3"].State)
	assert.Equal(t, model.RequestProviderProcessing, requests["r4"].State)
	assert.Equal(t, model.RequestProviderProcessing, requests["r5"].State)

	assert.Equal(t, model.BatchWaitingToRetry, fs.batch.State)
	assert.Contains(t, fs.enqueued, model.JobUpload)
	deliverJobs := 0
	for _, k := range fs.enqueued {
		if k == model.JobDeliver {
			deliverJobs++
		}
	}
	assert.Equal(t, 2, deliverJobs)
}
