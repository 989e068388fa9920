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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/llm-d-incubation/batch-gateway/internal/model"
	"github.com/llm-d-incubation/batch-gateway/internal/store"
	"github.com/llm-d-incubation/batch-gateway/internal/util/logging"
)

const (
	downloadChunkSize = 100
	applyConcurrency  = 8
)

// resultLine is the shape common to both the output and error NDJSON files
// the provider produces for a completed batch.
type resultLine struct {
	CustomID string          `json:"custom_id"`
	Error    json.RawMessage `json:"error"`
	Response *struct {
		StatusCode int             `json:"status_code"`
		Body       json.RawMessage `json:"body"`
	} `json:"response"`
}

type classifiedLine struct {
	customID string
	raw      []byte
	failed   bool
}

// DownloadAndParse streams the provider's output and error files in
// bounded NDJSON chunks, classifies each row, and applies the outcome to
// its matching Request. Once both files are consumed the batch moves to
// ready_to_deliver — or, when requests remain in provider_processing after
// a partial expiration left them out of both files, back into the
// resubmission loop; or straight to a terminal state if nothing survived
// to be delivered.
func (a *Actions) DownloadAndParse(ctx context.Context, batchID int64) error {
	batch, err := a.Store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("get batch %d: %w", batchID, err)
	}
	state := batch.State
	if state != model.BatchProviderCompleted && state != model.BatchDownloading && state != model.BatchDownloaded {
		return nil
	}

	if state == model.BatchProviderCompleted {
		if _, err := a.Store.TransitionBatch(ctx, batchID, model.BatchDownloading, func(b *model.Batch) ([]store.Effect, error) {
			if b.State != model.BatchProviderCompleted {
				return nil, nil
			}
			now := a.Clock.Now()
			return []store.Effect{transitionEvent(model.EntityBatch, b.ID, string(b.State), string(model.BatchDownloading), now)}, nil
		}); err != nil {
			return fmt.Errorf("transition batch %d to downloading: %w", batchID, err)
		}
		state = model.BatchDownloading
	}

	// a batch already in downloaded crashed between parsing and
	// finishDownload; its requests are classified, only the tail is left.
	if state == model.BatchDownloading {
		if batch.ProviderErrorFileID != nil {
			if err := a.downloadAndApply(ctx, batchID, *batch.ProviderErrorFileID, true); err != nil {
				return fmt.Errorf("process error file for batch %d: %w", batchID, err)
			}
		}
		if batch.ProviderOutputFileID != nil {
			if err := a.downloadAndApply(ctx, batchID, *batch.ProviderOutputFileID, false); err != nil {
				return fmt.Errorf("process output file for batch %d: %w", batchID, err)
			}
		}

		if _, err := a.Store.TransitionBatch(ctx, batchID, model.BatchDownloaded, func(b *model.Batch) ([]store.Effect, error) {
			if b.State != model.BatchDownloading {
				return nil, nil
			}
			now := a.Clock.Now()
			return []store.Effect{transitionEvent(model.EntityBatch, b.ID, string(b.State), string(model.BatchDownloaded), now)}, nil
		}); err != nil {
			return fmt.Errorf("transition batch %d to downloaded: %w", batchID, err)
		}
	}

	return a.finishDownload(ctx, batchID)
}

func (a *Actions) downloadAndApply(ctx context.Context, batchID int64, fileID string, fromErrorFile bool) error {
	rc, err := a.Provider.DownloadFile(ctx, fileID)
	if err != nil {
		return fmt.Errorf("download file %s: %w", fileID, err)
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)

	var chunk []classifiedLine
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		if err := a.applyChunk(ctx, batchID, chunk); err != nil {
			return err
		}
		chunk = chunk[:0]
		return nil
	}

	for scanner.Scan() {
		line := append([]byte{}, scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}
		cl, ok := classifyLine(line, fromErrorFile)
		if !ok {
			a.Logger.V(logging.DEBUG).Info("download_and_parse: line missing custom_id, skipping", "batch_id", batchID, "from_error_file", fromErrorFile)
			continue
		}
		chunk = append(chunk, cl)
		if len(chunk) >= downloadChunkSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan file %s: %w", fileID, err)
	}
	return flush()
}

func classifyLine(line []byte, fromErrorFile bool) (classifiedLine, bool) {
	var rl resultLine
	if err := json.Unmarshal(line, &rl); err != nil {
		return classifiedLine{}, false
	}
	if rl.CustomID == "" {
		return classifiedLine{}, false
	}

	failed := fromErrorFile
	if !failed && len(rl.Error) > 0 && string(rl.Error) != "null" {
		failed = true
	}
	if !failed && rl.Response != nil {
		if rl.Response.StatusCode != 0 && rl.Response.StatusCode != 200 {
			failed = true
		}
		if len(rl.Response.Body) > 0 {
			var body struct {
				Error json.RawMessage `json:"error"`
			}
			if err := json.Unmarshal(rl.Response.Body, &body); err == nil && len(body.Error) > 0 && string(body.Error) != "null" {
				failed = true
			}
		}
	}
	return classifiedLine{customID: rl.CustomID, raw: line, failed: failed}, true
}

// applyChunk fetches the chunk's matching Request rows in one query and
// applies each classified outcome, skipping requests already terminal.
func (a *Actions) applyChunk(ctx context.Context, batchID int64, chunk []classifiedLine) error {
	ids := make([]string, 0, len(chunk))
	byCustomID := make(map[string]classifiedLine, len(chunk))
	for _, cl := range chunk {
		ids = append(ids, cl.customID)
		byCustomID[cl.customID] = cl
	}

	requests, err := a.Store.ListRequestsByCustomIDs(ctx, batchID, ids)
	if err != nil {
		return fmt.Errorf("list requests by custom_id for batch %d: %w", batchID, err)
	}

	var g errgroup.Group
	g.SetLimit(applyConcurrency)
	for _, req := range requests {
		if req.State.Terminal() {
			continue
		}
		cl, ok := byCustomID[req.CustomID]
		if !ok {
			continue
		}
		payload := string(cl.raw)
		to := model.RequestProviderProcessed
		if cl.failed {
			to = model.RequestFailed
		}
		reqID := req.ID
		failed := cl.failed
		g.Go(func() error {
			_, err := a.Store.TransitionRequest(ctx, reqID, to, func(r *model.Request) ([]store.Effect, error) {
				if r.State.Terminal() {
					return nil, nil
				}
				if failed {
					r.ErrorMsg = &payload
				} else {
					r.ResponsePayload = &payload
				}
				return nil, nil
			})
			if err != nil {
				return fmt.Errorf("apply outcome to request %d: %w", reqID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// finishDownload routes a downloaded batch onward. Requests still in
// provider_processing after both files were consumed mean the provider
// expired the batch before reaching them: the recovered results get their
// deliver jobs and the batch re-enters the upload loop for the remainder
// (downloaded -> waiting_to_retry; Upload resets the leftovers to pending
// and rebuilds the file from them alone). Otherwise the batch moves to
// ready_to_deliver with one deliver job per successful request, or
// straight to a terminal state when nothing survived to be delivered.
func (a *Actions) finishDownload(ctx context.Context, batchID int64) error {
	nonTerminal, err := a.Store.ListNonTerminalRequests(ctx, batchID)
	if err != nil {
		return fmt.Errorf("list non-terminal requests for batch %d: %w", batchID, err)
	}
	var deliverable, leftover []*model.Request
	for _, r := range nonTerminal {
		switch r.State {
		case model.RequestProviderProcessed:
			deliverable = append(deliverable, r)
		case model.RequestProviderProcessing:
			leftover = append(leftover, r)
		}
	}

	if len(leftover) > 0 {
		_, err := a.Store.TransitionBatch(ctx, batchID, model.BatchWaitingToRetry, func(b *model.Batch) ([]store.Effect, error) {
			if b.State != model.BatchDownloaded {
				return nil, nil
			}
			now := a.Clock.Now()
			effects := []store.Effect{
				transitionEvent(model.EntityBatch, b.ID, string(b.State), string(model.BatchWaitingToRetry), now),
				store.EnqueueJobEffect(model.JobUpload, b.ID, nil, time.Time{}),
			}
			for _, r := range deliverable {
				effects = append(effects, store.EnqueueJobEffect(model.JobDeliver, r.ID, nil, time.Time{}))
			}
			return effects, nil
		})
		if err != nil {
			return fmt.Errorf("requeue partially-expired batch %d for resubmission: %w", batchID, err)
		}
		return nil
	}

	counts, err := a.Store.RequestCounts(ctx, batchID)
	if err != nil {
		return fmt.Errorf("request counts for batch %d: %w", batchID, err)
	}

	_, err = a.Store.TransitionBatch(ctx, batchID, model.BatchReadyToDeliver, func(b *model.Batch) ([]store.Effect, error) {
		if b.State != model.BatchDownloaded {
			return nil, nil
		}
		now := a.Clock.Now()
		effects := []store.Effect{transitionEvent(model.EntityBatch, b.ID, string(b.State), string(model.BatchReadyToDeliver), now)}
		for _, r := range deliverable {
			effects = append(effects, store.EnqueueJobEffect(model.JobDeliver, r.ID, nil, time.Time{}))
		}
		return effects, nil
	})
	if err != nil {
		return fmt.Errorf("transition batch %d to ready_to_deliver: %w", batchID, err)
	}

	if len(deliverable) == 0 {
		// ready_to_deliver with zero or all-terminal requests skips
		// straight to a terminal batch state;
		// both edges out of ready_to_deliver are declared. An empty batch
		// counts as delivered.
		to := model.BatchFailed
		if counts.Total == 0 || counts.Delivered > 0 {
			to = model.BatchDelivered
		}
		_, err := a.Store.TransitionBatch(ctx, batchID, to, func(b *model.Batch) ([]store.Effect, error) {
			if b.State != model.BatchReadyToDeliver {
				return nil, nil
			}
			now := a.Clock.Now()
			return []store.Effect{transitionEvent(model.EntityBatch, b.ID, string(b.State), string(to), now)}, nil
		})
		if err != nil {
			return fmt.Errorf("finalize empty-delivery batch %d: %w", batchID, err)
		}
	}
	return nil
}
