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

// The file implements BatchBuilder: routing newly-enqueued requests into
// the currently-open batch for a (model, endpoint) pair, closing batches on
// size/count/age and scheduling their upload, and reaping stale empty
// building batches. Store.EnqueueRequest owns the transactional
// find-or-create/validate/insert sequence; this package adds the two
// concerns that sit outside a single DB transaction: writing the canonical
// line to the on-disk upload file, and driving the JobQueue.
package batchbuilder

import (
	"context"
	"fmt"
	"time"

	"github.com/llm-d-incubation/batch-gateway/internal/jobqueue"
	"github.com/llm-d-incubation/batch-gateway/internal/model"
	"github.com/llm-d-incubation/batch-gateway/internal/store"
)

// FileAppender is the filestore slice BatchBuilder needs.
type FileAppender interface {
	AppendLine(batchID int64, line []byte) error
}

type Builder struct {
	store store.Store
	files FileAppender
	queue jobqueue.Queue
}

func New(s store.Store, f FileAppender, q jobqueue.Queue) *Builder {
	return &Builder{store: s, files: f, queue: q}
}

// Enqueue assigns payload to the building batch for its (model, endpoint),
// appends its canonical line to the batch's upload file, schedules a
// delayed expire_stale_building_batch job the first time the batch is
// created, and — if the insert pushed the batch past a closing condition —
// transitions the batch building -> uploading and enqueues start_upload in
// the same commit, mirroring ExpireStaleBuilding's own age-based close.
// Store.EnqueueRequest already handles the find-or-create/validate/insert
// sequence transactionally.
func (b *Builder) Enqueue(ctx context.Context, payload model.IngressPayload) (*model.Request, *model.Batch, error) {
	req, batch, err := b.store.EnqueueRequest(ctx, payload)
	if err != nil {
		return nil, nil, err
	}

	if err := b.files.AppendLine(batch.ID, append(append([]byte{}, req.RequestPayloadBytes...), '\n')); err != nil {
		return nil, nil, fmt.Errorf("append request %d to batch %d file: %w", req.ID, batch.ID, err)
	}

	settings, err := b.store.Settings().Get(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load settings: %w", err)
	}

	if batch.RequestCount == 1 {
		runAt := batch.CreatedAt.Add(settings.BuildingBatchMaxAge)
		if err := b.queue.Enqueue(ctx, model.JobExpireStaleBuilding, batch.ID, nil, runAt); err != nil {
			return nil, nil, fmt.Errorf("schedule stale-building reaper for batch %d: %w", batch.ID, err)
		}
	}
	if closingConditionMet(batch, settings) {
		closed, err := b.store.TransitionBatch(ctx, batch.ID, model.BatchUploading, func(bb *model.Batch) ([]store.Effect, error) {
			if bb.State != model.BatchBuilding {
				return nil, nil
			}
			return []store.Effect{store.EnqueueJobEffect(model.JobUpload, bb.ID, nil, time.Time{})}, nil
		})
		if err != nil {
			return nil, nil, fmt.Errorf("close batch %d for upload: %w", batch.ID, err)
		}
		batch = closed
	}

	return req, batch, nil
}

func closingConditionMet(b *model.Batch, s model.Settings) bool {
	if b.RequestCount >= s.MaxRequestsPerBatch {
		return true
	}
	if b.SizeBytes >= s.MaxBatchSizeBytes {
		return true
	}
	return false
}

// ExpireStaleBuilding implements the per-batch expire_stale_building_batches
// job, scheduled by Enqueue at the batch's creation time plus
// Settings.BuildingBatchMaxAge: an empty batch is deleted outright, a
// non-empty one is forced into uploading.
func (b *Builder) ExpireStaleBuilding(ctx context.Context, batchID int64) error {
	batch, err := b.store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("get batch %d: %w", batchID, err)
	}
	if batch.State != model.BatchBuilding {
		return nil // already moved on; no-op
	}
	if batch.RequestCount == 0 {
		return b.store.DeleteEmptyBuildingBatch(ctx, batchID)
	}

	_, err = b.store.TransitionBatch(ctx, batchID, model.BatchUploading, func(bb *model.Batch) ([]store.Effect, error) {
		if bb.State != model.BatchBuilding {
			return nil, nil
		}
		return []store.Effect{store.EnqueueJobEffect(model.JobUpload, bb.ID, nil, time.Time{})}, nil
	})
	if err != nil {
		return fmt.Errorf("force batch %d out of building: %w", batchID, err)
	}
	return nil
}
