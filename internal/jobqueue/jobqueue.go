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

// The file declares the at-least-once durable job queue contract: lease,
// heartbeat, complete, fail-with-backoff, reclaim.
package jobqueue

import (
	"context"
	"time"

	"github.com/llm-d-incubation/batch-gateway/internal/model"
)

// Queue is the durable background-work contract. Implementations must
// make Lease, Complete, Fail and Heartbeat safe to call concurrently from
// many worker goroutines across many processes.
type Queue interface {
	// Enqueue inserts a standalone job not tied to a state transition's
	// committed effects (recovery's resumption jobs, the per-batch
	// expire_stale_building_batch job scheduled on creation). A
	// zero runAt means "now". Singleton kinds are deduplicated the same
	// way store.EffectEnqueueJob is.
	Enqueue(ctx context.Context, kind model.JobKind, subjectID int64, args []byte, runAt time.Time) error

	// Lease atomically claims up to n pending jobs of kind whose run_at has
	// elapsed, stamping them with owner and a lease that expires after ttl.
	// Returns fewer than n if fewer are ready.
	Lease(ctx context.Context, kind model.JobKind, owner string, n int, ttl time.Duration) ([]*model.Job, error)

	// Heartbeat extends a held lease; callers invoke it periodically during
	// a long-running handler so ReclaimExpired doesn't steal the job mid-flight.
	Heartbeat(ctx context.Context, jobID int64, owner string, ttl time.Duration) error

	// Complete marks a leased job succeeded.
	Complete(ctx context.Context, jobID int64, owner string) error

	// Fail records a handler error. If attempts remain, the job is
	// rescheduled at now + backoff(attempts); otherwise it is marked failed
	// terminally.
	Fail(ctx context.Context, jobID int64, owner string, cause error, backoff func(attempts int) time.Duration) error

	// ReclaimExpired resets jobs whose lease has elapsed back to pending so
	// a crashed worker's job is picked up by someone else.
	ReclaimExpired(ctx context.Context) (int64, error)
}

// DefaultBackoff is exponential with a 1-minute base and a 1-hour cap,
// matching the retry posture named for background jobs generally.
func DefaultBackoff(attempts int) time.Duration {
	d := time.Minute
	for i := 1; i < attempts && d < time.Hour; i++ {
		d *= 2
	}
	if d > time.Hour {
		d = time.Hour
	}
	return d
}
