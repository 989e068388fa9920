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

// The file implements the bounded worker pool pulled from JobQueue:
// one lease-and-run loop per job kind, each capped by its own
// concurrency slot pool so a burst of one kind (e.g. deliver) can never
// starve another (e.g. poll_batch_status) of workers.
package dispatcher

import (
	"context"
	"time"

	"k8s.io/klog/v2"

	"github.com/llm-d-incubation/batch-gateway/internal/batchbuilder"
	"github.com/llm-d-incubation/batch-gateway/internal/jobqueue"
	"github.com/llm-d-incubation/batch-gateway/internal/model"
	"github.com/llm-d-incubation/batch-gateway/internal/util/logging"
	"github.com/llm-d-incubation/batch-gateway/internal/workflow"
)

// Handler is a single job kind's entry point: re-read the subject and
// drive exactly one step, the way every WorkflowActions method does.
type Handler func(ctx context.Context, subjectID int64) error

// Config bounds concurrency per kind and the lease/poll cadence.
type Config struct {
	Concurrency        map[model.JobKind]int
	DefaultConcurrency int
	LeaseTTL           time.Duration
	HeartbeatEvery     time.Duration
	PollInterval       time.Duration
	ReclaimInterval    time.Duration
}

// Dispatcher owns one slotPool and lease loop per registered job kind.
type Dispatcher struct {
	queue    jobqueue.Queue
	owner    string
	cfg      Config
	logger   klog.Logger
	handlers map[model.JobKind]Handler
	pools    map[model.JobKind]*slotPool
}

func New(queue jobqueue.Queue, owner string, cfg Config, logger klog.Logger) *Dispatcher {
	return &Dispatcher{
		queue:    queue,
		owner:    owner,
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[model.JobKind]Handler),
		pools:    make(map[model.JobKind]*slotPool),
	}
}

// Register binds a job kind to its handler and concurrency pool. Call
// once per kind before Run.
func (d *Dispatcher) Register(kind model.JobKind, h Handler) {
	d.handlers[kind] = h
	capacity := d.cfg.Concurrency[kind]
	if capacity == 0 {
		capacity = d.cfg.DefaultConcurrency
	}
	d.pools[kind] = newSlotPool(capacity)
}

// RegisterActions wires every WorkflowActions and BatchBuilder handler
// to its job kind, each guarded by RecoverPanic so
// one handler's panic can't take the owning lease-loop goroutine down.
func RegisterActions(d *Dispatcher, a *workflow.Actions, b *batchbuilder.Builder) {
	guard := func(kind model.JobKind, h Handler) Handler {
		return func(ctx context.Context, subjectID int64) (err error) {
			defer a.RecoverPanic(string(kind), subjectID, &err)
			return h(ctx, subjectID)
		}
	}
	d.Register(model.JobUpload, guard(model.JobUpload, a.Upload))
	d.Register(model.JobCreateProviderBatch, guard(model.JobCreateProviderBatch, a.CreateProviderBatch))
	d.Register(model.JobPollBatchStatus, guard(model.JobPollBatchStatus, a.PollBatchStatus))
	d.Register(model.JobDownloadAndParse, guard(model.JobDownloadAndParse, a.DownloadAndParse))
	d.Register(model.JobDeliver, guard(model.JobDeliver, a.Deliver))
	d.Register(model.JobRedeliver, guard(model.JobRedeliver, a.Redeliver))
	d.Register(model.JobCheckDeliveryDone, guard(model.JobCheckDeliveryDone, a.FinalizeBatchDelivery))
	d.Register(model.JobCancel, guard(model.JobCancel, a.Cancel))
	d.Register(model.JobDeleteExpired, guard(model.JobDeleteExpired, a.DeleteExpired))
	d.Register(model.JobExpireStaleBuilding, guard(model.JobExpireStaleBuilding, b.ExpireStaleBuilding))
}

// Run starts one lease loop per registered kind and the lease-reaper, and
// blocks until ctx is cancelled, at which point it waits for every
// in-flight handler to finish before returning.
func (d *Dispatcher) Run(ctx context.Context) {
	for kind := range d.handlers {
		go d.leaseLoop(ctx, kind)
	}
	go d.reclaimLoop(ctx)

	<-ctx.Done()
	for _, p := range d.pools {
		p.WaitAll()
	}
}

func (d *Dispatcher) leaseLoop(ctx context.Context, kind model.JobKind) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.leaseAndRun(ctx, kind)
		}
	}
}

func (d *Dispatcher) leaseAndRun(ctx context.Context, kind model.JobKind) {
	pool := d.pools[kind]
	n := pool.Available()
	if n == 0 {
		return
	}
	jobs, err := d.queue.Lease(ctx, kind, d.owner, n, d.cfg.LeaseTTL)
	if err != nil {
		d.logger.V(logging.ERROR).Error(err, "dispatcher: lease failed", "kind", kind)
		return
	}
	for _, job := range jobs {
		recordQueueWait(string(kind), job.RunAt)
		slotID, ok := pool.TryAcquire()
		if !ok {
			// another leaseLoop tick already filled every slot between
			// Available() and here; let the job's lease expire and be
			// reclaimed rather than block this loop on it.
			continue
		}
		go func(j *model.Job, slot int) {
			defer pool.Release(slot)
			d.run(ctx, j)
		}(job, slotID)
	}
}

func (d *Dispatcher) run(ctx context.Context, job *model.Job) {
	incLeased(string(job.Kind))
	defer decLeased(string(job.Kind))

	handler, ok := d.handlers[job.Kind]
	if !ok {
		d.logger.V(logging.ERROR).Info("dispatcher: no handler registered", "kind", job.Kind)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopHeartbeat := d.startHeartbeat(runCtx, job)
	defer stopHeartbeat()

	start := time.Now()
	err := handler(runCtx, job.SubjectID)
	elapsed := time.Since(start)

	if err != nil {
		recordProcessed(string(job.Kind), ResultFailed, elapsed)
		d.logger.V(logging.ERROR).Error(err, "dispatcher: job failed", "kind", job.Kind, "subject_id", job.SubjectID, "attempt", job.Attempts+1)
		if ferr := d.queue.Fail(ctx, job.ID, d.owner, err, jobqueue.DefaultBackoff); ferr != nil {
			d.logger.V(logging.ERROR).Error(ferr, "dispatcher: failed to record job failure", "job_id", job.ID)
		}
		return
	}

	recordProcessed(string(job.Kind), ResultSuccess, elapsed)
	if cerr := d.queue.Complete(ctx, job.ID, d.owner); cerr != nil {
		d.logger.V(logging.ERROR).Error(cerr, "dispatcher: failed to mark job complete", "job_id", job.ID)
	}
}

func (d *Dispatcher) startHeartbeat(ctx context.Context, job *model.Job) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(d.cfg.HeartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := d.queue.Heartbeat(ctx, job.ID, d.owner, d.cfg.LeaseTTL); err != nil {
					d.logger.V(logging.DEBUG).Info("dispatcher: heartbeat failed", "job_id", job.ID, "err", err.Error())
				}
			}
		}
	}()
	return func() { close(done) }
}

func (d *Dispatcher) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.queue.ReclaimExpired(ctx)
			if err != nil {
				d.logger.V(logging.ERROR).Error(err, "dispatcher: reclaim expired leases failed")
				continue
			}
			if n > 0 {
				d.logger.V(logging.INFO).Info("dispatcher: reclaimed expired leases", "count", n)
			}
		}
	}
}
