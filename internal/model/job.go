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

package model

import "time"

// JobStatus is the lifecycle of one JobQueue row.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobLeased    JobStatus = "leased"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed" // attempts exhausted
)

// JobKind names a WorkflowActions handler. Kinds tagged singleton are
// deduplicated by (kind, subject_id) at enqueue time.
type JobKind string

const (
	JobUpload              JobKind = "upload"
	JobCreateProviderBatch JobKind = "create_provider_batch"
	JobPollBatchStatus     JobKind = "poll_batch_status"
	JobDownloadAndParse    JobKind = "download_and_parse"
	JobDeliver             JobKind = "deliver"
	JobRedeliver           JobKind = "redeliver"
	JobCheckDeliveryDone   JobKind = "check_delivery_completion"
	JobExpireStaleBuilding JobKind = "expire_stale_building_batch"
	JobDeleteExpired       JobKind = "delete_expired"
	JobCancel              JobKind = "cancel"
)

// SingletonKinds are deduplicated by (kind, subject_id): enqueuing over an
// active job of the same kind/subject is a no-op, so there is never more
// than one in-flight poll_batch_status per batch.
var SingletonKinds = map[JobKind]bool{
	JobPollBatchStatus:     true,
	JobUpload:              true,
	JobCreateProviderBatch: true,
	JobDownloadAndParse:    true,
	JobExpireStaleBuilding: true,
}

// MaxAttemptsForKind is the per-kind retry cap: default 20, deliver uses 1
// (a failed delivery is terminal until an operator explicitly redelivers).
func MaxAttemptsForKind(kind JobKind) int {
	if kind == JobDeliver {
		return 1
	}
	return 20
}

// Job is one durable, at-least-once background work item.
type Job struct {
	ID        int64
	Kind      JobKind
	SubjectID int64 // batch id or request id, depending on Kind
	Args      []byte // JSON-encoded handler arguments, opaque to the queue

	Status      JobStatus
	Attempts    int
	MaxAttempts int

	RunAt     time.Time
	CreatedAt time.Time
	UpdatedAt time.Time

	LeaseOwner   *string
	LeaseExpires *time.Time

	LastError *string
}
