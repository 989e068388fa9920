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

// The file implements internal/jobqueue.Queue against the jobs table from
// internal/store/postgres/migrations, using SELECT ... FOR UPDATE SKIP
// LOCKED to let many worker processes lease disjoint batches of jobs
// concurrently without contending on the same rows.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/llm-d-incubation/batch-gateway/internal/clock"
	"github.com/llm-d-incubation/batch-gateway/internal/model"
)

type Queue struct {
	db    *sqlx.DB
	clock clock.Clock
}

func New(db *sqlx.DB, c clock.Clock) *Queue {
	if c == nil {
		c = clock.Real{}
	}
	return &Queue{db: db, clock: c}
}

// NewOwnerID builds a process-unique lease owner token for this worker.
func NewOwnerID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

type jobRow struct {
	ID           int64          `db:"id"`
	Kind         string         `db:"kind"`
	SubjectID    int64          `db:"subject_id"`
	Args         []byte         `db:"args"`
	Status       string         `db:"status"`
	Attempts     int            `db:"attempts"`
	MaxAttempts  int            `db:"max_attempts"`
	RunAt        time.Time      `db:"run_at"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
	LeaseOwner   sql.NullString `db:"lease_owner"`
	LeaseExpires sql.NullTime   `db:"lease_expires"`
	LastError    sql.NullString `db:"last_error"`
}

func (r jobRow) toModel() *model.Job {
	j := &model.Job{
		ID:          r.ID,
		Kind:        model.JobKind(r.Kind),
		SubjectID:   r.SubjectID,
		Args:        r.Args,
		Status:      model.JobStatus(r.Status),
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
		RunAt:       r.RunAt,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.LeaseOwner.Valid {
		j.LeaseOwner = &r.LeaseOwner.String
	}
	if r.LeaseExpires.Valid {
		j.LeaseExpires = &r.LeaseExpires.Time
	}
	if r.LastError.Valid {
		j.LastError = &r.LastError.String
	}
	return j
}

func (q *Queue) Enqueue(ctx context.Context, kind model.JobKind, subjectID int64, args []byte, runAt time.Time) error {
	now := q.clock.Now()
	if runAt.IsZero() {
		runAt = now
	}
	if args == nil {
		args = []byte("{}")
	}

	query := `INSERT INTO jobs (kind, subject_id, args, status, attempts, max_attempts, run_at, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', 0, $4, $5, $6, $6)`
	if model.SingletonKinds[kind] {
		query += ` ON CONFLICT ON CONSTRAINT uq_jobs_singleton_active DO NOTHING`
	}
	if _, err := q.db.ExecContext(ctx, query, kind, subjectID, args, model.MaxAttemptsForKind(kind), runAt, now); err != nil {
		return fmt.Errorf("enqueue job kind=%s subject=%d: %w", kind, subjectID, err)
	}
	return nil
}

func (q *Queue) Lease(ctx context.Context, kind model.JobKind, owner string, n int, ttl time.Duration) ([]*model.Job, error) {
	now := q.clock.Now()
	var jobs []*model.Job

	err := withTx(ctx, q.db, func(tx *sqlx.Tx) error {
		var ids []int64
		if err := tx.SelectContext(ctx, &ids, `
			SELECT id FROM jobs
			WHERE kind = $1 AND status = 'pending' AND run_at <= $2
			ORDER BY run_at ASC, id ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		`, kind, now, n); err != nil {
			return fmt.Errorf("select leasable jobs: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		leaseExpires := now.Add(ttl)
		var rows []jobRow
		if err := tx.SelectContext(ctx, &rows, `
			UPDATE jobs SET status = 'leased', lease_owner = $1, lease_expires = $2,
				attempts = attempts + 1, updated_at = $3
			WHERE id = ANY($4)
			RETURNING *
		`, owner, leaseExpires, now, ids); err != nil {
			return fmt.Errorf("lease jobs: %w", err)
		}
		for _, r := range rows {
			jobs = append(jobs, r.toModel())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (q *Queue) Heartbeat(ctx context.Context, jobID int64, owner string, ttl time.Duration) error {
	now := q.clock.Now()
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET lease_expires = $1, updated_at = $1
		WHERE id = $2 AND status = 'leased' AND lease_owner = $3
	`, now.Add(ttl), jobID, owner)
	if err != nil {
		return fmt.Errorf("heartbeat job %d: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("heartbeat job %d: lease no longer held by %s", jobID, owner)
	}
	return nil
}

func (q *Queue) Complete(ctx context.Context, jobID int64, owner string) error {
	now := q.clock.Now()
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'succeeded', updated_at = $1, lease_owner = NULL, lease_expires = NULL
		WHERE id = $2 AND status = 'leased' AND lease_owner = $3
	`, now, jobID, owner)
	if err != nil {
		return fmt.Errorf("complete job %d: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complete job %d: lease no longer held by %s", jobID, owner)
	}
	return nil
}

func (q *Queue) Fail(ctx context.Context, jobID int64, owner string, cause error, backoff func(attempts int) time.Duration) error {
	now := q.clock.Now()
	return withTx(ctx, q.db, func(tx *sqlx.Tx) error {
		var row jobRow
		if err := tx.GetContext(ctx, &row, `
			SELECT * FROM jobs WHERE id = $1 AND status = 'leased' AND lease_owner = $2 FOR UPDATE
		`, jobID, owner); err != nil {
			return fmt.Errorf("lock failing job %d: %w", jobID, err)
		}

		errMsg := cause.Error()
		if row.Attempts >= row.MaxAttempts {
			_, err := tx.ExecContext(ctx, `
				UPDATE jobs SET status = 'failed', last_error = $1, updated_at = $2,
					lease_owner = NULL, lease_expires = NULL
				WHERE id = $3
			`, errMsg, now, jobID)
			if err != nil {
				return fmt.Errorf("mark job %d terminally failed: %w", jobID, err)
			}
			return nil
		}

		nextRun := now.Add(backoff(row.Attempts))
		_, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'pending', last_error = $1, run_at = $2, updated_at = $2,
				lease_owner = NULL, lease_expires = NULL
			WHERE id = $3
		`, errMsg, nextRun, jobID)
		if err != nil {
			return fmt.Errorf("reschedule job %d: %w", jobID, err)
		}
		return nil
	})
}

func (q *Queue) ReclaimExpired(ctx context.Context) (int64, error) {
	now := q.clock.Now()
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', lease_owner = NULL, lease_expires = NULL, updated_at = $1
		WHERE status = 'leased' AND lease_expires < $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("reclaim expired leases: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
