package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"lims-eln-sync/internal/domain"
)

type JobRepository struct {
	db *DB
}

func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

// workingSet is the part of a job that is carried across AwaitingReview.
type workingSet struct {
	Snapshots  map[domain.System]*domain.CanonicalRecord `json:"snapshots,omitempty"`
	Deltas     map[domain.System]domain.Delta            `json:"deltas,omitempty"`
	Validation []domain.ValidationResult                 `json:"validation,omitempty"`
	Conflicts  []domain.ConflictRecord                   `json:"conflicts,omitempty"`
	Decisions  domain.Fields                             `json:"decisions,omitempty"`
}

const jobColumns = `job_id, record_id, trigger_kind, state, attempt_count, last_error, parent_job_id, idempotency_key, working_set, created_at, updated_at`

// Save inserts or updates a job.
func (r *JobRepository) Save(ctx context.Context, job *domain.SyncJob, idempotencyKey string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	ws, err := json.Marshal(workingSet{
		Snapshots:  job.Snapshots,
		Deltas:     job.Deltas,
		Validation: job.Validation,
		Conflicts:  job.Conflicts,
		Decisions:  job.Decisions,
	})
	if err != nil {
		return fmt.Errorf("failed to encode job working set: %w", err)
	}
	var key sql.NullString
	if idempotencyKey != "" {
		key = sql.NullString{String: idempotencyKey, Valid: true}
	}

	query := `
		INSERT INTO sync_jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET
			state = excluded.state,
			attempt_count = excluded.attempt_count,
			last_error = excluded.last_error,
			working_set = excluded.working_set,
			updated_at = excluded.updated_at
	`
	_, err = r.db.exec(ctx, query,
		job.JobID,
		job.RecordID,
		string(job.Trigger),
		string(job.State),
		job.AttemptCount,
		job.LastError,
		job.ParentJobID,
		key,
		string(ws),
		formatTime(job.CreatedAt),
		formatTime(job.UpdatedAt),
	)
	if err != nil {
		log.WithError(err).WithField("job_id", job.JobID).Error("Failed to save sync job")
		return fmt.Errorf("failed to save sync job: %w", err)
	}
	return nil
}

func (r *JobRepository) Get(ctx context.Context, jobID string) (*domain.SyncJob, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	job, err := scanJob(r.db.queryRow(ctx, `SELECT `+jobColumns+` FROM sync_jobs WHERE job_id = ?`, jobID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get sync job: %w", err)
	}
	return job, nil
}

func (r *JobRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.SyncJob, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	job, err := scanJob(r.db.queryRow(ctx, `SELECT `+jobColumns+` FROM sync_jobs WHERE idempotency_key = ?`, key))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get sync job by key: %w", err)
	}
	return job, nil
}

// ListByStates returns jobs in any of states, oldest first.
func (r *JobRepository) ListByStates(ctx context.Context, states ...domain.JobState) ([]*domain.SyncJob, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if len(states) == 0 {
		return nil, nil
	}
	marks := make([]string, len(states))
	args := make([]any, len(states))
	for i, s := range states {
		marks[i] = "?"
		args[i] = string(s)
	}
	query := `SELECT ` + jobColumns + ` FROM sync_jobs WHERE state IN (` + strings.Join(marks, ", ") + `) ORDER BY created_at, job_id`

	rows, err := r.db.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.SyncJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over sync job rows: %w", err)
	}
	return jobs, nil
}

func scanJob(row scanner) (*domain.SyncJob, error) {
	var (
		job                  domain.SyncJob
		trigger, state       string
		key                  sql.NullString
		ws                   string
		createdAt, updatedAt string
	)
	err := row.Scan(&job.JobID, &job.RecordID, &trigger, &state, &job.AttemptCount, &job.LastError,
		&job.ParentJobID, &key, &ws, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	job.Trigger = domain.Trigger(trigger)
	job.State = domain.JobState(state)
	job.CreatedAt = parseTime(createdAt)
	job.UpdatedAt = parseTime(updatedAt)

	var set workingSet
	if ws != "" {
		if err := json.Unmarshal([]byte(ws), &set); err != nil {
			return nil, fmt.Errorf("failed to decode job working set: %w", err)
		}
	}
	job.Snapshots = set.Snapshots
	job.Deltas = set.Deltas
	job.Validation = set.Validation
	job.Conflicts = set.Conflicts
	job.Decisions = set.Decisions
	return &job, nil
}
