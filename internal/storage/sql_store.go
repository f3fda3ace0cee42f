package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/dubbing-pipeline/internal/domain"
	"github.com/jmoiron/sqlx"
)

// schema is portable across PostgreSQL and SQLite. Timestamps are stored as
// unix nanoseconds so both dialects compare them the same way.
const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id                 TEXT PRIMARY KEY,
	status             TEXT    NOT NULL,
	current_stage      INTEGER NOT NULL DEFAULT 0,
	stage_name         TEXT    NOT NULL DEFAULT '',
	source_audio       TEXT    NOT NULL,
	source_language    TEXT    NOT NULL,
	target_language    TEXT    NOT NULL,
	detected_languages TEXT    NOT NULL DEFAULT '[]',
	error_message      TEXT    NOT NULL DEFAULT '',
	stage_log          TEXT    NOT NULL DEFAULT '[]',
	segments           TEXT    NOT NULL DEFAULT '[]',
	artifacts          TEXT    NOT NULL DEFAULT '{}',
	reviewed           BOOLEAN NOT NULL DEFAULT FALSE,
	attempt_count      INTEGER NOT NULL DEFAULT 0,
	parent_job_id      TEXT    NOT NULL DEFAULT '',
	lease_owner        TEXT    NOT NULL DEFAULT '',
	lease_expires_at   BIGINT,
	version            BIGINT  NOT NULL DEFAULT 0,
	created_at         BIGINT  NOT NULL,
	updated_at         BIGINT  NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs (created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status);
`

const jobColumns = `id, status, current_stage, stage_name, source_audio, source_language,
	target_language, detected_languages, error_message, stage_log, segments, artifacts,
	reviewed, attempt_count, parent_job_id, lease_owner, lease_expires_at, version,
	created_at, updated_at`

type jobRow struct {
	ID                string        `db:"id"`
	Status            string        `db:"status"`
	CurrentStage      int           `db:"current_stage"`
	StageName         string        `db:"stage_name"`
	SourceAudio       string        `db:"source_audio"`
	SourceLanguage    string        `db:"source_language"`
	TargetLanguage    string        `db:"target_language"`
	DetectedLanguages string        `db:"detected_languages"`
	ErrorMessage      string        `db:"error_message"`
	StageLog          string        `db:"stage_log"`
	Segments          string        `db:"segments"`
	Artifacts         string        `db:"artifacts"`
	Reviewed          bool          `db:"reviewed"`
	AttemptCount      int           `db:"attempt_count"`
	ParentJobID       string        `db:"parent_job_id"`
	LeaseOwner        string        `db:"lease_owner"`
	LeaseExpiresAt    sql.NullInt64 `db:"lease_expires_at"`
	Version           int64         `db:"version"`
	CreatedAt         int64         `db:"created_at"`
	UpdatedAt         int64         `db:"updated_at"`
}

// SQLStore persists jobs through sqlx. It works against PostgreSQL (lib/pq)
// and SQLite (modernc.org/sqlite).
type SQLStore struct {
	db     *sqlx.DB
	logger *slog.Logger
	opts   options
}

// NewSQLStore creates a store on an open database handle.
func NewSQLStore(db *sqlx.DB, logger *slog.Logger, opts ...Option) *SQLStore {
	return &SQLStore{
		db:     db,
		logger: logger,
		opts:   buildOptions(opts),
	}
}

// Migrate creates the jobs table and its indexes when missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate jobs schema: %w", err)
	}
	return nil
}

func (s *SQLStore) Create(ctx context.Context, job *domain.Job) error {
	row, err := toRow(job)
	if err != nil {
		return err
	}
	query := `INSERT INTO jobs (` + jobColumns + `) VALUES (
		:id, :status, :current_stage, :stage_name, :source_audio, :source_language,
		:target_language, :detected_languages, :error_message, :stage_log, :segments, :artifacts,
		:reviewed, :attempt_count, :parent_job_id, :lease_owner, :lease_expires_at, :version,
		:created_at, :updated_at)`

	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	var row jobRow
	query := s.db.Rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return fromRow(&row)
}

func (s *SQLStore) List(ctx context.Context, filter JobFilter) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}

	if filter.Cursor != nil {
		created := filter.Cursor.CreatedAt.UnixNano()
		query += " AND (created_at < ? OR (created_at = ? AND id < ?))"
		args = append(args, created, created, filter.Cursor.JobID)
	}

	// Order by created_at DESC, id DESC for consistent pagination
	query += " ORDER BY created_at DESC, id DESC"

	// Fetch one extra to determine if there are more results
	if filter.PageSize > 0 {
		query += " LIMIT ?"
		args = append(args, filter.PageSize+1)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]*domain.Job, 0, len(rows))
	for i := range rows {
		job, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Update is an optimistic read-modify-write keyed on the version column. A
// concurrent writer forces a reload and a fresh call to fn.
func (s *SQLStore) Update(ctx context.Context, id string, fn MutateFunc) (*domain.Job, error) {
	query := `UPDATE jobs SET
		status = :status, current_stage = :current_stage, stage_name = :stage_name,
		detected_languages = :detected_languages, error_message = :error_message,
		stage_log = :stage_log, segments = :segments, artifacts = :artifacts,
		reviewed = :reviewed, attempt_count = :attempt_count,
		lease_owner = :lease_owner, lease_expires_at = :lease_expires_at,
		version = :version, updated_at = :updated_at
		WHERE id = :id AND version = :prev_version`

	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		before, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		after, err := applyUpdate(before, fn, s.opts.now())
		if err != nil {
			return nil, err
		}
		row, err := toRow(after)
		if err != nil {
			return nil, err
		}

		named, args, err := sqlx.Named(query, versionedRow{jobRow: *row, PrevVersion: before.Version})
		if err != nil {
			return nil, fmt.Errorf("failed to bind update: %w", err)
		}
		result, err := s.db.ExecContext(ctx, s.db.Rebind(named), args...)
		if err != nil {
			return nil, fmt.Errorf("failed to update job: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to get rows affected: %w", err)
		}
		if affected == 1 {
			return after, nil
		}

		s.logger.Debug("Job update lost a version race, retrying",
			slog.String("job_id", id),
			slog.Int("attempt", attempt),
		)
	}
	return nil, fmt.Errorf("%w: job %s", domain.ErrConflict, id)
}

type versionedRow struct {
	jobRow
	PrevVersion int64 `db:"prev_version"`
}

// AcquireLease leaves updated_at untouched; lease bookkeeping is not an
// observable change.
func (s *SQLStore) AcquireLease(ctx context.Context, id, owner string, ttl time.Duration) error {
	now := s.opts.now()
	query := s.db.Rebind(`UPDATE jobs
		SET lease_owner = ?, lease_expires_at = ?, version = version + 1
		WHERE id = ?
		  AND (lease_owner = '' OR lease_owner = ? OR lease_expires_at IS NULL OR lease_expires_at <= ?)`)

	result, err := s.db.ExecContext(ctx, query, owner, now.Add(ttl).UnixNano(), id, owner, now.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to acquire lease: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	s.logger.Warn("Failed to acquire lease - held by another execution",
		slog.String("job_id", id),
		slog.String("owner", owner),
	)
	return domain.ErrLeaseHeld
}

func (s *SQLStore) ReleaseLease(ctx context.Context, id, owner string) error {
	query := s.db.Rebind(`UPDATE jobs
		SET lease_owner = '', lease_expires_at = NULL, version = version + 1
		WHERE id = ? AND lease_owner = ?`)
	if _, err := s.db.ExecContext(ctx, query, id, owner); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func toRow(job *domain.Job) (*jobRow, error) {
	detected, err := marshalJSON(job.DetectedLanguages, "[]")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal detected languages: %w", err)
	}
	stageLog, err := marshalJSON(job.StageLog, "[]")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stage log: %w", err)
	}
	segments, err := marshalJSON(job.Segments, "[]")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal segments: %w", err)
	}
	artifacts, err := marshalJSON(job.Artifacts, "{}")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal artifacts: %w", err)
	}

	row := &jobRow{
		ID:                job.ID,
		Status:            string(job.Status),
		CurrentStage:      job.CurrentStage,
		StageName:         job.StageName,
		SourceAudio:       job.SourceAudio,
		SourceLanguage:    job.SourceLanguage,
		TargetLanguage:    job.TargetLanguage,
		DetectedLanguages: detected,
		ErrorMessage:      job.ErrorMessage,
		StageLog:          stageLog,
		Segments:          segments,
		Artifacts:         artifacts,
		Reviewed:          job.Reviewed,
		AttemptCount:      job.AttemptCount,
		ParentJobID:       job.ParentJobID,
		LeaseOwner:        job.LeaseOwner,
		Version:           job.Version,
		CreatedAt:         job.CreatedAt.UnixNano(),
		UpdatedAt:         job.UpdatedAt.UnixNano(),
	}
	if job.LeaseExpiresAt != nil {
		row.LeaseExpiresAt = sql.NullInt64{Int64: job.LeaseExpiresAt.UnixNano(), Valid: true}
	}
	return row, nil
}

func fromRow(row *jobRow) (*domain.Job, error) {
	job := &domain.Job{
		ID:             row.ID,
		Status:         domain.Status(row.Status),
		CurrentStage:   row.CurrentStage,
		StageName:      row.StageName,
		SourceAudio:    row.SourceAudio,
		SourceLanguage: row.SourceLanguage,
		TargetLanguage: row.TargetLanguage,
		ErrorMessage:   row.ErrorMessage,
		Reviewed:       row.Reviewed,
		AttemptCount:   row.AttemptCount,
		ParentJobID:    row.ParentJobID,
		LeaseOwner:     row.LeaseOwner,
		Version:        row.Version,
		CreatedAt:      time.Unix(0, row.CreatedAt).UTC(),
		UpdatedAt:      time.Unix(0, row.UpdatedAt).UTC(),
	}
	if err := json.Unmarshal([]byte(row.DetectedLanguages), &job.DetectedLanguages); err != nil {
		return nil, fmt.Errorf("failed to decode detected languages for job %s: %w", row.ID, err)
	}
	if err := json.Unmarshal([]byte(row.StageLog), &job.StageLog); err != nil {
		return nil, fmt.Errorf("failed to decode stage log for job %s: %w", row.ID, err)
	}
	if err := json.Unmarshal([]byte(row.Segments), &job.Segments); err != nil {
		return nil, fmt.Errorf("failed to decode segments for job %s: %w", row.ID, err)
	}
	if err := json.Unmarshal([]byte(row.Artifacts), &job.Artifacts); err != nil {
		return nil, fmt.Errorf("failed to decode artifacts for job %s: %w", row.ID, err)
	}
	if job.DetectedLanguages == nil {
		job.DetectedLanguages = []domain.DetectedLanguage{}
	}
	if job.StageLog == nil {
		job.StageLog = []domain.LogEntry{}
	}
	if job.Segments == nil {
		job.Segments = []domain.Segment{}
	}
	if job.Artifacts == nil {
		job.Artifacts = map[string]string{}
	}
	if row.LeaseExpiresAt.Valid {
		expires := time.Unix(0, row.LeaseExpiresAt.Int64).UTC()
		job.LeaseExpiresAt = &expires
	}
	return job, nil
}

func marshalJSON(v interface{}, empty string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}
