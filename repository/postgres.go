package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"shortsDownloader/database"
	"shortsDownloader/models"
)

const uniqueViolation = "23505"

type PostgresRepo struct {
	db *database.DB
}

func NewPostgresRepo(db *database.DB) Repository {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) CreateJob(ctx context.Context, job *models.Job) error {
	query := `
		INSERT INTO jobs (id, source_url, status, progress)
		VALUES ($1, $2, $3, 0)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool.QueryRow(ctx, query, job.ID, job.SourceURL, models.StatusQueued).
		Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrJobAlreadyExists
		}
		return err
	}

	job.Status = models.StatusQueued
	job.Progress = 0
	return nil
}

func (r *PostgresRepo) UpdateJob(ctx context.Context, id string, update models.JobUpdate) error {
	if err := update.Validate(); err != nil {
		return err
	}

	sets := []string{"updated_at = NOW()"}
	args := []any{}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.Status != nil {
		add("status", string(*update.Status))
	}
	if update.Progress != nil {
		add("progress", *update.Progress)
	}
	if update.Metadata != nil {
		data, err := json.Marshal(update.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		add("metadata", data)
	}
	if update.ResultURL != nil {
		add("result_url", *update.ResultURL)
	}
	if update.PosterURL != nil {
		add("poster_url", *update.PosterURL)
	}
	if update.ErrorMessage != nil {
		add("error_message", *update.ErrorMessage)
	}

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args))

	result, err := r.db.Pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}

	if result.RowsAffected() == 0 {
		return ErrJobNotFound
	}

	return nil
}

const selectColumns = `id, source_url, status, progress, metadata, result_url, poster_url, error_message, created_at, updated_at`

func (r *PostgresRepo) GetJob(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + selectColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	return job, nil
}

func (r *PostgresRepo) ListJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	query := `SELECT ` + selectColumns + ` FROM jobs ORDER BY created_at DESC LIMIT $1`

	rows, err := r.db.Pool.Query(ctx, query, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]*models.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		job          models.Job
		status       string
		metadata     []byte
		resultURL    *string
		posterURL    *string
		errorMessage *string
		createdAt    time.Time
		updatedAt    time.Time
	)

	err := row.Scan(
		&job.ID,
		&job.SourceURL,
		&status,
		&job.Progress,
		&metadata,
		&resultURL,
		&posterURL,
		&errorMessage,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status, err = models.ParseJobStatus(status)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", job.ID, err)
	}

	if len(metadata) > 0 {
		var meta models.Metadata
		if err := json.Unmarshal(metadata, &meta); err != nil {
			return nil, fmt.Errorf("job %s: decode metadata: %w", job.ID, err)
		}
		job.Metadata = &meta
	}
	if resultURL != nil {
		job.ResultURL = *resultURL
	}
	if posterURL != nil {
		job.PosterURL = *posterURL
	}
	if errorMessage != nil {
		job.ErrorMessage = *errorMessage
	}
	job.CreatedAt = createdAt
	job.UpdatedAt = updatedAt

	return &job, nil
}
