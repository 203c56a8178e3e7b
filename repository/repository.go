package repository

import (
	"context"
	"errors"

	"shortsDownloader/models"
)

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrJobAlreadyExists = errors.New("job already exists")
)

const MaxListLimit = 100

// Repository is the durable job record store. UpdateJob is atomic per call;
// status ordering is the caller's responsibility.
type Repository interface {
	CreateJob(ctx context.Context, job *models.Job) error
	UpdateJob(ctx context.Context, id string, update models.JobUpdate) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, limit int) ([]*models.Job, error)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 10
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
