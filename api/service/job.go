package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"shortsDownloader/cache"
	"shortsDownloader/models"
	"shortsDownloader/queue"
	"shortsDownloader/repository"
	"shortsDownloader/validation"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrQueueUnavailable = errors.New("queue unavailable")
)

type JobService struct {
	repo     repository.Repository
	cache    cache.JobCache
	producer queue.Producer
	logger   *zap.Logger
}

func NewJobService(repo repository.Repository, jobCache cache.JobCache, producer queue.Producer, logger *zap.Logger) *JobService {
	if jobCache == nil {
		jobCache = cache.NopCache{}
	}
	return &JobService{
		repo:     repo,
		cache:    jobCache,
		producer: producer,
		logger:   logger,
	}
}

// Submit creates the job record and then enqueues it. The record is visible
// to status reads before the message is sent.
func (s *JobService) Submit(ctx context.Context, traceID, sourceURL, jobID string) (*models.Job, error) {
	sourceURL = strings.TrimSpace(sourceURL)
	if err := validation.ValidateSourceURL(sourceURL); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	if jobID == "" {
		jobID = uuid.NewString()
	} else if err := validation.ValidateJobID(jobID); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	job := &models.Job{ID: jobID, SourceURL: sourceURL}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	s.cacheJob(ctx, job)

	if err := s.producer.Enqueue(ctx, queue.NewMessage(job.ID, job.SourceURL, traceID)); err != nil {
		s.logger.Error("Failed to enqueue job",
			zap.String("trace_id", traceID),
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		s.abandon(job, err)
		return nil, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}

	s.logger.Info("Job submitted",
		zap.String("trace_id", traceID),
		zap.String("job_id", job.ID),
	)
	return job, nil
}

// abandon marks a job that could not be enqueued as failed so it does not
// stay queued forever.
func (s *JobService) abandon(job *models.Job, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	processing := models.StatusProcessing
	failed := models.StatusFailed
	message := "failed to queue job: " + cause.Error()

	if err := s.repo.UpdateJob(ctx, job.ID, models.JobUpdate{Status: &processing}); err != nil {
		s.logger.Error("Failed to mark unqueued job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	update := models.JobUpdate{Status: &failed, ErrorMessage: &message}
	if err := s.repo.UpdateJob(ctx, job.ID, update); err != nil {
		s.logger.Error("Failed to mark unqueued job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	job.Apply(models.JobUpdate{Status: &failed, ErrorMessage: &message}, time.Now())
	s.cacheJob(ctx, job)
}

// Status reads the cached snapshot first and falls back to the store.
func (s *JobService) Status(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := s.cache.Get(ctx, jobID)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		s.logger.Warn("Status cache read failed", zap.String("job_id", jobID), zap.Error(err))
	}

	job, err = s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.cacheJob(ctx, job)
	return job, nil
}

// History lists the most recent jobs, newest first.
func (s *JobService) History(ctx context.Context, limit int) ([]*models.Job, error) {
	return s.repo.ListJobs(ctx, limit)
}

func (s *JobService) cacheJob(ctx context.Context, job *models.Job) {
	if err := s.cache.Set(ctx, job); err != nil {
		s.logger.Warn("Failed to cache job", zap.String("job_id", job.ID), zap.Error(err))
	}
}
