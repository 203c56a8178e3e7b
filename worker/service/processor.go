package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"shortsDownloader/cache"
	"shortsDownloader/models"
	"shortsDownloader/queue"
	"shortsDownloader/repository"
	"shortsDownloader/worker/pipeline"
)

// Processor is the queue handler of the worker. It runs the pipeline for each
// delivery and makes sure a job is marked failed before the queue gives up
// on it.
type Processor struct {
	repo      repository.Repository
	cache     cache.JobCache
	sequencer *pipeline.Sequencer
	policy    queue.RetryPolicy
	logger    *zap.Logger

	persistAttempts int
	persistBackoff  time.Duration
}

func NewProcessor(repo repository.Repository, jobCache cache.JobCache, sequencer *pipeline.Sequencer, policy queue.RetryPolicy, logger *zap.Logger) *Processor {
	if jobCache == nil {
		jobCache = cache.NopCache{}
	}
	return &Processor{
		repo:      repo,
		cache:     jobCache,
		sequencer: sequencer,
		policy:    policy.Normalize(),
		logger:    logger,

		persistAttempts: 3,
		persistBackoff:  200 * time.Millisecond,
	}
}

func (p *Processor) Process(ctx context.Context, msg *queue.Message) error {
	logger := p.logger.With(
		zap.String("job_id", msg.JobID),
		zap.String("trace_id", msg.TraceID),
		zap.Int("attempt", msg.Attempt),
	)
	logger.Info("Processing job")

	job, err := p.sequencer.Run(ctx, msg.JobID)
	if err == nil {
		logger.Info("Job finished", zap.String("status", string(job.Status)))
		return nil
	}

	if errors.Is(err, repository.ErrJobNotFound) {
		logger.Error("Job record missing, dropping message", zap.Error(err))
		return queue.NoRetry(err)
	}
	if ctx.Err() != nil {
		return err
	}

	permanent := pipeline.IsPermanent(err)
	if !permanent && !p.policy.IsFinalAttempt(msg.Attempt) {
		logger.Info("Job attempt failed, will retry", zap.Error(err))
		return err
	}

	// The queue must not give up on the message until failed is stored.
	if ferr := p.persistFailed(ctx, msg.JobID, err); ferr != nil {
		logger.Error("Failed to persist failed status, requeueing attempt", zap.Error(ferr))
		return queue.Requeue(fmt.Errorf("record failure of job %s: %w", msg.JobID, ferr))
	}
	logger.Warn("Job failed", zap.Bool("permanent", permanent), zap.Error(err))

	if permanent {
		return queue.NoRetry(err)
	}
	return err
}

// persistFailed retries markFailed with backoff under a context detached from
// cancellation.
func (p *Processor) persistFailed(ctx context.Context, jobID string, cause error) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	backoff := p.persistBackoff
	var err error
	for i := 0; i < p.persistAttempts; i++ {
		if i > 0 {
			select {
			case <-wctx.Done():
				return errors.Join(err, wctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err = p.markFailed(wctx, jobID, cause); err == nil {
			return nil
		}
		p.logger.Warn("Failed status write rejected",
			zap.String("job_id", jobID),
			zap.Int("try", i+1),
			zap.Error(err),
		)
	}
	return err
}

// markFailed writes the terminal failed state.
func (p *Processor) markFailed(ctx context.Context, jobID string, cause error) error {
	job, err := p.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}
	if job.Status == models.StatusQueued {
		processing := models.StatusProcessing
		if err := p.repo.UpdateJob(ctx, jobID, models.JobUpdate{Status: &processing}); err != nil {
			return err
		}
	}

	status := models.StatusFailed
	message := cause.Error()
	update := models.JobUpdate{Status: &status, ErrorMessage: &message}
	if err := p.repo.UpdateJob(ctx, jobID, update); err != nil {
		return err
	}

	job.Apply(update, time.Now())
	if err := p.cache.Set(ctx, job); err != nil {
		p.logger.Warn("Failed to cache job snapshot", zap.String("job_id", jobID), zap.Error(err))
	}
	return nil
}
