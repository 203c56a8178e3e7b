package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"shortsDownloader/cache"
	"shortsDownloader/models"
	"shortsDownloader/repository"
	"shortsDownloader/validation"
)

type Config struct {
	Repo      repository.Repository
	Cache     cache.JobCache
	Fetcher   Fetcher
	Publisher Publisher
	Poster    PosterRenderer
	Timeouts  Timeouts
}

// Sequencer drives one job through resolve, probe, materialize, publish and
// finalize, persisting a checkpoint after every stage. Running it again on
// the same job resumes from what is already stored.
type Sequencer struct {
	repo      repository.Repository
	cache     cache.JobCache
	fetcher   Fetcher
	publisher Publisher
	poster    PosterRenderer
	timeouts  Timeouts
	logger    *zap.Logger
	now       func() time.Time
}

func NewSequencer(cfg Config, logger *zap.Logger) *Sequencer {
	jobCache := cfg.Cache
	if jobCache == nil {
		jobCache = cache.NopCache{}
	}
	return &Sequencer{
		repo:      cfg.Repo,
		cache:     jobCache,
		fetcher:   cfg.Fetcher,
		publisher: cfg.Publisher,
		poster:    cfg.Poster,
		timeouts:  cfg.Timeouts.normalize(),
		logger:    logger,
		now:       time.Now,
	}
}

// run holds the per-delivery state of one job.
type run struct {
	job      *models.Job
	videoID  string
	artifact *Artifact
	released bool
	result   string
	poster   string
	logger   *zap.Logger
}

// Run executes the pipeline for jobID. A job that is already terminal is
// returned unchanged.
func (s *Sequencer) Run(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}

	if job.Status.IsTerminal() {
		s.logger.Info("Job already terminal, skipping",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
		)
		return job, nil
	}

	r := &run{job: job, logger: s.logger.With(zap.String("job_id", job.ID))}
	defer s.release(r)

	if err := s.start(ctx, r); err != nil {
		return r.job, err
	}

	steps := []struct {
		stage Stage
		fn    func(context.Context, *run) error
	}{
		{StageResolve, s.resolve},
		{StageProbe, s.probe},
		{StageMaterialize, s.materialize},
		{StagePublish, s.publish},
		{StageFinalize, s.finalize},
	}

	for _, step := range steps {
		if err := step.fn(ctx, r); err != nil {
			r.logger.Warn("Stage failed",
				zap.String("stage", string(step.stage)),
				zap.String("kind", Classify(err).String()),
				zap.Error(err),
			)
			return r.job, &StageError{Stage: step.stage, Err: err}
		}
		r.logger.Debug("Stage completed",
			zap.String("stage", string(step.stage)),
			zap.Int("progress", r.job.Progress),
		)
	}

	return r.job, nil
}

func (s *Sequencer) start(ctx context.Context, r *run) error {
	if !models.CanTransition(r.job.Status, models.StatusProcessing) {
		return fmt.Errorf("job %s cannot move from %s to processing", r.job.ID, r.job.Status)
	}
	if r.job.Status == models.StatusProcessing {
		r.logger.Info("Resuming job")
		return nil
	}
	status := models.StatusProcessing
	return s.checkpoint(ctx, r, models.JobUpdate{Status: &status})
}

func (s *Sequencer) resolve(ctx context.Context, r *run) error {
	id, err := validation.ExtractVideoID(r.job.SourceURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	r.videoID = id
	return s.advance(ctx, r, StageResolve, models.JobUpdate{})
}

func (s *Sequencer) probe(ctx context.Context, r *run) error {
	if r.job.Metadata != nil {
		return s.advance(ctx, r, StageProbe, models.JobUpdate{})
	}

	pctx, cancel := context.WithTimeout(ctx, s.timeouts.Probe)
	defer cancel()

	meta, err := s.fetcher.ResolveAndFetchMetadata(pctx, r.videoID)
	if err != nil {
		return err
	}
	if meta == nil {
		return Permanent("probe", fmt.Errorf("no metadata for %s", r.videoID))
	}
	return s.advance(ctx, r, StageProbe, models.JobUpdate{Metadata: meta})
}

func (s *Sequencer) materialize(ctx context.Context, r *run) error {
	lctx, cancel := context.WithTimeout(ctx, s.timeouts.Publish)
	url, found, err := s.publisher.Lookup(lctx, MediaKey(r.videoID))
	cancel()
	if err != nil {
		return err
	}
	if found {
		r.logger.Info("Artifact already published, skipping fetch", zap.String("video_id", r.videoID))
		r.result = url
		return s.advance(ctx, r, StageMaterialize, models.JobUpdate{})
	}

	mctx, cancel := context.WithTimeout(ctx, s.timeouts.Materialize)
	defer cancel()

	art, err := s.fetcher.MaterializeMedia(mctx, r.videoID)
	if err != nil {
		return err
	}
	r.artifact = art
	return s.advance(ctx, r, StageMaterialize, models.JobUpdate{})
}

func (s *Sequencer) publish(ctx context.Context, r *run) error {
	if r.result == "" {
		pctx, cancel := context.WithTimeout(ctx, s.timeouts.Publish)
		url, err := s.publisher.Publish(pctx, MediaKey(r.videoID), PublishFile{
			Path:         r.artifact.MediaPath,
			ContentType:  r.artifact.ContentType,
			DownloadName: downloadName(r.job.Metadata, r.videoID),
		})
		cancel()
		if err != nil {
			return err
		}
		r.result = url
	}

	r.poster = s.publishPoster(ctx, r)
	return s.advance(ctx, r, StagePublish, models.JobUpdate{})
}

// publishPoster is best effort: any failure leaves the poster unset.
func (s *Sequencer) publishPoster(ctx context.Context, r *run) string {
	if s.poster == nil {
		return ""
	}

	pctx, cancel := context.WithTimeout(ctx, s.timeouts.Publish)
	defer cancel()

	key := PosterKey(r.videoID)
	url, found, err := s.publisher.Lookup(pctx, key)
	if err == nil && found {
		return url
	}
	if r.artifact == nil || r.artifact.ThumbnailPath == "" {
		return ""
	}

	path, err := s.poster.Poster(pctx, r.artifact.ThumbnailPath)
	if err != nil {
		r.logger.Warn("Failed to render poster", zap.Error(err))
		return ""
	}
	url, err = s.publisher.Publish(pctx, key, PublishFile{Path: path, ContentType: "image/jpeg"})
	if err != nil {
		r.logger.Warn("Failed to publish poster", zap.Error(err))
		return ""
	}
	return url
}

func (s *Sequencer) finalize(ctx context.Context, r *run) error {
	s.release(r)

	status := models.StatusCompleted
	update := models.JobUpdate{Status: &status, ResultURL: &r.result}
	if r.poster != "" {
		update.PosterURL = &r.poster
	}
	return s.advance(ctx, r, StageFinalize, update)
}

// advance records a stage checkpoint. Progress never moves backwards.
func (s *Sequencer) advance(ctx context.Context, r *run, stage Stage, update models.JobUpdate) error {
	if p := stage.Progress(); p > r.job.Progress {
		update.Progress = &p
	}
	if update.IsEmpty() {
		return nil
	}
	return s.checkpoint(ctx, r, update)
}

func (s *Sequencer) checkpoint(ctx context.Context, r *run, update models.JobUpdate) error {
	if err := s.repo.UpdateJob(ctx, r.job.ID, update); err != nil {
		return fmt.Errorf("persist checkpoint: %w", err)
	}
	r.job.Apply(update, s.now())

	if err := s.cache.Set(ctx, r.job); err != nil {
		r.logger.Warn("Failed to cache job snapshot", zap.Error(err))
	}
	return nil
}

func (s *Sequencer) release(r *run) {
	if r.artifact == nil || r.released {
		return
	}
	r.released = true
	if err := s.fetcher.Release(r.artifact); err != nil {
		r.logger.Warn("Failed to release artifact", zap.String("dir", r.artifact.Dir), zap.Error(err))
	}
}

func downloadName(meta *models.Metadata, videoID string) string {
	if meta != nil && meta.Title != "" {
		return meta.Title + ".mp4"
	}
	return videoID + ".mp4"
}
