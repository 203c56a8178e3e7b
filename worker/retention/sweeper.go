package retention

import (
	"context"
	"time"

	"go.uber.org/zap"

	"shortsDownloader/worker/storage"
)

const (
	DefaultMaxAge   = 24 * time.Hour
	DefaultInterval = time.Hour
)

type ArtifactStore interface {
	ListArtifacts(ctx context.Context) ([]storage.Object, error)
	DeleteArtifact(ctx context.Context, key string) error
}

type Report struct {
	Scanned int
	Deleted int
	Failed  int
}

// Sweeper deletes published artifacts older than maxAge. Job records are not
// touched, so a completed job may keep a result URL to a purged object.
type Sweeper struct {
	store    ArtifactStore
	maxAge   time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

func NewSweeper(store ArtifactStore, maxAge, interval time.Duration, logger *zap.Logger) *Sweeper {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{
		store:    store,
		maxAge:   maxAge,
		interval: interval,
		now:      time.Now,
		logger:   logger,
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("Retention sweep started",
		zap.Duration("max_age", s.maxAge),
		zap.Duration("interval", s.interval),
	)

	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Retention sweep stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs a single pass. Failure on one artifact does not stop the rest.
func (s *Sweeper) Sweep(ctx context.Context) Report {
	var report Report

	objects, err := s.store.ListArtifacts(ctx)
	if err != nil {
		// A partial listing is still swept.
		s.logger.Error("Failed to list artifacts", zap.Error(err))
		report.Failed++
	}

	cutoff := s.now().Add(-s.maxAge)
	for _, obj := range objects {
		if ctx.Err() != nil {
			break
		}
		report.Scanned++

		if obj.CreatedAt.IsZero() || !obj.CreatedAt.Before(cutoff) {
			continue
		}

		if err := s.store.DeleteArtifact(ctx, obj.Key); err != nil {
			s.logger.Warn("Failed to delete artifact", zap.String("key", obj.Key), zap.Error(err))
			report.Failed++
			continue
		}
		report.Deleted++
		s.logger.Debug("Deleted expired artifact",
			zap.String("key", obj.Key),
			zap.Duration("age", s.now().Sub(obj.CreatedAt)),
		)
	}

	s.logger.Info("Retention sweep finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("deleted", report.Deleted),
		zap.Int("failed", report.Failed),
	)
	return report
}
