package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"shortsDownloader/models"
)

// MemoryRepo keeps jobs in process memory. Used by tests and local runs.
type MemoryRepo struct {
	mu   sync.RWMutex
	jobs map[string]*models.Job
	now  func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		jobs: make(map[string]*models.Job),
		now:  time.Now,
	}
}

// WithClock overrides the timestamp source.
func (r *MemoryRepo) WithClock(now func() time.Time) *MemoryRepo {
	r.now = now
	return r
}

func (r *MemoryRepo) CreateJob(ctx context.Context, job *models.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[job.ID]; ok {
		return ErrJobAlreadyExists
	}

	now := r.now()
	stored := models.NewJob(job.ID, job.SourceURL, now)
	r.jobs[job.ID] = stored

	job.Status = stored.Status
	job.Progress = stored.Progress
	job.CreatedAt = now
	job.UpdatedAt = now
	return nil
}

func (r *MemoryRepo) UpdateJob(ctx context.Context, id string, update models.JobUpdate) error {
	if err := update.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return ErrJobNotFound
	}

	job.Apply(update, r.now())
	return nil
}

func (r *MemoryRepo) GetJob(ctx context.Context, id string) (*models.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

func (r *MemoryRepo) ListJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	jobs := make([]*models.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		jobs = append(jobs, job.Clone())
	}

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	if limit = clampLimit(limit); len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}
