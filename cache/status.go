package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"shortsDownloader/models"
)

const (
	statusKeyPrefix = "job:status:"
	statusTTL       = 10 * time.Minute
)

var ErrCacheMiss = errors.New("cache miss")

// setIfNewerScript writes a snapshot unless the cached one is further along,
// so a slow writer holding an old read cannot roll a job back.
var setIfNewerScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
	local ok, snap = pcall(cjson.decode, cur)
	if ok and type(snap) == 'table' and tonumber(snap.rank) and tonumber(snap.rank) > tonumber(ARGV[2]) then
		return 0
	end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

// JobCache stores job snapshots for fast status reads. The job store remains
// the source of truth; cache writes are best effort. Set must not replace a
// snapshot whose status or progress is further along.
type JobCache interface {
	Get(ctx context.Context, jobID string) (*models.Job, error)
	Set(ctx context.Context, job *models.Job) error
	Delete(ctx context.Context, jobID string) error
}

type StatusCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStatusCache(client *redis.Client) *StatusCache {
	return &StatusCache{client: client, ttl: statusTTL}
}

type snapshot struct {
	ID           string           `json:"id"`
	SourceURL    string           `json:"sourceUrl"`
	Status       string           `json:"status"`
	Progress     int              `json:"progress"`
	Metadata     *models.Metadata `json:"metadata,omitempty"`
	ResultURL    string           `json:"resultUrl,omitempty"`
	PosterURL    string           `json:"posterUrl,omitempty"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
	Rank         int              `json:"rank"`
}

func rank(job *models.Job) int {
	return job.Status.Rank()*1000 + job.Progress
}

func (c *StatusCache) Get(ctx context.Context, jobID string) (*models.Job, error) {
	data, err := c.client.Get(ctx, statusKeyPrefix+jobID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}

	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode cached job %s: %w", jobID, err)
	}

	status, err := models.ParseJobStatus(s.Status)
	if err != nil {
		return nil, fmt.Errorf("cached job %s: %w", jobID, err)
	}

	return &models.Job{
		ID:           s.ID,
		SourceURL:    s.SourceURL,
		Status:       status,
		Progress:     s.Progress,
		Metadata:     s.Metadata,
		ResultURL:    s.ResultURL,
		PosterURL:    s.PosterURL,
		ErrorMessage: s.ErrorMessage,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}, nil
}

func (c *StatusCache) Set(ctx context.Context, job *models.Job) error {
	data, err := json.Marshal(snapshot{
		ID:           job.ID,
		SourceURL:    job.SourceURL,
		Status:       string(job.Status),
		Progress:     job.Progress,
		Metadata:     job.Metadata,
		ResultURL:    job.ResultURL,
		PosterURL:    job.PosterURL,
		ErrorMessage: job.ErrorMessage,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
		Rank:         rank(job),
	})
	if err != nil {
		return err
	}

	return setIfNewerScript.Run(ctx, c.client,
		[]string{statusKeyPrefix + job.ID},
		data, rank(job), c.ttl.Milliseconds(),
	).Err()
}

func (c *StatusCache) Delete(ctx context.Context, jobID string) error {
	return c.client.Del(ctx, statusKeyPrefix+jobID).Err()
}

// NopCache never stores anything. Used when Redis is not configured.
type NopCache struct{}

func (NopCache) Get(context.Context, string) (*models.Job, error) { return nil, ErrCacheMiss }
func (NopCache) Set(context.Context, *models.Job) error            { return nil }
func (NopCache) Delete(context.Context, string) error              { return nil }
