package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"shortsDownloader/models"
)

func newTestCache(t *testing.T) (*StatusCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStatusCache(client), mr
}

func TestStatusCache_RoundTrip(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	if _, err := c.Get(ctx, "job-1"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Expected ErrCacheMiss, got %v", err)
	}

	created := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	job := &models.Job{
		ID:        "job-1",
		SourceURL: "https://youtu.be/abcdefghijk",
		Status:    models.StatusProcessing,
		Progress:  30,
		Metadata:  &models.Metadata{ID: "abcdefghijk", Title: "Clip"},
		CreatedAt: created,
		UpdatedAt: created,
	}
	if err := c.Set(ctx, job); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := c.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.StatusProcessing || got.Progress != 30 || got.Metadata.Title != "Clip" || !got.CreatedAt.Equal(created) {
		t.Errorf("unexpected snapshot %+v", got)
	}

	if ttl := mr.TTL(statusKeyPrefix + "job-1"); ttl <= 0 || ttl > statusTTL {
		t.Errorf("Expected ttl within %v, got %v", statusTTL, ttl)
	}
}

func TestStatusCache_SetNeverMovesBackwards(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	steps := []struct {
		status   models.JobStatus
		progress int
		want     string
	}{
		{models.StatusQueued, 0, "queued/0"},
		{models.StatusProcessing, 30, "processing/30"},
		{models.StatusProcessing, 10, "processing/30"},
		{models.StatusCompleted, 100, "completed/100"},
		{models.StatusProcessing, 90, "completed/100"},
		{models.StatusQueued, 0, "completed/100"},
	}

	for i, step := range steps {
		if err := c.Set(ctx, &models.Job{ID: "job-1", Status: step.status, Progress: step.progress}); err != nil {
			t.Fatalf("step %d: Set failed: %v", i, err)
		}
		got, err := c.Get(ctx, "job-1")
		if err != nil {
			t.Fatalf("step %d: Get failed: %v", i, err)
		}
		if s := fmt.Sprintf("%s/%d", got.Status, got.Progress); s != step.want {
			t.Errorf("step %d: cached %s, want %s", i, s, step.want)
		}
	}
}

func TestStatusCache_SameRankOverwrites(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_ = c.Set(ctx, &models.Job{ID: "job-1", Status: models.StatusProcessing, Progress: 70})
	_ = c.Set(ctx, &models.Job{ID: "job-1", Status: models.StatusProcessing, Progress: 70, SourceURL: "https://youtu.be/zzzzzzzzzzz"})

	got, _ := c.Get(ctx, "job-1")
	if got.SourceURL == "" {
		t.Error("Expected equal-rank snapshot to replace the cached one")
	}
}

func TestStatusCache_Delete(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_ = c.Set(ctx, &models.Job{ID: "job-1", Status: models.StatusCompleted, Progress: 100})
	if err := c.Delete(ctx, "job-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := c.Get(ctx, "job-1"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected ErrCacheMiss after delete, got %v", err)
	}
}

func TestStatusCache_RejectsUnknownStatus(t *testing.T) {
	c, mr := newTestCache(t)

	mr.Set(statusKeyPrefix+"job-1", `{"id":"job-1","status":"paused","progress":5}`)
	if _, err := c.Get(context.Background(), "job-1"); err == nil {
		t.Error("Expected error for unknown cached status")
	}
}
