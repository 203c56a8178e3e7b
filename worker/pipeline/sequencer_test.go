package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"shortsDownloader/models"
	"shortsDownloader/repository"
)

const testURL = "https://www.youtube.com/shorts/abcdefghijk"

type recordingRepo struct {
	*repository.MemoryRepo

	mu      sync.Mutex
	history []models.Job
}

func newRecordingRepo() *recordingRepo {
	return &recordingRepo{MemoryRepo: repository.NewMemoryRepo()}
}

func (r *recordingRepo) UpdateJob(ctx context.Context, id string, update models.JobUpdate) error {
	if err := r.MemoryRepo.UpdateJob(ctx, id, update); err != nil {
		return err
	}
	job, _ := r.MemoryRepo.GetJob(ctx, id)
	r.mu.Lock()
	r.history = append(r.history, *job)
	r.mu.Unlock()
	return nil
}

func (r *recordingRepo) progress() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	last := -1
	for _, j := range r.history {
		if j.Progress != last {
			out = append(out, j.Progress)
			last = j.Progress
		}
	}
	return out
}

type fakeFetcher struct {
	probeFn       func(ctx context.Context, videoID string) (*models.Metadata, error)
	materializeFn func(ctx context.Context, videoID string) (*Artifact, error)

	mu       sync.Mutex
	probes   int
	fetches  int
	released []*Artifact
}

func (f *fakeFetcher) ResolveAndFetchMetadata(ctx context.Context, videoID string) (*models.Metadata, error) {
	f.mu.Lock()
	f.probes++
	f.mu.Unlock()
	if f.probeFn != nil {
		return f.probeFn(ctx, videoID)
	}
	return &models.Metadata{ID: videoID, Title: "Clip", Duration: 12}, nil
}

func (f *fakeFetcher) MaterializeMedia(ctx context.Context, videoID string) (*Artifact, error) {
	f.mu.Lock()
	f.fetches++
	f.mu.Unlock()
	if f.materializeFn != nil {
		return f.materializeFn(ctx, videoID)
	}
	return &Artifact{Dir: "/tmp/" + videoID, MediaPath: "/tmp/" + videoID + "/video.mp4", ContentType: "video/mp4"}, nil
}

func (f *fakeFetcher) Release(art *Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, art)
	return nil
}

type fakePublisher struct {
	publishFn func(ctx context.Context, key string, file PublishFile) (string, error)

	mu        sync.Mutex
	objects   map[string]bool
	published map[string]int
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{objects: make(map[string]bool), published: make(map[string]int)}
}

func (p *fakePublisher) Lookup(ctx context.Context, key string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.objects[key] {
		return "https://signed/" + key, true, nil
	}
	return "", false, nil
}

func (p *fakePublisher) Publish(ctx context.Context, key string, file PublishFile) (string, error) {
	if p.publishFn != nil {
		if _, err := p.publishFn(ctx, key, file); err != nil {
			return "", err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.objects[key] = true
	p.published[key]++
	return "https://signed/" + key, nil
}

func (p *fakePublisher) count(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published[key]
}

func createJob(t *testing.T, repo repository.Repository, id, url string) {
	t.Helper()
	if err := repo.CreateJob(context.Background(), &models.Job{ID: id, SourceURL: url}); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
}

func newTestSequencer(t *testing.T, repo repository.Repository, f Fetcher, p Publisher) *Sequencer {
	return NewSequencer(Config{Repo: repo, Fetcher: f, Publisher: p}, zaptest.NewLogger(t))
}

func TestSequencer_CompletesJob(t *testing.T) {
	repo := newRecordingRepo()
	fetcher := &fakeFetcher{}
	publisher := newFakePublisher()
	createJob(t, repo, "job-1", testURL)

	job, err := newTestSequencer(t, repo, fetcher, publisher).Run(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if job.Status != models.StatusCompleted || job.Progress != 100 {
		t.Errorf("Expected completed/100, got %s/%d", job.Status, job.Progress)
	}

	stored, _ := repo.GetJob(context.Background(), "job-1")
	if stored.ResultURL != "https://signed/shorts/abcdefghijk.mp4" {
		t.Errorf("unexpected result url %q", stored.ResultURL)
	}
	if stored.ErrorMessage != "" {
		t.Errorf("Expected no error message, got %q", stored.ErrorMessage)
	}
	if stored.Metadata == nil || stored.Metadata.Title != "Clip" {
		t.Errorf("Expected metadata to be stored, got %+v", stored.Metadata)
	}

	want := []int{0, 10, 30, 70, 90, 100}
	got := repo.progress()
	if len(got) != len(want) {
		t.Fatalf("Expected progress %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected progress %v, got %v", want, got)
		}
	}

	if len(fetcher.released) != 1 {
		t.Errorf("Expected artifact released once, got %d", len(fetcher.released))
	}
}

func TestSequencer_ResultURLOnlySetOnCompletion(t *testing.T) {
	repo := newRecordingRepo()
	createJob(t, repo, "job-1", testURL)

	if _, err := newTestSequencer(t, repo, &fakeFetcher{}, newFakePublisher()).Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for _, j := range repo.history {
		if j.ResultURL != "" && j.Status != models.StatusCompleted {
			t.Errorf("resultUrl visible while status is %s", j.Status)
		}
	}
}

func TestSequencer_TerminalJobIsNoop(t *testing.T) {
	repo := newRecordingRepo()
	fetcher := &fakeFetcher{}
	publisher := newFakePublisher()
	createJob(t, repo, "job-1", testURL)

	seq := newTestSequencer(t, repo, fetcher, publisher)
	if _, err := seq.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	updates := len(repo.history)

	job, err := seq.Run(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if job.Status != models.StatusCompleted {
		t.Errorf("Expected completed, got %s", job.Status)
	}
	if len(repo.history) != updates {
		t.Errorf("Expected no writes for terminal job, got %d extra", len(repo.history)-updates)
	}
	if fetcher.fetches != 1 || publisher.count("shorts/abcdefghijk.mp4") != 1 {
		t.Errorf("Expected a single fetch and publish, got %d/%d", fetcher.fetches, publisher.count("shorts/abcdefghijk.mp4"))
	}
}

func TestSequencer_RedeliveryAfterPublishDoesNotRepublish(t *testing.T) {
	repo := newRecordingRepo()
	fetcher := &fakeFetcher{}
	publisher := newFakePublisher()
	createJob(t, repo, "job-1", testURL)

	// State left behind by a worker that crashed after publishing.
	processing := models.StatusProcessing
	progress := ProgressPublished
	_ = repo.UpdateJob(context.Background(), "job-1", models.JobUpdate{
		Status:   &processing,
		Progress: &progress,
		Metadata: &models.Metadata{ID: "abcdefghijk", Title: "Clip"},
	})
	publisher.objects["shorts/abcdefghijk.mp4"] = true

	job, err := newTestSequencer(t, repo, fetcher, publisher).Run(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if job.Status != models.StatusCompleted || job.ResultURL == "" {
		t.Errorf("Expected completed job with result, got %+v", job)
	}
	if fetcher.probes != 0 {
		t.Errorf("Expected probe to be skipped, got %d probes", fetcher.probes)
	}
	if fetcher.fetches != 0 {
		t.Errorf("Expected fetch to be skipped, got %d fetches", fetcher.fetches)
	}
	if n := publisher.count("shorts/abcdefghijk.mp4"); n != 0 {
		t.Errorf("Expected no new publish, got %d", n)
	}
}

func TestSequencer_InvalidSourceIsPermanent(t *testing.T) {
	repo := newRecordingRepo()
	fetcher := &fakeFetcher{}
	createJob(t, repo, "job-1", "https://example.com/watch?v=1")

	_, err := newTestSequencer(t, repo, fetcher, newFakePublisher()).Run(context.Background(), "job-1")
	if !errors.Is(err, ErrInvalidSource) {
		t.Fatalf("Expected ErrInvalidSource, got %v", err)
	}
	if !IsPermanent(err) {
		t.Error("Expected invalid source to be permanent")
	}
	if stage, ok := FailedStage(err); !ok || stage != StageResolve {
		t.Errorf("Expected failure in resolve, got %q", stage)
	}
	if fetcher.probes != 0 {
		t.Error("Expected no probe after resolve failure")
	}

	stored, _ := repo.GetJob(context.Background(), "job-1")
	if stored.Status != models.StatusProcessing || stored.Progress != 0 {
		t.Errorf("Expected processing/0, got %s/%d", stored.Status, stored.Progress)
	}
}

func TestSequencer_ReleasesArtifactOnPublishFailure(t *testing.T) {
	repo := newRecordingRepo()
	fetcher := &fakeFetcher{}
	publisher := newFakePublisher()
	publisher.publishFn = func(ctx context.Context, key string, file PublishFile) (string, error) {
		return "", Transient("put object", errors.New("connection reset"))
	}
	createJob(t, repo, "job-1", testURL)

	_, err := newTestSequencer(t, repo, fetcher, publisher).Run(context.Background(), "job-1")
	if err == nil {
		t.Fatal("Expected publish error")
	}
	if IsPermanent(err) {
		t.Error("Expected transient classification")
	}
	if stage, _ := FailedStage(err); stage != StagePublish {
		t.Errorf("Expected failure in publish, got %q", stage)
	}
	if len(fetcher.released) != 1 {
		t.Errorf("Expected artifact released on failure, got %d", len(fetcher.released))
	}

	stored, _ := repo.GetJob(context.Background(), "job-1")
	if stored.Progress != ProgressMaterialized || stored.ErrorMessage != "" {
		t.Errorf("Expected progress 70 without error message, got %d %q", stored.Progress, stored.ErrorMessage)
	}
}

func TestSequencer_PermanentProbeError(t *testing.T) {
	repo := newRecordingRepo()
	fetcher := &fakeFetcher{
		probeFn: func(ctx context.Context, videoID string) (*models.Metadata, error) {
			return nil, Permanent("probe", errors.New("video unavailable"))
		},
	}
	createJob(t, repo, "job-1", testURL)

	_, err := newTestSequencer(t, repo, fetcher, newFakePublisher()).Run(context.Background(), "job-1")
	if !IsPermanent(err) {
		t.Fatalf("Expected permanent error, got %v", err)
	}
	if fetcher.fetches != 0 {
		t.Error("Expected no materialize after probe failure")
	}
	if got := err.Error(); got != "probe: video unavailable" {
		t.Errorf("Expected stage named once, got %q", got)
	}
}

func TestStageError_Message(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"op matches stage", &StageError{Stage: StageProbe, Err: Permanent("probe", errors.New("private"))}, "probe: private"},
		{"other op", &StageError{Stage: StagePublish, Err: Transient("put object", errors.New("slow down"))}, "publish: put object: slow down"},
		{"plain error", &StageError{Stage: StageMaterialize, Err: errors.New("disk full")}, "materialize: disk full"},
	}

	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}

type fakePoster struct {
	posterFn func(ctx context.Context, thumbnailPath string) (string, error)
}

func (p *fakePoster) Poster(ctx context.Context, thumbnailPath string) (string, error) {
	return p.posterFn(ctx, thumbnailPath)
}

func TestSequencer_PosterIsBestEffort(t *testing.T) {
	tests := []struct {
		name       string
		posterErr  error
		wantPoster string
	}{
		{"rendered", nil, "https://signed/posters/abcdefghijk.jpg"},
		{"render fails", errors.New("decode thumbnail"), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newRecordingRepo()
			fetcher := &fakeFetcher{
				materializeFn: func(ctx context.Context, videoID string) (*Artifact, error) {
					return &Artifact{MediaPath: "/tmp/v.mp4", ThumbnailPath: "/tmp/v.jpg"}, nil
				},
			}
			poster := &fakePoster{posterFn: func(ctx context.Context, thumbnailPath string) (string, error) {
				if tt.posterErr != nil {
					return "", tt.posterErr
				}
				return "/tmp/poster.jpg", nil
			}}
			createJob(t, repo, "job-1", testURL)

			seq := NewSequencer(Config{Repo: repo, Fetcher: fetcher, Publisher: newFakePublisher(), Poster: poster}, zaptest.NewLogger(t))
			job, err := seq.Run(context.Background(), "job-1")
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if job.Status != models.StatusCompleted {
				t.Errorf("Expected completed, got %s", job.Status)
			}
			if job.PosterURL != tt.wantPoster {
				t.Errorf("Expected poster %q, got %q", tt.wantPoster, job.PosterURL)
			}
		})
	}
}

func TestSequencer_UnknownJob(t *testing.T) {
	_, err := newTestSequencer(t, newRecordingRepo(), &fakeFetcher{}, newFakePublisher()).Run(context.Background(), "missing")
	if !errors.Is(err, repository.ErrJobNotFound) {
		t.Errorf("Expected ErrJobNotFound, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"plain error", errors.New("boom"), KindTransient},
		{"transient", Transient("op", errors.New("timeout")), KindTransient},
		{"permanent", Permanent("op", errors.New("removed")), KindPermanent},
		{"wrapped permanent", &StageError{Stage: StageProbe, Err: Permanent("op", errors.New("private"))}, KindPermanent},
		{"invalid source", ErrInvalidSource, KindPermanent},
		{"deadline", context.DeadlineExceeded, KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}
