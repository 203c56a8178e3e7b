package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"shortsDownloader/models"
	"shortsDownloader/validation"
	"shortsDownloader/worker/pipeline"
)

const mediaFormat = "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best"

// stderr fragments after which another attempt cannot succeed.
var permanentMarkers = []string{
	"video unavailable",
	"private video",
	"has been removed",
	"account associated with this video has been terminated",
	"copyright",
	"not available in your country",
	"unsupported url",
	"this video is not available",
}

type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	err := cmd.Run()
	return out.Bytes(), stderr.Bytes(), err
}

// YtDlp fetches metadata and media with the yt-dlp binary. Media is
// downloaded into a fresh directory under workDir per call.
type YtDlp struct {
	binaryPath string
	workDir    string
	runner     commandRunner
	logger     *zap.Logger
}

func NewYtDlp(binaryPath, workDir string, logger *zap.Logger) *YtDlp {
	if binaryPath == "" {
		binaryPath = "yt-dlp"
	}
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &YtDlp{
		binaryPath: binaryPath,
		workDir:    workDir,
		runner:     execRunner{},
		logger:     logger,
	}
}

type videoInfo struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Thumbnail string  `json:"thumbnail"`
	Duration  float64 `json:"duration"`
	Height    int     `json:"height"`
	Filesize  int64   `json:"filesize"`
	Approx    int64   `json:"filesize_approx"`
}

func (y *YtDlp) ResolveAndFetchMetadata(ctx context.Context, videoID string) (*models.Metadata, error) {
	stdout, err := y.run(ctx, "probe", "--dump-json", "--no-playlist", "--no-warnings", validation.CanonicalURL(videoID))
	if err != nil {
		return nil, err
	}

	var info videoInfo
	if err := json.Unmarshal(stdout, &info); err != nil {
		return nil, pipeline.Transient("probe", fmt.Errorf("decode yt-dlp output: %w", err))
	}
	if info.ID == "" {
		info.ID = videoID
	}

	meta := &models.Metadata{
		ID:        info.ID,
		Title:     info.Title,
		Thumbnail: info.Thumbnail,
		Duration:  info.Duration,
	}
	if info.Height > 0 {
		meta.Quality = fmt.Sprintf("%dp", info.Height)
	}
	size := info.Filesize
	if size == 0 {
		size = info.Approx
	}
	if size > 0 {
		meta.FileSize = FormatFileSize(size)
	}
	return meta, nil
}

func (y *YtDlp) MaterializeMedia(ctx context.Context, videoID string) (*pipeline.Artifact, error) {
	if err := os.MkdirAll(y.workDir, 0o755); err != nil {
		return nil, pipeline.Transient("materialize", err)
	}
	dir, err := os.MkdirTemp(y.workDir, videoID+"-")
	if err != nil {
		return nil, pipeline.Transient("materialize", err)
	}

	art := &pipeline.Artifact{Dir: dir, ContentType: "video/mp4"}
	_, err = y.run(ctx, "materialize",
		"-f", mediaFormat,
		"--merge-output-format", "mp4",
		"--write-thumbnail", "--convert-thumbnails", "jpg",
		"--no-playlist", "--no-warnings",
		"-o", filepath.Join(dir, "video.%(ext)s"),
		validation.CanonicalURL(videoID),
	)
	if err != nil {
		y.Release(art)
		return nil, err
	}

	art.MediaPath = filepath.Join(dir, "video.mp4")
	stat, err := os.Stat(art.MediaPath)
	if err != nil {
		y.Release(art)
		return nil, pipeline.Transient("materialize", fmt.Errorf("downloaded file missing: %w", err))
	}
	art.Size = stat.Size()

	if thumb := filepath.Join(dir, "video.jpg"); fileExists(thumb) {
		art.ThumbnailPath = thumb
	}

	y.logger.Info("Media materialized",
		zap.String("video_id", videoID),
		zap.String("path", art.MediaPath),
		zap.Int64("size", art.Size),
	)
	return art, nil
}

func (y *YtDlp) Release(art *pipeline.Artifact) error {
	if art == nil || art.Dir == "" {
		return nil
	}
	return os.RemoveAll(art.Dir)
}

func (y *YtDlp) run(ctx context.Context, op string, args ...string) ([]byte, error) {
	stdout, stderr, err := y.runner.Run(ctx, y.binaryPath, args...)
	if err == nil {
		return stdout, nil
	}
	return nil, classify(ctx, op, err, stderr)
}

func classify(ctx context.Context, op string, err error, stderr []byte) error {
	msg := strings.TrimSpace(string(stderr))
	if msg == "" {
		msg = err.Error()
	}

	if ctx.Err() != nil {
		return pipeline.Transient(op, fmt.Errorf("yt-dlp interrupted: %w", ctx.Err()))
	}
	if errors.Is(err, exec.ErrNotFound) {
		return pipeline.Transient(op, fmt.Errorf("yt-dlp not installed: %w", err))
	}

	lower := strings.ToLower(msg)
	for _, marker := range permanentMarkers {
		if strings.Contains(lower, marker) {
			return pipeline.Permanent(op, errors.New(lastLine(msg)))
		}
	}
	return pipeline.Transient(op, fmt.Errorf("yt-dlp failed: %s", lastLine(msg)))
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// FormatFileSize renders a byte count the way the job metadata shows it.
func FormatFileSize(bytes int64) string {
	if bytes <= 0 {
		return "0 Bytes"
	}
	sizes := []string{"Bytes", "KB", "MB", "GB"}
	i := int(math.Floor(math.Log(float64(bytes)) / math.Log(1024)))
	if i >= len(sizes) {
		i = len(sizes) - 1
	}
	value := float64(bytes) / math.Pow(1024, float64(i))
	return fmt.Sprintf("%s %s", trimFloat(math.Round(value*100)/100), sizes[i])
}

func trimFloat(v float64) string {
	s := fmt.Sprintf("%.2f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
