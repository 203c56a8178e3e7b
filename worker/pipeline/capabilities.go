package pipeline

import (
	"context"

	"shortsDownloader/models"
)

// Artifact is a materialized media file on local disk. It is owned by the
// fetcher that produced it and must be handed back through Release.
type Artifact struct {
	Dir           string
	MediaPath     string
	ThumbnailPath string
	ContentType   string
	Size          int64
}

type Fetcher interface {
	ResolveAndFetchMetadata(ctx context.Context, videoID string) (*models.Metadata, error)
	MaterializeMedia(ctx context.Context, videoID string) (*Artifact, error)
	Release(art *Artifact) error
}

type PublishFile struct {
	Path         string
	ContentType  string
	DownloadName string
}

// Publisher stores artifacts under deterministic keys and returns signed
// download URLs.
type Publisher interface {
	Lookup(ctx context.Context, key string) (url string, found bool, err error)
	Publish(ctx context.Context, key string, file PublishFile) (string, error)
}

// PosterRenderer turns a thumbnail into a poster image and returns its path.
type PosterRenderer interface {
	Poster(ctx context.Context, thumbnailPath string) (string, error)
}

func MediaKey(videoID string) string {
	return "shorts/" + videoID + ".mp4"
}

func PosterKey(videoID string) string {
	return "posters/" + videoID + ".jpg"
}
