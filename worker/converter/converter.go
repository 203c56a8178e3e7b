package converter

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

// Shorts are vertical, so posters default to 9:16.
const (
	DefaultPosterWidth  = 720
	DefaultPosterHeight = 1280
	posterQuality       = 85
)

type Converter struct {
	width  int
	height int
	logger *zap.Logger
}

func NewConverter(width, height int, logger *zap.Logger) *Converter {
	if width <= 0 {
		width = DefaultPosterWidth
	}
	if height <= 0 {
		height = DefaultPosterHeight
	}
	return &Converter{width: width, height: height, logger: logger}
}

// Poster crops and scales the thumbnail to the poster size and writes a JPEG
// next to it. The returned path lives in the same directory as the input,
// so it is removed together with the artifact.
func (c *Converter) Poster(ctx context.Context, thumbnailPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	src, err := imaging.Open(thumbnailPath, imaging.AutoOrientation(true))
	if err != nil {
		c.logger.Error("Failed to open thumbnail",
			zap.String("path", thumbnailPath),
			zap.Error(err),
		)
		return "", fmt.Errorf("failed to open thumbnail: %w", err)
	}

	poster := imaging.Fill(src, c.width, c.height, imaging.Center, imaging.Lanczos)

	outputPath := filepath.Join(filepath.Dir(thumbnailPath), "poster.jpg")
	if err := imaging.Save(poster, outputPath, imaging.JPEGQuality(posterQuality)); err != nil {
		c.logger.Error("Failed to save poster",
			zap.String("path", outputPath),
			zap.Error(err),
		)
		return "", fmt.Errorf("failed to save poster: %w", err)
	}

	c.logger.Debug("Poster rendered",
		zap.String("output", outputPath),
		zap.Int("width", c.width),
		zap.Int("height", c.height),
	)
	return outputPath, nil
}
