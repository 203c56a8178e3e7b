package validation

import (
	"net/url"
	"regexp"
	"strings"
)

var shortsPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^https?://(?:www\.|m\.)?youtube\.com/shorts/([a-zA-Z0-9_-]{11})(?:\?.*)?$`),
	regexp.MustCompile(`^https?://youtu\.be/([a-zA-Z0-9_-]{11})(?:\?.*)?$`),
}

const maxURLLength = 2048

// ValidateSourceURL checks the submitted URL against the accepted shorts shapes.
func ValidateSourceURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ErrEmptyURL
	}
	if len(raw) > maxURLLength {
		return ErrURLTooLong
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ErrMalformedURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ErrMalformedURL
	}

	if _, ok := matchVideoID(raw); !ok {
		return ErrUnsupportedSource
	}
	return nil
}

// ExtractVideoID returns the canonical 11 character video id for a shorts URL.
func ExtractVideoID(raw string) (string, error) {
	id, ok := matchVideoID(strings.TrimSpace(raw))
	if !ok {
		return "", ErrUnsupportedSource
	}
	return id, nil
}

// CanonicalURL rebuilds a fetchable URL from a video id.
func CanonicalURL(videoID string) string {
	return "https://www.youtube.com/shorts/" + videoID
}

func matchVideoID(raw string) (string, bool) {
	for _, pattern := range shortsPatterns {
		if m := pattern.FindStringSubmatch(raw); m != nil {
			return m[1], true
		}
	}
	return "", false
}
