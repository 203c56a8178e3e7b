package validation

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateSourceURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr error
	}{
		{"shorts", "https://www.youtube.com/shorts/dQw4w9WgXcQ", nil},
		{"shorts no www", "https://youtube.com/shorts/dQw4w9WgXcQ?feature=share", nil},
		{"short link", "https://youtu.be/dQw4w9WgXcQ", nil},
		{"empty", "   ", ErrEmptyURL},
		{"not a url", "dQw4w9WgXcQ", ErrMalformedURL},
		{"ftp", "ftp://youtu.be/dQw4w9WgXcQ", ErrMalformedURL},
		{"watch page", "https://www.youtube.com/watch?v=dQw4w9WgXcQ", ErrUnsupportedSource},
		{"short id", "https://youtu.be/abc", ErrUnsupportedSource},
		{"other host", "https://www.tiktok.com/@user/video/1234567890", ErrUnsupportedSource},
		{"too long", "https://youtu.be/" + strings.Repeat("a", maxURLLength), ErrURLTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSourceURL(tt.url)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateSourceURL(%q) = %v, want %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestExtractVideoID(t *testing.T) {
	id, err := ExtractVideoID("https://youtu.be/dQw4w9WgXcQ?t=3")
	if err != nil {
		t.Fatalf("ExtractVideoID failed: %v", err)
	}
	if id != "dQw4w9WgXcQ" {
		t.Errorf("Expected dQw4w9WgXcQ, got %s", id)
	}

	id, err = ExtractVideoID("https://www.youtube.com/shorts/a_b-c1234XY")
	if err != nil {
		t.Fatalf("ExtractVideoID failed: %v", err)
	}
	if id != "a_b-c1234XY" {
		t.Errorf("Expected a_b-c1234XY, got %s", id)
	}

	if _, err := ExtractVideoID("https://example.com/video"); !errors.Is(err, ErrUnsupportedSource) {
		t.Errorf("Expected ErrUnsupportedSource, got %v", err)
	}
}

func TestValidateJobID(t *testing.T) {
	if err := ValidateJobID("7f0c2a5e-job_1"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	for _, id := range []string{"", "has space", "slash/id", strings.Repeat("x", 65)} {
		if err := ValidateJobID(id); !errors.Is(err, ErrInvalidJobID) {
			t.Errorf("ValidateJobID(%q) = %v, want ErrInvalidJobID", id, err)
		}
	}
}
