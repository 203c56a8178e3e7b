package validation

import "errors"

var (
	ErrEmptyURL          = errors.New("url is required")
	ErrURLTooLong        = errors.New("url exceeds maximum length")
	ErrMalformedURL      = errors.New("url is malformed")
	ErrUnsupportedSource = errors.New("please provide a valid YouTube Shorts URL")
	ErrInvalidJobID      = errors.New("job id must be 1-64 characters of [A-Za-z0-9_-]")
)
