package models

import (
	"fmt"
	"time"
)

type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// ParseJobStatus accepts only the four known statuses.
func ParseJobStatus(s string) (JobStatus, error) {
	status := JobStatus(s)
	if !status.Valid() {
		return "", fmt.Errorf("unknown job status %q", s)
	}
	return status, nil
}

func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Rank orders statuses along the lifecycle. Both terminal statuses share
// the highest rank.
func (s JobStatus) Rank() int {
	switch s {
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return 0
	}
}

// CanTransition reports whether a job may move from one status to another.
// processing -> processing is allowed so that redelivered messages can resume.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case StatusQueued:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusProcessing || to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

type Metadata struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Thumbnail string  `json:"thumbnail"`
	Duration  float64 `json:"duration"`
	FileSize  string  `json:"fileSize,omitempty"`
	Quality   string  `json:"quality,omitempty"`
}

type Job struct {
	ID           string
	SourceURL    string
	Status       JobStatus
	Progress     int
	Metadata     *Metadata
	ResultURL    string
	PosterURL    string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// JobUpdate is a partial update. Nil fields are left untouched.
type JobUpdate struct {
	Status       *JobStatus
	Progress     *int
	Metadata     *Metadata
	ResultURL    *string
	PosterURL    *string
	ErrorMessage *string
}

func (u JobUpdate) IsEmpty() bool {
	return u.Status == nil && u.Progress == nil && u.Metadata == nil &&
		u.ResultURL == nil && u.PosterURL == nil && u.ErrorMessage == nil
}

// Validate rejects values that can never be stored.
func (u JobUpdate) Validate() error {
	if u.Status != nil && !u.Status.Valid() {
		return fmt.Errorf("unknown job status %q", *u.Status)
	}
	if u.Progress != nil && (*u.Progress < 0 || *u.Progress > 100) {
		return fmt.Errorf("progress %d out of range", *u.Progress)
	}
	return nil
}

// Apply copies the set fields of u onto j and refreshes UpdatedAt.
func (j *Job) Apply(u JobUpdate, now time.Time) {
	if u.Status != nil {
		j.Status = *u.Status
	}
	if u.Progress != nil {
		j.Progress = *u.Progress
	}
	if u.Metadata != nil {
		meta := *u.Metadata
		j.Metadata = &meta
	}
	if u.ResultURL != nil {
		j.ResultURL = *u.ResultURL
	}
	if u.PosterURL != nil {
		j.PosterURL = *u.PosterURL
	}
	if u.ErrorMessage != nil {
		j.ErrorMessage = *u.ErrorMessage
	}
	j.UpdatedAt = now
}

// Clone returns a deep copy so callers never share Metadata.
func (j *Job) Clone() *Job {
	c := *j
	if j.Metadata != nil {
		meta := *j.Metadata
		c.Metadata = &meta
	}
	return &c
}

// NewJob builds a job in its initial queued state.
func NewJob(id, sourceURL string, now time.Time) *Job {
	return &Job{
		ID:        id,
		SourceURL: sourceURL,
		Status:    StatusQueued,
		Progress:  0,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
