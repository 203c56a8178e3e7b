package dto

import (
	"time"

	"shortsDownloader/models"
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeDuplicateID      = "DUPLICATE_ID"
	CodeNotFound         = "NOT_FOUND"
	CodeQueueUnavailable = "QUEUE_UNAVAILABLE"
	CodeInternal         = "INTERNAL_ERROR"
)

type SubmitRequest struct {
	URL   string `json:"url"`
	JobID string `json:"jobId,omitempty"`
}

type SubmitResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

type JobResponse struct {
	JobID        string           `json:"jobId"`
	SourceURL    string           `json:"sourceUrl"`
	Status       string           `json:"status"`
	Progress     int              `json:"progress"`
	Metadata     *models.Metadata `json:"metadata,omitempty"`
	ResultURL    string           `json:"resultUrl,omitempty"`
	PosterURL    string           `json:"posterUrl,omitempty"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
	CreatedAt    string           `json:"createdAt"`
	UpdatedAt    string           `json:"updatedAt"`
}

type HistoryResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

func NewJobResponse(job *models.Job) JobResponse {
	return JobResponse{
		JobID:        job.ID,
		SourceURL:    job.SourceURL,
		Status:       string(job.Status),
		Progress:     job.Progress,
		Metadata:     job.Metadata,
		ResultURL:    job.ResultURL,
		PosterURL:    job.PosterURL,
		ErrorMessage: job.ErrorMessage,
		CreatedAt:    job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    job.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
