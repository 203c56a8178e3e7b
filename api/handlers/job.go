package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"shortsDownloader/api/dto"
	"shortsDownloader/api/middleware"
	"shortsDownloader/api/service"
	"shortsDownloader/models"
	"shortsDownloader/repository"
)

const maxBodyBytes = 16 << 10

type JobService interface {
	Submit(ctx context.Context, traceID, sourceURL, jobID string) (*models.Job, error)
	Status(ctx context.Context, jobID string) (*models.Job, error)
	History(ctx context.Context, limit int) ([]*models.Job, error)
}

type JobHandler struct {
	service JobService
	logger  *zap.Logger
}

func NewJobHandler(service JobService, logger *zap.Logger) *JobHandler {
	return &JobHandler{
		service: service,
		logger:  logger,
	}
}

// Register mounts the job routes on r.
func (h *JobHandler) Register(r *mux.Router) {
	r.HandleFunc("/api/download", h.Submit).Methods(http.MethodPost)
	r.HandleFunc("/api/status/{jobId}", h.Status).Methods(http.MethodGet)
	r.HandleFunc("/api/history", h.History).Methods(http.MethodGet)
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
}

func (h *JobHandler) Submit(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())

	var req dto.SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.handleError(w, "Invalid request body", dto.CodeValidation, err, traceID, http.StatusBadRequest)
		return
	}

	job, err := h.service.Submit(r.Context(), traceID, req.URL, req.JobID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrValidation):
			h.handleError(w, validationMessage(err), dto.CodeValidation, err, traceID, http.StatusBadRequest)
		case errors.Is(err, repository.ErrJobAlreadyExists):
			h.handleError(w, "Job ID already exists", dto.CodeDuplicateID, err, traceID, http.StatusConflict)
		case errors.Is(err, service.ErrQueueUnavailable):
			h.handleError(w, "Failed to queue job", dto.CodeQueueUnavailable, err, traceID, http.StatusServiceUnavailable)
		default:
			h.handleError(w, "Failed to create job", dto.CodeInternal, err, traceID, http.StatusInternalServerError)
		}
		return
	}

	h.logger.Info("Download requested",
		zap.String("trace_id", traceID),
		zap.String("job_id", job.ID),
	)

	h.respondJSON(w, http.StatusAccepted, dto.SubmitResponse{
		JobID:  job.ID,
		Status: string(job.Status),
	})
}

func (h *JobHandler) Status(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())
	jobID := mux.Vars(r)["jobId"]

	job, err := h.service.Status(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			h.handleError(w, "Job not found", dto.CodeNotFound, err, traceID, http.StatusNotFound)
			return
		}
		h.handleError(w, "Failed to get job status", dto.CodeInternal, err, traceID, http.StatusInternalServerError)
		return
	}

	h.respondJSON(w, http.StatusOK, dto.NewJobResponse(job))
}

func (h *JobHandler) History(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())

	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.handleError(w, "limit must be a positive integer", dto.CodeValidation, err, traceID, http.StatusBadRequest)
			return
		}
		limit = min(n, repository.MaxListLimit)
	}

	jobs, err := h.service.History(r.Context(), limit)
	if err != nil {
		h.handleError(w, "Failed to list jobs", dto.CodeInternal, err, traceID, http.StatusInternalServerError)
		return
	}

	resp := dto.HistoryResponse{Jobs: make([]dto.JobResponse, 0, len(jobs))}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, dto.NewJobResponse(job))
	}
	h.respondJSON(w, http.StatusOK, resp)
}

func (h *JobHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// validationMessage exposes the validator's reason without the wrapper prefix.
func validationMessage(err error) string {
	return strings.TrimPrefix(err.Error(), service.ErrValidation.Error()+": ")
}

func (h *JobHandler) handleError(w http.ResponseWriter, message, code string, err error, traceID string, status int) {
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, zap.String("trace_id", traceID), zap.Error(err))
	} else {
		h.logger.Info(message, zap.String("trace_id", traceID), zap.Error(err))
	}

	h.respondJSON(w, status, dto.ErrorResponse{
		Error:   message,
		Code:    code,
		TraceID: traceID,
	})
}

func (h *JobHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
