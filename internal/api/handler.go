package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/djlord-it/cronqueue/internal/registry"
)

// Registry is the job lifecycle the handler exposes.
type Registry interface {
	CreateJob(ctx context.Context, in registry.CreateJobInput) (registry.JobSummary, error)
	ListJobs() []registry.JobSummary
	GetJob(ctx context.Context, triggerID string) (registry.JobDetail, error)
	DeleteJob(ctx context.Context, triggerID string) error
}

// CronValidator is the request-level cron check.
type CronValidator interface {
	Validate(expression string) error
}

// HealthChecker provides database health status for the /healthcheck endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type Handler struct {
	registry  Registry
	validator CronValidator
	db        HealthChecker
	metrics   MetricsSink
	router    *mux.Router
}

func NewHandler(reg Registry, validator CronValidator) *Handler {
	h := &Handler{
		registry:  reg,
		validator: validator,
		router:    mux.NewRouter(),
	}
	h.registerRoutes()
	return h
}

// WithHealthChecker sets the database health checker for verbose /healthcheck responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

// WithMetrics attaches a metrics sink for request metrics.
func (h *Handler) WithMetrics(sink MetricsSink) *Handler {
	h.metrics = sink
	return h
}

func (h *Handler) registerRoutes() {
	h.router.Use(h.observe)

	h.router.HandleFunc("/healthcheck", h.health).Methods(http.MethodGet)
	h.router.HandleFunc("/jobs", h.listJobs).Methods(http.MethodGet)
	h.router.HandleFunc("/jobs", h.createJob).Methods(http.MethodPost)
	h.router.HandleFunc("/jobs/{job_id}", h.getJob).Methods(http.MethodGet)
	h.router.HandleFunc("/jobs/{job_id}", h.deleteJob).Methods(http.MethodDelete)

	h.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not Found")
	})
	h.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	})
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// HealthResponse is the verbose /healthcheck response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	// Check if verbose mode requested via ?verbose=true
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || h.db == nil {
		writeJSON(w, http.StatusOK, "ok")
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	// Check database connectivity with timeout
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["database"] = "healthy"
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

func (h *Handler) createJob(w http.ResponseWriter, r *http.Request) {
	// Limit request body size to prevent DoS via large payloads
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusUnprocessableEntity, "invalid json")
		return
	}

	if err := validateCreateJob(req, h.validator); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	job, err := h.registry.CreateJob(r.Context(), registry.CreateJobInput{
		Name:   req.Name,
		Cron:   req.Cron,
		Fields: req.JobFields,
	})
	if err != nil {
		if errors.Is(err, registry.ErrDuplicateName) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Job name '%s' already exists", req.Name))
			return
		}
		log.Printf("api: create job error: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, toJobResponse(job))
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.registry.ListJobs()

	resp := make([]JobResponse, len(jobs))
	for i, job := range jobs {
		resp[i] = toJobResponse(job)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]

	job, err := h.registry.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Job not found")
			return
		}
		log.Printf("api: get job error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	resp := SingleJobResponse{
		JobID:     job.JobID,
		Name:      job.Name,
		Cron:      job.Cron,
		LastRunAt: formatOptionalTime(job.LastRunAt),
		NextRunAt: formatOptionalTime(&job.NextRunAt),
		JobFields: job.Fields,
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) deleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]

	if err := h.registry.DeleteJob(r.Context(), jobID); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Job not found")
			return
		}
		log.Printf("api: delete job error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to delete job")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func toJobResponse(job registry.JobSummary) JobResponse {
	fields := job.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	return JobResponse{
		ID:        job.ID,
		Name:      job.Name,
		Cron:      job.Cron,
		JobFields: fields,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Detail: msg})
}
