package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go-accurate-puller/internal/model"
	"go-accurate-puller/internal/store"
	"go-accurate-puller/pkg/utils"
)

// JobReader is the read side of the job registry
type JobReader interface {
	ListJobs(ctx context.Context) ([]model.JobSummary, error)
	GetJob(ctx context.Context, jobID string) (*model.JobDetail, error)
	GetJobErrors(ctx context.Context, jobID string) ([]model.JobError, error)
	GetReport(ctx context.Context, jobID string) (*model.JobReport, error)
}

// LiveReport returns the report of the job running in this process, if any
type LiveReport func() (model.JobReport, bool)

// Handler serves the job registry and exported files
type Handler struct {
	jobs  JobReader
	files *utils.OutputManager
	live  LiveReport
	log   *slog.Logger
}

// New builds a Handler. files and live may be nil.
func New(jobs JobReader, files *utils.OutputManager, live LiveReport, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{jobs: jobs, files: files, live: live, log: log.With("component", "api")}
}

const jobsPrefix = "/api/v1/jobs/"

// jobIDFromPath extracts the job ID from /api/v1/jobs/{id}[/suffix]
func jobIDFromPath(path, suffix string) (string, bool) {
	if !strings.HasPrefix(path, jobsPrefix) || !strings.HasSuffix(path, suffix) {
		return "", false
	}
	id := path[len(jobsPrefix) : len(path)-len(suffix)]
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) fail(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, store.ErrJobNotFound) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	h.log.Error(what, "error", err)
	http.Error(w, "Failed to "+what, http.StatusInternalServerError)
}

// ListJobs retrieves all pull jobs
// @Summary List all jobs
// @Description Get every pull job known to the registry, newest first
// @Tags jobs
// @Produce json
// @Success 200 {array} model.JobSummary "List of jobs"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /jobs [get]
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.jobs.ListJobs(r.Context())
	if err != nil {
		h.fail(w, err, "fetch jobs")
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// GetJob retrieves one pull job
// @Summary Get job
// @Description Retrieve the settings and status of a pull job
// @Tags jobs
// @Produce json
// @Param id path string true "Job ID"
// @Success 200 {object} model.JobDetail "Job details"
// @Failure 400 {object} map[string]interface{} "Invalid job ID"
// @Failure 404 {object} map[string]interface{} "Job not found"
// @Router /jobs/{id} [get]
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDFromPath(r.URL.Path, "")
	if !ok {
		http.Error(w, "Job ID is required", http.StatusBadRequest)
		return
	}
	job, err := h.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		h.fail(w, err, "fetch job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// GetJobErrors retrieves errors for a job
// @Summary Get job errors
// @Description Retrieve the errors recorded while a job ran
// @Tags jobs
// @Produce json
// @Param id path string true "Job ID"
// @Success 200 {object} map[string]interface{} "Job errors"
// @Failure 400 {object} map[string]interface{} "Invalid job ID"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /jobs/{id}/errors [get]
func (h *Handler) GetJobErrors(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDFromPath(r.URL.Path, "/errors")
	if !ok {
		http.Error(w, "Job ID is required", http.StatusBadRequest)
		return
	}
	errs, err := h.jobs.GetJobErrors(r.Context(), jobID)
	if err != nil {
		h.fail(w, err, "retrieve errors")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id": jobID,
		"errors": errs,
		"count":  len(errs),
	})
}

// GetJobReport retrieves the report of a job
// @Summary Get job report
// @Description Endpoint stats, fallback tier counts and data-quality counts of a job
// @Tags jobs
// @Produce json
// @Param id path string true "Job ID"
// @Success 200 {object} model.JobReport "Job report"
// @Failure 400 {object} map[string]interface{} "Invalid job ID"
// @Failure 404 {object} map[string]interface{} "Report not found"
// @Router /jobs/{id}/report [get]
func (h *Handler) GetJobReport(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDFromPath(r.URL.Path, "/report")
	if !ok {
		http.Error(w, "Job ID is required", http.StatusBadRequest)
		return
	}
	if h.live != nil {
		if rep, running := h.live(); running && rep.JobID == jobID && rep.Status == model.StatusRunning {
			writeJSON(w, http.StatusOK, rep)
			return
		}
	}
	rep, err := h.jobs.GetReport(r.Context(), jobID)
	if err != nil {
		h.fail(w, err, "retrieve report")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// GetJobFiles lists the exported files of a job
// @Summary List job files
// @Description List the CSV exports written for a job
// @Tags files
// @Produce json
// @Param id path string true "Job ID"
// @Success 200 {object} map[string]interface{} "Job files"
// @Failure 400 {object} map[string]interface{} "Invalid job ID"
// @Router /jobs/{id}/files [get]
func (h *Handler) GetJobFiles(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDFromPath(r.URL.Path, "/files")
	if !ok || h.files == nil {
		http.Error(w, "Job ID is required", http.StatusBadRequest)
		return
	}
	files, err := h.files.ListJobFiles(jobID)
	if err != nil {
		h.fail(w, err, "list files")
		return
	}
	if files == nil {
		files = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id": jobID,
		"files":  files,
		"count":  len(files),
	})
}

// DownloadFile serves an exported file
// @Summary Download file
// @Description Download one CSV export of a job
// @Tags files
// @Produce application/octet-stream
// @Param jobID path string true "Job ID"
// @Param filename path string true "File name"
// @Success 200 {file} file "File download"
// @Failure 400 {object} map[string]interface{} "Invalid URL format"
// @Failure 404 {object} map[string]interface{} "File not found"
// @Router /download/{jobID}/{filename} [get]
func (h *Handler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	// URL format: /api/v1/download/jobID/filename
	pathParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(pathParts) != 5 || h.files == nil {
		http.Error(w, "Invalid URL format", http.StatusBadRequest)
		return
	}
	jobID := filepath.Base(pathParts[3])
	fileName := filepath.Base(pathParts[4])
	filePath := filepath.Join(h.files.BaseOutputDir, jobID, fileName)

	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeFile(w, r, filePath)
}
