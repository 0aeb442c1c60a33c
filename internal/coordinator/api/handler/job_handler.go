package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stakework/gridpool/internal/coordinator/api/dto"
	"github.com/stakework/gridpool/internal/coordinator/dispatch"
	"github.com/stakework/gridpool/internal/coordinator/domain"
	"github.com/stakework/gridpool/internal/coordinator/storage"
)

func jobDTO(job *domain.Job, rj *domain.RuntimeJob) dto.JobDTO {
	out := dto.JobDTO{
		ID:              job.ID,
		JobType:         job.JobType,
		ObjectKey:       job.ObjectKey,
		EntryCommand:    job.EntryCommand,
		WalletID:        job.WalletID,
		WorkerID:        job.WorkerID,
		Status:          job.Status,
		OutputObjectKey: job.OutputObjectKey,
		StartAt:         job.StartAt.Unix(),
		KillAt:          job.KillAt.Unix(),
		CreatedAt:       job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       job.UpdatedAt.Format(time.RFC3339),
	}
	if rj != nil {
		out.Solution = rj.Solution
		out.MetricsJSON = rj.MetricsJSON
	}
	return out
}

// CreateJob handles POST /api/v1/jobs
// Persists a new job in REQUESTED state; a worker_id in the request
// dispatches it right away
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	job, err := h.dispatch.CreateJob(c.Request.Context(), dispatch.CreateJobRequest{
		JobType:      req.JobType,
		ObjectKey:    req.ObjectKey,
		EntryCommand: req.EntryCommand,
		WalletID:     req.WalletID,
		StartAt:      time.Unix(req.StartAt, 0),
		KillAt:       time.Unix(req.KillAt, 0),
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidWindow) || errors.Is(err, domain.ErrPayloadMissing) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create job"})
		return
	}

	if req.WorkerID != "" {
		jd, err := h.dispatch.Dispatch(c.Request.Context(), job.ID, req.WorkerID)
		if err != nil {
			// The job exists; dispatch can be retried on its own endpoint
			h.logger.Error("Failed to dispatch created job",
				slog.String("job_id", job.ID),
				slog.String("worker_id", req.WorkerID),
				slog.String("error", err.Error()),
			)
		} else {
			job.Status = jd.Status
			job.WorkerID = req.WorkerID
		}
	}

	c.JSON(http.StatusCreated, jobDTO(job, nil))
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id is required",
		})
		return
	}

	job, rj, err := h.dispatch.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get job"})
		return
	}

	out := jobDTO(job, rj)
	if job.Status == domain.JobStatusDone {
		if presign, err := h.dispatch.PresignOutput(c.Request.Context(), jobID, "result.txt"); err == nil {
			out.OutputURL = presign.GetURL
		}
	}

	c.JSON(http.StatusOK, out)
}

// ListJobs handles GET /api/v1/jobs
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.Limit <= 0 {
		req.Limit = 50
	}
	if req.Limit > 200 {
		req.Limit = 200
	}

	jobs, err := h.dispatch.ListJobs(c.Request.Context(), storage.JobFilter{
		WalletID: req.WalletID,
		WorkerID: req.WorkerID,
		Status:   req.Status,
		Limit:    req.Limit,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list jobs"})
		return
	}

	out := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		out[i] = jobDTO(&jobs[i], nil)
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{Jobs: out})
}

// DispatchJob handles POST /api/v1/jobs/:job_id/dispatch
// Assigns the job to a worker and pushes it onto the worker's stream
func (h *JobHandler) DispatchJob(c *gin.Context) {
	jobID := c.Param("job_id")

	var req dto.DispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	jd, err := h.dispatch.Dispatch(c.Request.Context(), jobID, req.WorkerID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to dispatch job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to dispatch job"})
		return
	}

	c.JSON(http.StatusOK, jd)
}

// ReportResult handles POST /api/v1/jobs/results
// Records an execution result; duplicate reports overwrite
func (h *JobHandler) ReportResult(c *gin.Context) {
	var req dto.ReportResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	err := h.dispatch.Report(c.Request.Context(), domain.JobResult{
		JobID:            req.JobID,
		WorkerID:         req.WorkerID,
		Solution:         req.Solution,
		Success:          req.Success,
		MetricsJSON:      req.MetricsJSON,
		ExecutionSeconds: req.ExecutionSeconds,
		Terminated:       req.Terminated,
		EndAt:            req.EndAt,
		ExecutedAt:       req.ExecutedAt,
	})
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to record result",
			slog.String("job_id", req.JobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record result"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"recorded": true})
}

// PresignOutput handles POST /api/v1/jobs/:job_id/output-url
func (h *JobHandler) PresignOutput(c *gin.Context) {
	jobID := c.Param("job_id")

	var req dto.PresignOutputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	presign, err := h.dispatch.PresignOutput(c.Request.Context(), jobID, req.Filename)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to presign output",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to presign output"})
		return
	}

	c.JSON(http.StatusOK, dto.PresignOutputResponse{
		Bucket:    presign.Bucket,
		ObjectKey: presign.ObjectKey,
		PutURL:    presign.PutURL,
		GetURL:    presign.GetURL,
	})
}
