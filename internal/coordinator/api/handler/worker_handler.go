package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stakework/gridpool/internal/coordinator/api/dto"
	"github.com/stakework/gridpool/internal/coordinator/domain"
	"github.com/stakework/gridpool/internal/coordinator/registry"
)

func workerDTO(w *domain.WorkerRecord) dto.WorkerDTO {
	return dto.WorkerDTO{
		ID:            w.ID,
		OrgID:         w.OrgID,
		WalletAddress: w.WalletAddress,
		Concurrency:   w.Concurrency,
		RunningCount:  w.RunningCount,
		LastSeenAt:    w.LastSeenAt.Format(time.RFC3339),
		CreatedAt:     w.CreatedAt.Format(time.RFC3339),
	}
}

// Challenge handles POST /api/v1/workers/challenge
// Issues a one-time signing challenge for a (worker, wallet) pair
func (h *WorkerHandler) Challenge(c *gin.Context) {
	var req dto.ChallengeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	ch, err := h.challenges.Issue(req.WorkerID, req.Wallet)
	if err != nil {
		h.logger.Error("Failed to issue challenge",
			slog.String("worker_id", req.WorkerID),
			slog.String("error", err.Error()),
		)
		if domain.IsAuthError(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue challenge"})
		return
	}

	c.JSON(http.StatusOK, dto.ChallengeResponse{
		WorkerID: ch.WorkerID,
		Wallet:   ch.Wallet,
		Nonce:    ch.Nonce,
		Expires:  ch.Expires.Unix(),
		Domain: dto.SigningDomain{
			Name:    h.signingName,
			Version: h.signingVer,
			ChainID: h.chainID,
			Salt:    ch.Salt,
		},
	})
}

// Register handles POST /api/v1/workers/register
// Verifies the signed challenge and admits the worker into the fleet
func (h *WorkerHandler) Register(c *gin.Context) {
	var req dto.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	// The claimed expiry is informational only; verification reconstructs
	// the signed message from the stored challenge
	h.logger.Debug("Registration attempt",
		slog.String("worker_id", req.WorkerID),
		slog.Int64("claimed_expires", req.Expires),
	)

	identity, err := h.challenges.Verify(req.WorkerID, req.Wallet, req.Nonce, req.Signature)
	if err != nil {
		h.logger.Warn("Registration rejected",
			slog.String("worker_id", req.WorkerID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	record, err := h.registry.Admit(c.Request.Context(), registry.Registration{
		Identity:    identity,
		OrgID:       req.OrgID,
		Concurrency: req.Concurrency,
	})
	if err != nil {
		h.logger.Warn("Admission rejected",
			slog.String("worker_id", req.WorkerID),
			slog.String("error", err.Error()),
		)
		switch {
		case errors.Is(err, domain.ErrInsufficientStake):
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		case errors.Is(err, domain.ErrStakeCheckUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to register worker"})
		}
		return
	}

	c.JSON(http.StatusOK, dto.RegisterResponse{
		Registered: true,
		Worker:     workerDTO(record),
	})
}

// Heartbeat handles POST /api/v1/workers/:worker_id/heartbeat
// Replies ok=false for unknown workers so they re-register
func (h *WorkerHandler) Heartbeat(c *gin.Context) {
	workerID := c.Param("worker_id")
	if workerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "worker_id is required",
		})
		return
	}

	// An empty body counts as zero running jobs
	var req dto.HeartbeatRequest
	_ = c.ShouldBindJSON(&req)

	ok, err := h.registry.Heartbeat(c.Request.Context(), workerID, req.RunningCount)
	if err != nil {
		h.logger.Error("Heartbeat failed",
			slog.String("worker_id", workerID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Heartbeat failed"})
		return
	}

	c.JSON(http.StatusOK, dto.HeartbeatResponse{Ok: ok})
}

// ListWorkers handles GET /api/v1/workers
func (h *WorkerHandler) ListWorkers(c *gin.Context) {
	workers, err := h.registry.List(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list workers", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list workers"})
		return
	}

	out := make([]dto.WorkerDTO, len(workers))
	for i := range workers {
		out[i] = workerDTO(&workers[i])
	}

	c.JSON(http.StatusOK, dto.ListWorkersResponse{Workers: out})
}

// ListScheduled handles GET /api/v1/workers/:worker_id/jobs/scheduled
// The pull-side reconciliation feed with fresh payload URLs
func (h *WorkerHandler) ListScheduled(c *gin.Context) {
	workerID := c.Param("worker_id")

	jds, err := h.dispatch.ListScheduled(c.Request.Context(), workerID)
	if err != nil {
		h.logger.Error("Failed to list scheduled jobs",
			slog.String("worker_id", workerID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list scheduled jobs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"jobs": jds})
}

// StreamJobs handles GET /api/v1/workers/:worker_id/jobs/stream
// Serves the push feed as newline-delimited JSON. The most recent
// dispatch for the worker is replayed on connect.
func (h *WorkerHandler) StreamJobs(c *gin.Context) {
	workerID := c.Param("worker_id")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Streaming unsupported"})
		return
	}

	sub := h.hub.Subscribe(workerID)
	defer sub.Cancel()

	h.logger.Info("Job stream opened", slog.String("worker_id", workerID))
	defer h.logger.Info("Job stream closed", slog.String("worker_id", workerID))

	c.Writer.Header().Set("Content-Type", "application/x-ndjson")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(c.Writer)
	ctx := c.Request.Context()

	for {
		select {
		case <-ctx.Done():
			return
		case jd, open := <-sub.C:
			if !open {
				return
			}
			if err := enc.Encode(jd); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
