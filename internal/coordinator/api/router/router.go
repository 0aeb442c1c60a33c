package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stakework/gridpool/internal/coordinator/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "gridpool-coordinator",
		})
	})

	workerHandler := handler.NewWorkerHandler(deps)
	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		workers := v1.Group("/workers")
		{
			// POST /api/v1/workers/challenge - Issue a registration challenge
			workers.POST("/challenge", workerHandler.Challenge)

			// POST /api/v1/workers/register - Verify challenge and admit worker
			workers.POST("/register", workerHandler.Register)

			// GET /api/v1/workers - List known workers
			workers.GET("", workerHandler.ListWorkers)

			// POST /api/v1/workers/:worker_id/heartbeat - Liveness pulse
			workers.POST("/:worker_id/heartbeat", workerHandler.Heartbeat)

			// GET /api/v1/workers/:worker_id/jobs/stream - Push feed (NDJSON)
			workers.GET("/:worker_id/jobs/stream", workerHandler.StreamJobs)

			// GET /api/v1/workers/:worker_id/jobs/scheduled - Pull feed
			workers.GET("/:worker_id/jobs/scheduled", workerHandler.ListScheduled)
		}

		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Create a new job
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List jobs with filtering
			jobs.GET("", jobHandler.ListJobs)

			// POST /api/v1/jobs/results - Record a worker's execution result
			jobs.POST("/results", jobHandler.ReportResult)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/jobs/:job_id/dispatch - Assign the job to a worker
			jobs.POST("/:job_id/dispatch", jobHandler.DispatchJob)

			// POST /api/v1/jobs/:job_id/output-url - Presign an output upload URL
			jobs.POST("/:job_id/output-url", jobHandler.PresignOutput)
		}
	}

	return r
}
