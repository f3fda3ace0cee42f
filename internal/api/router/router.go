package router

import (
	"net/http"

	"github.com/cuongbtq/dubbing-pipeline/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware(deps.AllowedOrigins))

	r.GET("/health", func(c *gin.Context) {
		if err := deps.Store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unhealthy",
				"service": "dubbing-api-service",
				"error":   err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "dubbing-api-service",
		})
	})

	jobHandler := handler.NewJobHandler(deps)

	jobs := r.Group("/jobs")
	{
		jobs.POST("", jobHandler.CreateJob)
		jobs.GET("", jobHandler.ListJobs)
		jobs.GET("/:job_id", jobHandler.GetJob)

		// Server-sent status stream
		jobs.GET("/:job_id/events", jobHandler.StreamEvents)

		// Human review gate
		jobs.GET("/:job_id/edit", jobHandler.GetEdit)
		jobs.POST("/:job_id/edit", jobHandler.SubmitEdit)

		jobs.POST("/:job_id/retry", jobHandler.RetryJob)
		jobs.POST("/:job_id/retranslate", jobHandler.Retranslate)
		jobs.GET("/:job_id/download", jobHandler.Download)
	}

	return r
}
