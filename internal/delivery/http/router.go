package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ageprobe/ageprobe/internal/delivery/http/middleware"
	"github.com/ageprobe/ageprobe/internal/usecase"
)

// NewRouter creates and configures the Gin router with all routes and middleware.
func NewRouter(
	submitUC *usecase.SubmitImageUsecase,
	statusUC *usecase.GetStatusUsecase,
	resultUC *usecase.GetResultUsecase,
	comparisonUC *usecase.AgeComparisonUsecase,
	health *HealthHandler,
	logger *zap.Logger,
	maxUploadBytes int64,
) *gin.Engine {
	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS())
	router.Use(middleware.Logger(logger))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", health.Health)

		images := NewImageHandler(submitUC, statusUC, resultUC, comparisonUC, logger)
		v1.POST("/images", middleware.UploadLimit(maxUploadBytes), images.Submit)
		v1.GET("/images/:id/status", images.Status)
		v1.GET("/images/:id/result", images.Result)
		v1.GET("/results/age-comparison", images.AgeComparison)

		// WebSocket for status updates
		ws := NewWebSocketHandler(statusUC, logger)
		v1.GET("/images/:id/stream", ws.Stream)
	}

	return router
}
