package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ageprobe/ageprobe/internal/domain"
	"github.com/ageprobe/ageprobe/internal/usecase"
)

const (
	imageField     = "image"
	actualAgeField = "actual_age"
)

// ImageHandler serves image submissions and the polling surface.
type ImageHandler struct {
	submitUC     *usecase.SubmitImageUsecase
	statusUC     *usecase.GetStatusUsecase
	resultUC     *usecase.GetResultUsecase
	comparisonUC *usecase.AgeComparisonUsecase
	logger       *zap.Logger
}

// NewImageHandler creates a new ImageHandler.
func NewImageHandler(
	submitUC *usecase.SubmitImageUsecase,
	statusUC *usecase.GetStatusUsecase,
	resultUC *usecase.GetResultUsecase,
	comparisonUC *usecase.AgeComparisonUsecase,
	logger *zap.Logger,
) *ImageHandler {
	return &ImageHandler{
		submitUC:     submitUC,
		statusUC:     statusUC,
		resultUC:     resultUC,
		comparisonUC: comparisonUC,
		logger:       logger,
	}
}

// Submit handles POST /api/v1/images
func (h *ImageHandler) Submit(c *gin.Context) {
	header, err := c.FormFile(imageField)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": domain.ErrPayloadTooLarge.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing image file in field \"" + imageField + "\""})
		return
	}

	file, err := header.Open()
	if err != nil {
		h.logger.Error("Failed to open uploaded file", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable image upload"})
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable image upload"})
		return
	}

	req := &domain.SubmitRequest{Filename: header.Filename, Data: data}
	if raw := c.PostForm(actualAgeField); raw != "" {
		age, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": domain.ErrInvalidActualAge.Error()})
			return
		}
		req.ActualAge = &age
	}

	resp, err := h.submitUC.Execute(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrUnsupportedFileType):
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": err.Error()})
		case errors.Is(err, domain.ErrEmptyImage), errors.Is(err, domain.ErrInvalidActualAge):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, domain.ErrPayloadTooLarge):
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		case errors.Is(err, domain.ErrStorage):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service temporarily unavailable"})
		default:
			h.logger.Error("Submit image failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		}
		return
	}

	c.JSON(http.StatusAccepted, resp)
}

// Status handles GET /api/v1/images/:id/status
func (h *ImageHandler) Status(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}

	resp, err := h.statusUC.Execute(c.Request.Context(), id)
	if err != nil {
		h.storageFailure(c, "Get status failed", id, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Result handles GET /api/v1/images/:id/result
func (h *ImageHandler) Result(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}

	resp, err := h.resultUC.Execute(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Result not found"})
			return
		}
		h.storageFailure(c, "Get result failed", id, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// AgeComparison handles GET /api/v1/results/age-comparison
func (h *ImageHandler) AgeComparison(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = n
	}

	samples, err := h.comparisonUC.Execute(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Age comparison failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service temporarily unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"samples": samples})
}

func parseJobID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": domain.ErrInvalidJobID.Error()})
		return uuid.Nil, false
	}
	return id, true
}

func (h *ImageHandler) storageFailure(c *gin.Context, msg string, id uuid.UUID, err error) {
	h.logger.Error(msg, zap.Error(err), zap.String("job_id", id.String()))
	if errors.Is(err, domain.ErrStorage) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service temporarily unavailable"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
}
