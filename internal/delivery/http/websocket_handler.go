package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ageprobe/ageprobe/internal/usecase"
)

const (
	streamInterval = 500 * time.Millisecond
	writeWait      = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler pushes job status to a client until the job settles.
type WebSocketHandler struct {
	statusUC *usecase.GetStatusUsecase
	logger   *zap.Logger
	interval time.Duration
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(statusUC *usecase.GetStatusUsecase, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		statusUC: statusUC,
		logger:   logger,
		interval: streamInterval,
	}
}

// Stream handles GET /api/v1/images/:id/stream (WebSocket upgrade)
func (h *WebSocketHandler) Stream(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	log := h.logger.With(zap.String("job_id", id.String()))
	log.Debug("WebSocket connection opened")

	ctx := c.Request.Context()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		status, err := h.statusUC.Execute(ctx, id)
		if err != nil {
			log.Warn("Status lookup failed, closing stream", zap.Error(err))
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "status unavailable"),
				time.Now().Add(writeWait))
			return
		}

		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(status); err != nil {
			log.Debug("WebSocket write failed (client disconnected)", zap.Error(err))
			return
		}

		if status.Terminal {
			log.Debug("Job settled, closing WebSocket", zap.String("status", string(status.Status)))
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(status.Status)),
				time.Now().Add(writeWait))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
