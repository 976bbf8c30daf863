package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/modelgate/modelgate/src/middleware"
	"github.com/modelgate/modelgate/src/models"
)

type InferenceHandler struct {
	gateway models.Inferencer
	logger  *zap.Logger
}

func NewInferenceHandler(gw models.Inferencer, logger *zap.Logger) *InferenceHandler {
	return &InferenceHandler{
		gateway: gw,
		logger:  logger,
	}
}

func (h *InferenceHandler) HandleInference(c *gin.Context) {
	var req models.InferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.CallerID == "" {
		req.CallerID = c.GetString(middleware.CallerIDKey)
	}
	if req.CallerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "caller_id is required"})
		return
	}
	if len(req.Capabilities) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "capabilities must not be empty"})
		return
	}

	result, err := h.gateway.Infer(c.Request.Context(), &req)
	if err != nil {
		status, body := errorResponse(err)
		h.logger.Warn("inference failed",
			zap.String("caller_id", req.CallerID),
			zap.Int("status", status),
			zap.Error(err))
		c.JSON(status, body)
		return
	}

	c.JSON(http.StatusOK, result)
}

// errorResponse maps a gateway error to an HTTP status and body.
func errorResponse(err error) (int, gin.H) {
	var rl *models.RateLimitedError
	switch {
	case errors.Is(err, models.ErrCapabilityUnavailable):
		return http.StatusUnprocessableEntity, gin.H{"error": err.Error()}
	case errors.Is(err, models.ErrQueueRejected):
		return http.StatusTooManyRequests, gin.H{"error": err.Error()}
	case errors.As(err, &rl):
		return http.StatusTooManyRequests, gin.H{
			"error":       err.Error(),
			"retry_after": rl.RetryAfter.Seconds(),
		}
	case errors.Is(err, models.ErrRequestExpired):
		return http.StatusGatewayTimeout, gin.H{"error": err.Error()}
	case errors.Is(err, models.ErrAllProvidersUnavailable):
		return http.StatusServiceUnavailable, gin.H{"error": err.Error()}
	case models.IsPermanent(err):
		return http.StatusBadGateway, gin.H{"error": err.Error()}
	default:
		return http.StatusInternalServerError, gin.H{"error": err.Error()}
	}
}

func (h *InferenceHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}
