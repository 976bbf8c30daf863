package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/modelgate/modelgate/src/gateway"
	"github.com/modelgate/modelgate/src/models"
)

// GatewayAdmin is the administrative surface the admin routes expose.
type GatewayAdmin interface {
	Stats() gateway.Stats
	ClearCache(ctx context.Context) error
	ReloadRegistry(descriptors []models.ModelDescriptor)
}

type AdminHandler struct {
	gateway GatewayAdmin
	logger  *zap.Logger
}

func NewAdminHandler(gw GatewayAdmin, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		gateway: gw,
		logger:  logger,
	}
}

func (h *AdminHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.gateway.Stats())
}

func (h *AdminHandler) GetProviders(c *gin.Context) {
	stats := h.gateway.Stats()
	c.JSON(http.StatusOK, gin.H{
		"catalog":  stats.Catalog,
		"circuits": stats.Circuits,
	})
}

func (h *AdminHandler) GetCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.gateway.Stats().Cache)
}

func (h *AdminHandler) GetRateLimits(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"buckets": h.gateway.Stats().RateLimits})
}

func (h *AdminHandler) ClearCache(c *gin.Context) {
	if err := h.gateway.ClearCache(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.logger.Info("semantic cache cleared")
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

func (h *AdminHandler) ReloadRegistry(c *gin.Context) {
	var descriptors []models.ModelDescriptor
	if err := c.ShouldBindJSON(&descriptors); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	for _, d := range descriptors {
		if d.ID == "" || d.Provider == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "descriptor id and provider are required"})
			return
		}
	}

	h.gateway.ReloadRegistry(descriptors)
	h.logger.Info("model catalog reloaded", zap.Int("models", len(descriptors)))
	c.JSON(http.StatusOK, gin.H{"status": "reloaded", "models": len(descriptors)})
}
