package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const healthTimeout = 2 * time.Second

// HealthHandler reports service liveness and dependency health
type HealthHandler struct {
	service string
	logger  *slog.Logger
	db      HealthChecker
	broker  BrokerState
}

// NewHealthHandler creates a new HealthHandler instance
func NewHealthHandler(deps *Dependencies) *HealthHandler {
	return &HealthHandler{
		service: deps.Service,
		logger:  deps.Logger,
		db:      deps.DB,
		broker:  deps.Broker,
	}
}

// Health handles GET /health. Broker state is reported but does not affect the
// status code.
func (h *HealthHandler) Health(c *gin.Context) {
	body := gin.H{
		"status":  "healthy",
		"service": h.service,
	}
	code := http.StatusOK

	if h.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()
		if err := h.db.HealthCheck(ctx); err != nil {
			h.logger.Error("Database health check failed", slog.String("error", err.Error()))
			body["status"] = "unhealthy"
			body["database"] = "down"
			code = http.StatusServiceUnavailable
		} else {
			body["database"] = "up"
		}
	}

	if h.broker != nil {
		body["broker"] = h.broker.State()
	}

	c.JSON(code, body)
}
