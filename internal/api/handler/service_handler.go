package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/account-sync/internal/api/dto"
	"github.com/cuongbtq/account-sync/internal/domain"
	"github.com/cuongbtq/account-sync/internal/pagination"
	"github.com/cuongbtq/account-sync/internal/scheduler"
)

// ServiceHandler exposes scheduler status and manual triggers
type ServiceHandler struct {
	logger   *slog.Logger
	registry *scheduler.Registry
	queue    *pagination.Queue
}

// NewServiceHandler creates a new ServiceHandler instance
func NewServiceHandler(deps *Dependencies) *ServiceHandler {
	return &ServiceHandler{
		logger:   deps.Logger,
		registry: deps.Registry,
		queue:    deps.Queue,
	}
}

// RunService handles POST /api/v1/services/:name/run
func (h *ServiceHandler) RunService(c *gin.Context) {
	runner, ok := h.runner(c)
	if !ok {
		return
	}

	if !runner.RunAsync() {
		c.JSON(http.StatusConflict, dto.RunServiceResponse{
			Service: runner.Service(),
			Status:  "busy",
		})
		return
	}

	h.logger.Info("Manual run triggered", slog.String("service", runner.Service()))
	c.JSON(http.StatusAccepted, dto.RunServiceResponse{
		Service: runner.Service(),
		Status:  "started",
	})
}

// GetServiceStatus handles GET /api/v1/services/:name/status
func (h *ServiceHandler) GetServiceStatus(c *gin.Context) {
	runner, ok := h.runner(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, runner.Status())
}

// ListServiceStatuses handles GET /api/v1/services/status
func (h *ServiceHandler) ListServiceStatuses(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.Statuses())
}

// GetPaginationQueue handles GET /api/v1/pagination/queue
func (h *ServiceHandler) GetPaginationQueue(c *gin.Context) {
	jobs := h.queue.Snapshot()
	if jobs == nil {
		jobs = []domain.PaginationJob{}
	}
	c.JSON(http.StatusOK, dto.PaginationQueueResponse{
		Size: len(jobs),
		Jobs: jobs,
	})
}

func (h *ServiceHandler) runner(c *gin.Context) (*scheduler.Runner, bool) {
	name := c.Param("name")
	runner, err := h.registry.Get(name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Unknown service",
		})
		return nil, false
	}
	return runner, true
}
