package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/account-sync/internal/api/dto"
	"github.com/cuongbtq/account-sync/internal/domain"
	"github.com/cuongbtq/account-sync/internal/registration"
	"github.com/cuongbtq/account-sync/internal/storage"
)

// OperatorHeader carries the acting operator's ID when the body omits it
const OperatorHeader = "X-Operator-ID"

// RegistrationHandler handles registration HTTP requests
type RegistrationHandler struct {
	logger   *slog.Logger
	store    RegistrationStore
	pipeline Processor
}

// NewRegistrationHandler creates a new RegistrationHandler instance
func NewRegistrationHandler(deps *Dependencies) *RegistrationHandler {
	return &RegistrationHandler{
		logger:   deps.Logger,
		store:    deps.Registrations,
		pipeline: deps.Pipeline,
	}
}

// CreateRegistration handles POST /api/v1/registrations
func (h *RegistrationHandler) CreateRegistration(c *gin.Context) {
	var req dto.CreateRegistrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	reg := domain.Registration{
		CustomerKey: req.CustomerKey,
		FullName:    req.FullName,
		Phone:       req.Phone,
		Email:       req.Email,
		Status:      domain.RegistrationStatusPending,
	}
	if err := h.store.CreateRegistration(c.Request.Context(), &reg); err != nil {
		h.logger.Error("Failed to create registration", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create registration",
		})
		return
	}

	c.JSON(http.StatusCreated, toRegistrationDTO(reg))
}

// GetRegistration handles GET /api/v1/registrations/:id
func (h *RegistrationHandler) GetRegistration(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	reg, err := h.store.GetRegistration(c.Request.Context(), id)
	if errors.Is(err, domain.ErrSubjectNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Registration not found",
		})
		return
	}
	if err != nil {
		h.logger.Error("Failed to get registration", slog.Int64("id", id), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get registration",
		})
		return
	}

	c.JSON(http.StatusOK, toRegistrationDTO(*reg))
}

// ListRegistrations handles GET /api/v1/registrations with cursor pagination
func (h *RegistrationHandler) ListRegistrations(c *gin.Context) {
	var req dto.ListRegistrationsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeRegistrationCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	regs, err := h.store.ListRegistrations(c.Request.Context(), storage.RegistrationFilter{
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list registrations", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list registrations",
		})
		return
	}

	hasMore := len(regs) > req.PageSize
	if hasMore {
		regs = regs[:req.PageSize]
	}

	out := make([]dto.RegistrationDTO, len(regs))
	for i, reg := range regs {
		out[i] = toRegistrationDTO(reg)
	}

	var nextCursor string
	if hasMore {
		last := regs[len(regs)-1]
		nextCursor = EncodeRegistrationCursor(storage.RegistrationCursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}

	c.JSON(http.StatusOK, dto.ListRegistrationsResponse{
		Registrations: out,
		NextCursor:    nextCursor,
	})
}

// ProcessRegistration handles POST /api/v1/registrations/:id/process
func (h *RegistrationHandler) ProcessRegistration(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	operatorID, err := operatorFrom(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid operator id",
		})
		return
	}

	result, err := h.pipeline.Process(c.Request.Context(), id, operatorID)
	if registration.IsRejection(err) {
		h.logger.Info("Registration rejected", slog.Int64("id", id), slog.String("reason", err.Error()))
	}

	switch {
	case errors.Is(err, domain.ErrSubjectNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Registration not found",
		})
	case errors.Is(err, domain.ErrAlreadyProcessed):
		c.JSON(http.StatusConflict, gin.H{
			"error": "Registration already processed",
		})
	case err != nil:
		h.logger.Error("Registration processing failed",
			slog.Int64("id", id),
			slog.String("error", err.Error()),
		)
		if result == nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Registration processing failed",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, result)
	case result.Status == domain.RegistrationStatusFailed:
		c.JSON(http.StatusUnprocessableEntity, result)
	default:
		c.JSON(http.StatusOK, result)
	}
}

// operatorFrom reads the operator from the JSON body, falling back to the
// header. A missing operator is 0.
func operatorFrom(c *gin.Context) (int64, error) {
	var req dto.ProcessRegistrationRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			return 0, err
		}
	}
	if req.OperatorID != 0 {
		return req.OperatorID, nil
	}
	if header := c.GetHeader(OperatorHeader); header != "" {
		return strconv.ParseInt(header, 10, 64)
	}
	return 0, nil
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "id must be a positive integer",
		})
		return 0, false
	}
	return id, true
}

func toRegistrationDTO(reg domain.Registration) dto.RegistrationDTO {
	out := dto.RegistrationDTO{
		ID:           reg.ID,
		CustomerKey:  reg.CustomerKey,
		FullName:     reg.FullName,
		Phone:        reg.Phone,
		Email:        reg.Email,
		Status:       reg.Status,
		RetryCount:   reg.RetryCount,
		ErrorMessage: reg.ErrorMessage,
		ProcessedBy:  reg.ProcessedBy,
		CreatedAt:    reg.CreatedAt.Format(time.RFC3339),
	}
	if reg.ProcessedAt != nil {
		out.ProcessedAt = reg.ProcessedAt.Format(time.RFC3339)
	}
	return out
}
