// Package api provides HTTP diagnostics handlers for the lock service.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/lockservice/internal/lock"
	"github.com/kneutral-org/lockservice/internal/logging"
)

// LockQuerier is the subset of lock.Locker used by the handlers.
type LockQuerier interface {
	Protocol() *lock.Protocol
	QueryMode(ctx context.Context, resource string) (lock.Mode, error)
}

// HealthReporter reports the result of the last store probe.
type HealthReporter interface {
	Healthy() (bool, error)
}

// Handler serves read-only views of the locking service.
type Handler struct {
	locker       LockQuerier
	health       HealthReporter
	queryTimeout time.Duration
	logger       zerolog.Logger
}

// NewHandler creates a new diagnostics handler. health may be nil, in which
// case /health always reports ok.
func NewHandler(locker LockQuerier, health HealthReporter, logger zerolog.Logger) *Handler {
	return &Handler{
		locker:       locker,
		health:       health,
		queryTimeout: 10 * time.Second,
		logger:       logger.With().Str("component", "api").Logger(),
	}
}

// RegisterRoutes registers the API routes on the provided router group.
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/protocol", h.GetProtocol)
	router.GET("/locks/:resource", h.GetLockMode)
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ProtocolResponse describes the negotiated locking protocol.
type ProtocolResponse struct {
	Version        int    `json:"version"`
	PartitionID    int    `json:"partitionId"`
	SupportsBatch  bool   `json:"supportsBatch"`
	CommandTimeout string `json:"commandTimeout"`
}

// LockModeResponse is the current mode of a resource.
type LockModeResponse struct {
	Resource string `json:"resource"`
	Mode     string `json:"mode"`
}

// HealthResponse is the body of the health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
	Error  string `json:"error,omitempty"`
}

// Health reports whether the lock store was reachable on the last probe.
func (h *Handler) Health(c *gin.Context) {
	if h.health == nil {
		c.JSON(http.StatusOK, HealthResponse{Status: "ok", Store: "unknown"})
		return
	}

	healthy, err := h.health.Healthy()
	if !healthy {
		resp := HealthResponse{Status: "degraded", Store: "unreachable"}
		if err != nil {
			resp.Error = err.Error()
		}
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, HealthResponse{Status: "ok", Store: "reachable"})
}

// GetProtocol returns the negotiated protocol version and capabilities.
func (h *Handler) GetProtocol(c *gin.Context) {
	p := h.locker.Protocol()
	c.JSON(http.StatusOK, ProtocolResponse{
		Version:        int(p.Version()),
		PartitionID:    int(p.Partition()),
		SupportsBatch:  p.SupportsBatch(),
		CommandTimeout: p.CommandTimeout().String(),
	})
}

// GetLockMode returns the mode of any lock currently granted on a resource.
func (h *Handler) GetLockMode(c *gin.Context) {
	resource := c.Param("resource")

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.queryTimeout)
	defer cancel()

	mode, err := h.locker.QueryMode(ctx, resource)
	if err != nil {
		h.respondError(c, resource, err)
		return
	}

	c.JSON(http.StatusOK, LockModeResponse{
		Resource: resource,
		Mode:     mode.String(),
	})
}

// requestLogger returns the request-scoped logger set by
// logging.RequestLogger, or the handler's logger when there is none.
func (h *Handler) requestLogger(c *gin.Context) zerolog.Logger {
	l := logging.LoggerFromContext(c.Request.Context())
	if l.GetLevel() == zerolog.Disabled {
		return h.logger
	}
	return l.With().Str("component", "api").Logger()
}

func (h *Handler) respondError(c *gin.Context, resource string, err error) {
	switch {
	case errors.Is(err, lock.ErrInvalidArgument):
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalidArgument",
			Message: err.Error(),
		})
	case lock.IsTransient(err):
		logger := h.requestLogger(c)
		logger.Warn().Err(err).Str("resource", resource).Msg("lock store unavailable")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "storeUnavailable",
			Message: "lock store is unavailable",
		})
	default:
		logger := h.requestLogger(c)
		logger.Error().Err(err).Str("resource", resource).Msg("failed to query lock mode")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal",
			Message: "failed to query lock mode",
		})
	}
}
