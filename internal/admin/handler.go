// Package admin provides the HTTP API for inspecting and steering leader election.
package admin

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/leader-election/internal/leader"
	"github.com/kneutral-org/leader-election/internal/lock"
)

// Elector is the part of leader.Elector the admin API needs.
type Elector interface {
	Role() string
	ID() string
	State() leader.State
	IsLeader() bool
	Yield()
}

var _ Elector = (*leader.Elector)(nil)

// Handler serves the admin routes.
type Handler struct {
	elector Elector
	store   lock.LockStore
	logger  zerolog.Logger
}

// NewHandler creates a new admin handler.
func NewHandler(elector Elector, store lock.LockStore, logger zerolog.Logger) *Handler {
	return &Handler{
		elector: elector,
		store:   store,
		logger:  logger.With().Str("component", "admin").Logger(),
	}
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// LeaderResponse describes this process's view of the election.
type LeaderResponse struct {
	Role        string `json:"role"`
	CandidateID string `json:"candidateId"`
	State       string `json:"state"`
	Leader      bool   `json:"leader"`
}

// LockResponse describes whether this process holds a lease.
type LockResponse struct {
	Key      string `json:"key"`
	Region   string `json:"region"`
	OwnerID  string `json:"ownerId"`
	Acquired bool   `json:"acquired"`
}

// YieldRequest is the optional body of a yield call.
type YieldRequest struct {
	Reason string `json:"reason"`
}

// RegisterRoutes registers the health check and the /api/v1 routes.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/health", h.Health)

	apiV1 := router.Group("/api/v1")
	apiV1.GET("/leader", h.GetLeader)
	apiV1.POST("/leader/yield", h.YieldLeadership)
	apiV1.GET("/locks/:key", h.GetLock)
}

// Health reports liveness along with the elector state.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"state":  h.elector.State().String(),
	})
}

// GetLeader returns the local election status.
func (h *Handler) GetLeader(c *gin.Context) {
	c.JSON(http.StatusOK, LeaderResponse{
		Role:        h.elector.Role(),
		CandidateID: h.elector.ID(),
		State:       h.elector.State().String(),
		Leader:      h.elector.IsLeader(),
	})
}

// YieldLeadership asks the elector to give up the lease.
// The yield is asynchronous so the response is 202; 409 when this process is not the leader.
func (h *Handler) YieldLeadership(c *gin.Context) {
	var req YieldRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				_ = c.Error(err)
				return
			}
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalidRequest",
				Message: err.Error(),
			})
			return
		}
	}

	if !h.elector.IsLeader() {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "notLeader",
			Message: "this process does not hold leadership for role " + h.elector.Role(),
		})
		return
	}

	h.elector.Yield()

	h.logger.Info().
		Str("role", h.elector.Role()).
		Str("candidateId", h.elector.ID()).
		Str("reason", req.Reason).
		Msg("leadership yield requested")

	c.JSON(http.StatusAccepted, LeaderResponse{
		Role:        h.elector.Role(),
		CandidateID: h.elector.ID(),
		State:       h.elector.State().String(),
		Leader:      h.elector.IsLeader(),
	})
}

// GetLock reports whether this process holds a live lease for key.
func (h *Handler) GetLock(c *gin.Context) {
	key := c.Param("key")

	acquired, err := h.store.IsAcquired(c.Request.Context(), key)
	if err != nil {
		h.logger.Error().
			Err(err).
			Str("key", key).
			Msg("failed to query lock store")

		status := http.StatusInternalServerError
		if errors.Is(err, lock.ErrStoreUnavailable) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, ErrorResponse{
			Error:   "storeUnavailable",
			Message: "lock store query failed",
		})
		return
	}

	c.JSON(http.StatusOK, LockResponse{
		Key:      key,
		Region:   h.store.Region(),
		OwnerID:  h.store.OwnerID(),
		Acquired: acquired,
	})
}
