package admin

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/leader-election/internal/logging"
	"github.com/kneutral-org/leader-election/internal/metrics"
	"github.com/kneutral-org/leader-election/internal/middleware"
)

// NewRouter builds the admin engine: recovery, request ids, request logging,
// the body limit, /metrics and the handler routes.
func NewRouter(handler *Handler, maxPayloadSize int64, logger zerolog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(logging.RequestLogger(logger))
	router.Use(middleware.BodyLimit(maxPayloadSize, logger))

	metrics.RegisterMetricsEndpoint(router)
	handler.RegisterRoutes(router)

	return router
}
