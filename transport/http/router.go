package http

import (
	"github.com/gin-gonic/gin"
	"github.com/layer-3/microslot/internal/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SetupRouter sets up the Gin router
func SetupRouter(handlers *Handlers, limiter *ratelimit.KeyLimiter, gatherer prometheus.Gatherer, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestID())
	router.Use(RequestLogger(logger))

	router.GET("/healthz", handlers.Health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// Casino routes
	api := router.Group("/api")
	api.Use(RateLimit(limiter, logger))
	{
		api.GET("/spin", handlers.Spin)
		api.GET("/balance", handlers.Balance)
		api.POST("/access-key", handlers.RegisterAccessKey)
		api.GET("/casino-address", handlers.CasinoAddress)
		api.POST("/prize/claim", handlers.ClaimPrizes)
	}

	return router
}
