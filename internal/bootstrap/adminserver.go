package bootstrap

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/genkernel/orchestrator/internal/health"
	"github.com/genkernel/orchestrator/internal/registry"
	"github.com/genkernel/orchestrator/internal/telemetry"
)

// newAdminRouter builds the operator-facing HTTP surface: liveness,
// the Prometheus scrape endpoint, and a read-only circuit-breaker
// dashboard. Grounded on the teacher's gin+gin-contrib/cors admin
// server wiring (CORS middleware ahead of a small set of JSON routes),
// narrowed to this service's own operational surface.
func newAdminRouter(telemetryProvider *telemetry.Provider, breakers *health.Manager, reg *registry.Registry, allowedOrigins []string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(allowedOrigins) > 0 {
		corsConfig.AllowOrigins = allowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{http.MethodGet}
	router.Use(cors.New(corsConfig))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	})

	router.GET("/v1/breakers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"breakers": breakers.AllMetrics()})
	})

	router.GET("/v1/registry", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"in_flight": reg.Len()})
	})

	metricsHandler := promhttp.HandlerFor(telemetryProvider.Registry, promhttp.HandlerOpts{})
	router.GET("/metrics", gin.WrapH(metricsHandler))

	return router
}
