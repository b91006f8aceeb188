// Package httpapi wires the HTTP transport (Gin) for the status probe
// and the admin surface. The pipeline itself is headless; everything
// here exists for operators: tracing, correlation IDs, structured logs,
// panic recovery, metrics, and the tenant pull trigger.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/mochat/wearchive/internal/config"
	"github.com/mochat/wearchive/internal/http/handlers"
	"github.com/mochat/wearchive/internal/http/middleware"
	"github.com/mochat/wearchive/internal/metrics"
	"github.com/mochat/wearchive/internal/poller"
)

// RegisterRoutes attaches all middleware and HTTP endpoints to the given
// Gin engine.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Logger: structured access logs
//  4. Recovery: capture panics after logger
//  5. Metrics
//
// The admin group gets a per-IP token-bucket limiter on top.
func RegisterRoutes(r *gin.Engine, db *gorm.DB, sink *metrics.Sink, mgr *poller.Manager, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	h := handlers.New(db, sink, mgr)
	r.GET("/status", h.Status)

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByIP())
	admin := r.Group("/admin")
	admin.Use(rl.Handler())
	admin.POST("/tenants/:id/pull", h.PullTenant)
}
