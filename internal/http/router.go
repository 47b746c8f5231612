// Package httpapi wires the ops HTTP surface (Gin): liveness, readiness and
// Prometheus metrics. There is no end-user API; DM traffic flows over the
// relay only.
//
// Middleware order:
//  1. OpenTelemetry: trace every probe
//  2. RequestID: generate/propagate correlation id
//  3. Logger: structured access log
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-nostrchat/internal/config"
	"github.com/tbourn/go-nostrchat/internal/http/handlers"
	"github.com/tbourn/go-nostrchat/internal/http/middleware"
)

// Deps are the runtime components the probes report on.
type Deps struct {
	DB    *gorm.DB
	Relay handlers.RelayStatus
	Subs  handlers.SubscriptionStatus
	Log   zerolog.Logger
}

// RegisterRoutes attaches middleware and the ops endpoints to r.
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(deps.Log))
	r.Use(middleware.Recovery(deps.Log))
	r.Use(limitBody(64 << 10))
	r.Use(middleware.Metrics())

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	var pinger handlers.Pinger
	if deps.DB != nil {
		if sqlDB, err := deps.DB.DB(); err == nil {
			pinger = sqlDB
		} else {
			deps.Log.Warn().Err(err).Msg("ops: no sql handle for readiness ping")
		}
	}
	h := handlers.New(pinger, deps.Relay, deps.Subs)

	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// NewServer builds the ops http.Server around an engine configured by
// RegisterRoutes.
func NewServer(cfg config.Config, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              ":" + cfg.OpsPort,
		Handler:           h,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

// limitBody caps request bodies at maxBytes using http.MaxBytesReader.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
