package bootstrap

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"relayq/pkg/health"
	"relayq/pkg/middleware"
	"relayq/pkg/ratelimit"
	"relayq/pkg/tracing"
)

// NewRouter returns a gin engine with the shared middleware chain and the
// /health, /metrics and /swagger endpoints. ctx bounds the rate limiter's
// sweeper.
func (b *Base) NewRouter(ctx context.Context, serviceName string, registry *health.CheckerRegistry) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if b.Config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware(serviceName))
	}

	router.Use(middleware.RecoveryMiddleware(b.Logger))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.LoggerMiddleware(b.Logger))

	if b.Config.Management.RateLimit.Enabled {
		cfg := ratelimit.ConfigFrom(b.Config.Management.RateLimit)
		router.Use(ratelimit.RateLimitMiddleware(ctx, cfg))
		b.Logger.InfowCtx(ctx, "Rate limiting enabled", "rps", cfg.RPS, "burst", cfg.Burst)
	}

	router.GET("/health", func(c *gin.Context) {
		h := registry.Check(c.Request.Context())
		statusCode := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, h)
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	return router
}

func (b *Base) NewServer(handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", b.Config.Server.Port),
		Handler:      handler,
		ReadTimeout:  b.Config.Server.ReadTimeoutSeconds,
		WriteTimeout: b.Config.Server.WriteTimeoutSeconds,
	}
}
