package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	appErrors "github.com/jmerrifield20/linkdeal/pkg/errors"
	"github.com/jmerrifield20/linkdeal/pkg/response"
)

// Pinger reports backend health; *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterConfig holds the HTTP settings of the server.
type RouterConfig struct {
	CORSOrigins  []string
	RateLimitRPS int
	Health       Pinger
}

var errUnavailable = appErrors.New("UNAVAILABLE", "Service unavailable", http.StatusServiceUnavailable)

// NewRouter builds the gin engine with the full middleware chain. ctx bounds
// the rate limiter's background sweep.
func NewRouter(ctx context.Context, cfg RouterConfig, h *Handler, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(RequestID(), Recovery(logger))
	if len(cfg.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", headerRequestID},
			ExposeHeaders:    []string{"Content-Length", headerRequestID},
			AllowCredentials: !containsWildcard(cfg.CORSOrigins),
			MaxAge:           12 * time.Hour,
		}))
	}
	router.Use(SecurityHeaders(), BodyLimit())
	if cfg.RateLimitRPS > 0 {
		router.Use(RateLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitRPS*2))
	}
	router.Use(PrometheusMiddleware(), RequestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		if cfg.Health != nil {
			pctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := cfg.Health.Ping(pctx); err != nil {
				logger.Warn("health check failed", zap.Error(err))
				response.Error(c, errUnavailable.WithInternal(err))
				return
			}
		}
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", MetricsHandler())

	h.Register(router.Group("/auth"))

	router.NoRoute(func(c *gin.Context) {
		response.Error(c, appErrors.ErrNotFound)
	})
	return router
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}
