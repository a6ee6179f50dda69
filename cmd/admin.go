package cmd

import (
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ewrogers/postgredis/internal/metrics"
	"github.com/ewrogers/postgredis/internal/stats"
)

func setupRouter(debugHTTP bool, log *zap.Logger) *gin.Engine {
	gin.DisableConsoleColor()
	if !debugHTTP {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Logs all requests, like a combined access and error log, in RFC3339
	// UTC time. Health checks are too noisy to log.
	r.Use(ginzap.GinzapWithConfig(log, &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/health", "/metrics"},
	}))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	r.Use(ginzap.RecoveryWithZap(log, true))

	return r
}

func registerAdminRoutes(r *gin.Engine, reporter *stats.Reporter, gatherer prometheus.Gatherer) {
	// Ping test
	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	r.GET("/health", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	r.GET("/metrics", gin.WrapH(metrics.Handler(gatherer)))

	// GET /stats returns everything, GET /stats?path=router.handled a
	// single value.
	r.GET("/stats", func(c *gin.Context) {
		snapshot, err := reporter.Snapshot()
		if err != nil {
			_ = c.Error(err)
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		if path := c.Query("path"); path != "" {
			raw, ok := stats.Lookup(snapshot, path)
			if !ok {
				c.AbortWithStatus(http.StatusNotFound)
				return
			}
			snapshot = raw
		}

		c.Data(http.StatusOK, "application/json", snapshot)
	})
}
