// Package admin serves the HTTP admin endpoint of a memcached server:
// health, statistics and Prometheus metrics.
package admin

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pior/memcached"
	"github.com/pior/memcached/store"
)

// Options configures the admin router.
type Options struct {
	// Server is the protocol server whose counters are reported. Required.
	Server *memcached.Server

	// Store adds the cache counters to /stats when set.
	Store *store.Store

	// Gatherer serves /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	Version string
	Logger  zerolog.Logger
}

type statsResponse struct {
	Server memcached.Stats `json:"server"`
	Store  *store.Stats    `json:"store,omitempty"`
}

// NewRouter returns the admin routes.
func NewRouter(opts Options) *gin.Engine {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	started := time.Now()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(opts.Logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(started).Round(time.Second).String(),
			"version": opts.Version,
			"addrs":   addrStrings(opts.Server),
		})
	})

	r.GET("/stats", func(c *gin.Context) {
		resp := statsResponse{Server: opts.Server.Stats()}
		if opts.Store != nil {
			st := opts.Store.Stats()
			resp.Store = &st
		}
		c.JSON(http.StatusOK, resp)
	})

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))

	return r
}

// RequestLogger logs every request, at warn for client errors and error for
// server errors.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		event := logger.Debug()
		if status >= 500 {
			event = logger.Error()
		} else if status >= 400 {
			event = logger.Warn()
		}

		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int("bytes", c.Writer.Size()).
			Msg("http_request")
	}
}

func addrStrings(srv *memcached.Server) []string {
	var addrs []string
	for _, a := range srv.Addrs() {
		addrs = append(addrs, a.String())
	}
	return addrs
}
