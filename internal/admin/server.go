// Package admin serves the operational HTTP surface: health, crawl
// stats, and Prometheus metrics.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roverhq/rover/internal/logger"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Snapshot is the stats payload served on /stats.
type Snapshot struct {
	RunID         string `json:"run_id,omitempty"`
	Uptime        string `json:"uptime,omitempty"`
	Domains       int64  `json:"domains"`
	QueuedDomains int64  `json:"queued_domains"`
	PendingURLs   int64  `json:"pending_urls"`
	ConsumedURLs  int64  `json:"consumed_urls"`
	VisitedPages  int64  `json:"visited_pages"`
	QueueDepth    int64  `json:"queue_depth"`
	PagesFetched  int64  `json:"pages_fetched"`
	PagesParsed   int64  `json:"pages_parsed"`
}

// SnapshotFunc supplies the current crawl counters.
type SnapshotFunc func(ctx context.Context) (*Snapshot, error)

// SetupRouter creates the Gin router with all admin routes.
func SetupRouter(snapshot SnapshotFunc, gatherer prometheus.Gatherer, log logger.Interface) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggingMiddleware(log))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/stats", func(c *gin.Context) {
		snap, err := snapshot(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return router
}

// loggingMiddleware logs admin requests at debug level; the surface is
// polled by scrapers, so info would be noise.
func loggingMiddleware(log logger.Interface) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.Debug("admin request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}

// Server is the admin HTTP server.
type Server struct {
	srv *http.Server
	log logger.Interface
}

// NewServer builds the admin server on the given address.
func NewServer(addr string, snapshot SnapshotFunc, gatherer prometheus.Gatherer, log logger.Interface) *Server {
	log = log.WithComponent("admin")

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           SetupRouter(snapshot, gatherer, log),
			ReadHeaderTimeout: readHeaderTimeout,
		},
		log: log,
	}
}

// Start serves until Shutdown is called. A closed-server error is not
// reported; everything else is.
func (s *Server) Start() error {
	s.log.Info("admin server listening", "addr", s.srv.Addr)

	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	s.log.Info("admin server stopping")

	return s.srv.Shutdown(ctx)
}
