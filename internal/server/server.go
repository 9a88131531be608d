// Package server is the bot's HTTP surface: the LINE WORKS callback, PDF
// download links, health, Prometheus metrics and a small job audit API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zulandar/secretary/internal/logging"
	"github.com/zulandar/secretary/internal/metrics"
)

// Opts holds configuration for the HTTP server.
type Opts struct {
	Addr      string // defaults to ":3000"
	OutputDir string // served under /download
	OrdersDir string // served under /download-order
	// Webhook handles POST /callback; the route is absent when nil.
	Webhook gin.HandlerFunc
	DB      *gorm.DB // enables /api/jobs and /api/events
	Metrics *metrics.Recorder
	Logger  *zap.Logger
}

// New builds the gin engine with every route registered.
func New(opts Opts) (*gin.Engine, error) {
	if opts.OutputDir == "" {
		return nil, fmt.Errorf("server: output dir is required")
	}
	log := logging.OrNop(opts.Logger).Named("http")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log))
	registerRoutes(router, opts)
	return router, nil
}

// Start launches the HTTP server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts Opts) error {
	router, err := New(opts)
	if err != nil {
		return err
	}
	if opts.Addr == "" {
		opts.Addr = ":3000"
	}
	log := logging.OrNop(opts.Logger).Named("http")

	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("listening", zap.String("addr", opts.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// requestLogger logs one line per request at debug, or warn for 5xx.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Warn("request", fields...)
			return
		}
		log.Debug("request", fields...)
	}
}
