package server

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/secretary/internal/db"
)

// registerRoutes sets up all routes on the Gin router.
func registerRoutes(router *gin.Engine, opts Opts) {
	if opts.Webhook != nil {
		router.POST("/callback", opts.Webhook)
	}

	router.GET("/download/:dateFolder/:filename", handleDownload(opts.OutputDir, "dateFolder", "filename"))
	if opts.OrdersDir != "" {
		router.GET("/download-order/:filename", handleDownload(opts.OrdersDir, "filename"))
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))

	if opts.DB != nil {
		router.GET("/api/jobs", handleJobs(opts))
		router.GET("/api/jobs/summary", handleJobSummary(opts))
		router.GET("/api/events", handleSSE(opts.DB))
	}
}

// handleDownload serves root/<param...> as an attachment. Any segment
// containing ".." is refused.
func handleDownload(root string, params ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		parts := []string{root}
		for _, p := range params {
			v := c.Param(p)
			if v == "" || strings.Contains(v, "..") || strings.ContainsAny(v, `/\`) {
				c.String(http.StatusForbidden, "Forbidden")
				return
			}
			parts = append(parts, v)
		}
		path := filepath.Join(parts...)
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			c.String(http.StatusNotFound, "ファイルが見つかりません")
			return
		}
		c.FileAttachment(path, parts[len(parts)-1])
	}
}

func handleJobs(opts Opts) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
		if limit > 200 {
			limit = 200
		}
		runs, err := db.RecentJobRuns(opts.DB.WithContext(c.Request.Context()), db.JobRunFilter{
			UserKey:    c.Query("user"),
			Kind:       c.Query("kind"),
			FailedOnly: c.Query("failed") == "true",
			Limit:      limit,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"jobs": runs})
	}
}

func handleJobSummary(opts Opts) gin.HandlerFunc {
	return func(c *gin.Context) {
		since := time.Now().Add(-24 * time.Hour)
		if v := c.Query("since"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "since must be a duration such as 24h"})
				return
			}
			since = time.Now().Add(-d)
		}
		rows, err := JobSummary(opts.DB.WithContext(c.Request.Context()), since)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"since": since.UTC(), "kinds": rows})
	}
}
