package api

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sentrix/scan-engine/pkg/models"
)

// handleHealth returns engine status for service discovery and dashboards.
func (s *Server) handleHealth(c *gin.Context) {
	sigCount, _ := s.store.CountSignatures()
	watch := s.watcher.Status()

	c.JSON(http.StatusOK, gin.H{
		"status":             "ok",
		"model_loaded":       s.engine.ModelLoaded(),
		"reputation_enabled": s.engine.ReputationEnabled(),
		"signatures":         sigCount,
		"signature_version":  s.engine.SignatureVersion(),
		"watch":              watch,
		"autoscan":           watch.Running,
		"policy": gin.H{
			"mode":         s.enforcer.Mode(),
			"min_severity": s.enforcer.MinSeverity(),
		},
		"queue": gin.H{
			"depth":   s.queue.Len(),
			"dropped": s.queue.Dropped(),
		},
		"time": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleRecentEvents reads the event log. Query: limit, since (event id),
// type.
func (s *Server) handleRecentEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	since, _ := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	eventType := c.Query("type")

	events, err := s.store.RecentEvents(limit, since, eventType)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read events", "details": err.Error()})
		return
	}
	if events == nil {
		events = []models.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// handleListDevices returns the agent registry.
func (s *Server) handleListDevices(c *gin.Context) {
	devices, err := s.store.ListDevices()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list devices", "details": err.Error()})
		return
	}
	if devices == nil {
		devices = []models.Device{}
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices, "count": len(devices)})
}

// handleTimeseries returns severity-bucketed event counts for dashboards.
// Query: start, end (unix seconds, default last 24h), bucket=min|hour|day.
func (s *Server) handleTimeseries(c *gin.Context) {
	now := float64(time.Now().Unix())
	start, err := strconv.ParseFloat(c.DefaultQuery("start", fmt.Sprintf("%f", now-86400)), 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid start"})
		return
	}
	end, err := strconv.ParseFloat(c.DefaultQuery("end", fmt.Sprintf("%f", now)), 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid end"})
		return
	}
	bucket := c.DefaultQuery("bucket", "hour")

	series, err := s.store.Timeseries(start, end, bucket)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to build timeseries", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"bucket": bucket, "series": series})
}

// handleRecentScans returns the newest persisted scan results.
func (s *Server) handleRecentScans(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	results, err := s.store.RecentScans(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read scans", "details": err.Error()})
		return
	}
	if results == nil {
		results = []models.ScanResult{}
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "count": len(results)})
}

// handleScanUpload accepts a multipart batch of files, scans each one
// synchronously and returns the per-file verdicts plus a summary.
func (s *Server) handleScanUpload(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Expected multipart form with files"})
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		files = form.File["file"]
	}
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No files in request"})
		return
	}

	sessionDir := filepath.Join(s.cfg.UploadsDir, time.Now().UTC().Format("session_20060102_150405"))
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create session dir", "details": err.Error()})
		return
	}

	var results []models.ScanResult
	dangerous, high, critical := 0, 0, 0

	for _, fh := range files {
		dst := filepath.Join(sessionDir, filepath.Base(fh.Filename))
		if err := c.SaveUploadedFile(fh, dst); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store upload", "details": err.Error()})
			return
		}

		res := s.engine.ScanFile(c.Request.Context(), dst)
		res = s.applyOfflineSignature(res)
		res.Policy = s.enforcer.Apply(dst, res.Severity)

		if err := s.store.InsertScanResult(res); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to persist result", "details": err.Error()})
			return
		}
		s.broker.Publish(models.EventScanResult, gin.H{
			"type":   models.EventScanResult,
			"ts":     float64(time.Now().UnixNano()) / 1e9,
			"result": res,
			"policy": res.Policy,
			"source": "upload",
		})

		switch res.Severity {
		case models.SeverityCritical:
			critical++
			dangerous++
		case models.SeverityHigh:
			high++
			dangerous++
		}
		results = append(results, res)
	}

	c.JSON(http.StatusOK, gin.H{
		"session": filepath.Base(sessionDir),
		"results": results,
		"summary": gin.H{
			"count":     len(results),
			"dangerous": dangerous,
			"high":      high,
			"critical":  critical,
		},
	})
}

// applyOfflineSignature merges an offline hash-DB hit into a scan result:
// the severity only upgrades and the hit is recorded as provenance.
func (s *Server) applyOfflineSignature(res models.ScanResult) models.ScanResult {
	rec, ok := s.store.LookupSignature(res.SHA256, "")
	if !ok {
		return res
	}
	res.Severity = models.MaxSeverity(res.Severity, rec.Severity)
	res.SignatureHits = append(res.SignatureHits, models.SignatureProvenance{
		Provider: rec.Source,
		Family:   rec.Family,
		Type:     rec.Type,
		By:       "hash",
	})
	return res
}

// handleScanPath launches a server-side directory walk in the background.
// POST /scan/path { "path": "/data/incoming" }
func (s *Server) handleScanPath(c *gin.Context) {
	var req struct {
		Path string `json:"path"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected: {path}"})
		return
	}

	if err := s.dirScanner.ScanPath(c.Request.Context(), req.Path); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "scan_started", "path": req.Path})
}

// handleScanProgress returns the current progress of the directory scanner.
func (s *Server) handleScanProgress(c *gin.Context) {
	c.JSON(http.StatusOK, s.dirScanner.GetProgress())
}

// handleWatchStart starts the filesystem watcher.
// POST /watch/start { "paths": ["/data"], "recursive": true }
func (s *Server) handleWatchStart(c *gin.Context) {
	var req struct {
		Paths     []string `json:"paths"`
		Recursive *bool    `json:"recursive"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	paths := req.Paths
	if len(paths) == 0 {
		paths = s.cfg.WatchDirs
	}
	if len(paths) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No paths given and WATCH_DIRS not configured"})
		return
	}
	recursive := s.cfg.WatchRecursive
	if req.Recursive != nil {
		recursive = *req.Recursive
	}

	if err := s.watcher.Start(paths, recursive); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "watching", "watch": s.watcher.Status()})
}

// handleWatchStop stops the filesystem watcher.
func (s *Server) handleWatchStop(c *gin.Context) {
	if err := s.watcher.Stop(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// handleWatchStatus reports the watcher state.
func (s *Server) handleWatchStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.watcher.Status())
}
