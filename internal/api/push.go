package api

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sentrix/scan-engine/pkg/models"
)

// pushRequest is one fast event from an endpoint agent: a lightweight
// sighting the agent wants broadcast immediately, ahead of any deep scan.
type pushRequest struct {
	Type     string         `json:"type"`
	Path     string         `json:"path"`
	TS       float64        `json:"ts"`
	Severity string         `json:"severity"`
	Meta     map[string]any `json:"meta"`
	Policy   map[string]any `json:"policy"`
	Agent    agentInfo      `json:"agent"`
	// Agents default this to true; only an explicit false opts out.
	EnqueueDeepScan *bool `json:"enqueue_deep_scan"`
}

type agentInfo struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	OS      string         `json:"os"`
	Arch    string         `json:"arch"`
	Version string         `json:"version"`
	Meta    map[string]any `json:"meta"`
}

// handleEventPush ingests one agent event: hash it if possible, check the
// offline signature DB, register the device, publish, optionally enqueue a
// deep scan.
func (s *Server) handleEventPush(c *gin.Context) {
	var req pushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.Meta == nil {
		req.Meta = map[string]any{}
	}
	if req.TS == 0 {
		req.TS = float64(time.Now().UnixNano()) / 1e9
	}

	// Hash resolution: trust the agent's sha256 when given, otherwise MD5
	// the local file if it exists.
	sha256Hex, _ := req.Meta["sha256"].(string)
	sha256Hex = strings.ToLower(strings.TrimSpace(sha256Hex))
	md5Hex := ""
	if sha256Hex == "" && req.Path != "" {
		md5Hex = md5File(req.Path)
	}

	severity := models.ParseSeverity(strings.ToLower(req.Severity))
	sigHit := false
	if rec, ok := s.store.LookupSignature(sha256Hex, md5Hex); ok {
		sigHit = true
		severity = models.MaxSeverity(severity, rec.Severity)

		hits, _ := req.Meta["signature_hits"].([]any)
		hits = append(hits, map[string]any{
			"provider": rec.Source,
			"family":   rec.Family,
			"type":     rec.Type,
			"by":       "hash",
		})
		req.Meta["signature_hits"] = hits
		req.Meta["signature_offline"] = true

		s.broker.Publish(models.EventSignatureHit, gin.H{
			"type":     models.EventSignatureHit,
			"ts":       req.TS,
			"path":     req.Path,
			"severity": string(severity),
			"family":   rec.Family,
			"source":   "agent",
			"agent":    req.Agent,
		})
	}

	if req.Agent.ID != "" {
		dev := models.Device{
			ID:       req.Agent.ID,
			Name:     req.Agent.Name,
			OS:       req.Agent.OS,
			Arch:     req.Agent.Arch,
			Version:  req.Agent.Version,
			LastSeen: req.TS,
			Meta:     req.Agent.Meta,
		}
		if err := s.store.UpsertDevice(dev); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to register device", "details": err.Error()})
			return
		}
	}

	payload := gin.H{
		"type":   models.EventFastEvent,
		"ts":     req.TS,
		"path":   req.Path,
		"meta":   req.Meta,
		"agent":  req.Agent,
		"source": "agent",
	}
	if req.Policy != nil {
		payload["policy"] = req.Policy
	}
	if req.Severity != "" || sigHit {
		payload["severity"] = string(severity)
	}
	s.broker.Publish(models.EventFastEvent, payload)

	deepScan := true
	if req.EnqueueDeepScan != nil {
		deepScan = *req.EnqueueDeepScan
	}
	enqueued := false
	if deepScan && req.Path != "" {
		if st, err := os.Stat(req.Path); err == nil && st.Mode().IsRegular() {
			enqueued = s.queue.Enqueue(models.ScanJob{Type: "scan_file", Path: req.Path, TS: req.TS})
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":             "ok",
		"published":          true,
		"enqueued_deep_scan": enqueued,
	})
}

// md5File hashes a local file, returning "" on any error. MD5 here is a
// lookup key into legacy signature feeds, not an integrity check.
func md5File(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}
