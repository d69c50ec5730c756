package api

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sentrix/scan-engine/internal/analyzer"
	"github.com/sentrix/scan-engine/internal/bus"
	"github.com/sentrix/scan-engine/internal/config"
	"github.com/sentrix/scan-engine/internal/policy"
	"github.com/sentrix/scan-engine/internal/scanner"
	"github.com/sentrix/scan-engine/internal/store"
	"github.com/sentrix/scan-engine/internal/watcher"
	"github.com/sentrix/scan-engine/internal/worker"
)

// Server bundles every subsystem the HTTP surface touches.
type Server struct {
	cfg        config.Config
	store      *store.Store
	engine     *analyzer.Engine
	enforcer   *policy.Enforcer
	broker     *bus.Broker
	hub        *bus.Hub
	queue      *worker.Queue
	dirScanner *scanner.DirScanner
	watcher    *watcher.Watcher
	startedAt  time.Time
}

func NewServer(cfg config.Config, st *store.Store, engine *analyzer.Engine, enforcer *policy.Enforcer,
	broker *bus.Broker, hub *bus.Hub, queue *worker.Queue, dirScanner *scanner.DirScanner, w *watcher.Watcher) *Server {
	return &Server{
		cfg:        cfg,
		store:      st,
		engine:     engine,
		enforcer:   enforcer,
		broker:     broker,
		hub:        hub,
		queue:      queue,
		dirScanner: dirScanner,
		watcher:    w,
		startedAt:  time.Now(),
	}
}

// SetupRouter wires middleware and routes.
func (s *Server) SetupRouter() *gin.Engine {
	r := gin.Default()

	// Enable CORS — configurable via ALLOWED_ORIGINS
	// Production: ALLOWED_ORIGINS=https://console.example.com
	// Development: leave empty for *
	allowedOrigins := s.cfg.AllowedOrigins
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			// Check if the request origin is in the allowed list
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Agent-Token")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	// Rate limit the endpoints that do real work per request. Reads and
	// the live streams stay unlimited.
	limited := NewRateLimiter(s.cfg.RateLimitPerMin, s.cfg.RateLimitBurst).Middleware()

	r.GET("/health", s.handleHealth)

	r.GET("/events/stream", s.handleEventStream)
	r.GET("/events/ws", s.handleEventSocket)
	r.GET("/events/recent", s.handleRecentEvents)
	r.POST("/events/push", limited, AgentAuth(s.cfg.AgentToken), s.handleEventPush)

	r.GET("/devices", s.handleListDevices)
	r.GET("/stats/timeseries", s.handleTimeseries)

	r.POST("/scan-file", limited, s.handleScanUpload)
	r.POST("/scan/path", limited, s.handleScanPath)
	r.GET("/scan/progress", s.handleScanProgress)
	r.GET("/scans/recent", s.handleRecentScans)

	r.POST("/watch/start", s.handleWatchStart)
	r.POST("/watch/stop", s.handleWatchStop)
	r.GET("/watch/status", s.handleWatchStatus)

	return r
}
