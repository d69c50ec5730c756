package api

import (
	"crypto/subtle"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ──────────────────────────────────────────────────────────────────
// Agent Token Authentication
//
// Endpoint agents authenticate the fast-event push with a shared token
// in the X-Agent-Token header. If AGENT_TOKEN is unset, the push
// endpoint is open (dev mode).
// ──────────────────────────────────────────────────────────────────

// AgentAuth returns a middleware validating the X-Agent-Token header with
// a constant-time comparison to prevent timing-based token enumeration.
func AgentAuth(token string) gin.HandlerFunc {
	if token == "" {
		log.Println("[SECURITY WARNING] AGENT_TOKEN is not set. " +
			"The /events/push endpoint accepts unauthenticated agents. " +
			"Set AGENT_TOKEN in your environment to enforce authentication.")
	}

	return func(c *gin.Context) {
		// If no token is configured, skip auth (development mode)
		if token == "" {
			c.Next()
			return
		}
		got := c.GetHeader("X-Agent-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid agent token"})
			c.Abort()
			return
		}
		c.Next()
	}
}
