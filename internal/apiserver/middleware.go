// Package apiserver is the external HTTP binding (§6, explicitly "out of
// scope" for the orchestration core itself but still part of the complete
// repo): gin composition, auth, and wire-format encode/decode, adapted from
// the teacher's internal/server/{server,middleware}.go. Route and header
// shapes are new where the spec's wire format differs from the teacher's
// (native dialect paths, bare SSE error frames, Store-backed multi-key
// auth instead of a single static key).
package apiserver

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/forgebridge/assist-gateway/internal/logging"
	"github.com/forgebridge/assist-gateway/internal/store"
)

const apiKeyContextKey = "apiKeyID"

// CORSMiddleware mirrors the teacher's permissive CORS policy.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// APIKeyAuthMiddleware replaces the teacher's single-static-key comparison
// with a Store-backed lookup by SHA-256 hash (§4.5 step 1 supplement: the
// spec names "an Authorization: Bearer <api-key> header" but leaves key
// management to the Store's api_keys table, listed in §6's persistent
// state layout).
func APIKeyAuthMiddleware(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var provided string
		if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			provided = strings.TrimPrefix(auth, "Bearer ")
		} else if xkey := c.GetHeader("X-API-Key"); xkey != "" {
			provided = xkey
		}

		if provided == "" {
			unauthorized(c)
			return
		}

		key, err := st.LookupAPIKey(c.Request.Context(), hashAPIKey(provided))
		if err != nil || key == nil || key.Disabled {
			logging.Warn("[apiserver] unauthorized request from %s", c.ClientIP())
			unauthorized(c)
			return
		}

		c.Set(apiKeyContextKey, key.ID)
		c.Next()
	}
}

func hashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func unauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": gin.H{"message": "Invalid or missing API key", "code": "invalid_api_key"},
	})
}

func apiKeyIDFrom(c *gin.Context) int64 {
	v, ok := c.Get(apiKeyContextKey)
	if !ok {
		return 0
	}
	id, _ := v.(int64)
	return id
}

// RequestLoggingMiddleware mirrors the teacher's access log, minus its
// Claude-Code-CLI-specific silent paths (this gateway has no such caller).
func RequestLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		d := time.Since(start)
		msg := "[%s] %s %d (%dms)"
		switch {
		case status >= 500:
			logging.Error(msg, c.Request.Method, c.Request.URL.Path, status, d.Milliseconds())
		case status >= 400:
			logging.Warn(msg, c.Request.Method, c.Request.URL.Path, status, d.Milliseconds())
		default:
			logging.Info(msg, c.Request.Method, c.Request.URL.Path, status, d.Milliseconds())
		}
	}
}
