package auth

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Middleware enforces HMAC authentication on a gin route group. The body
// is read for verification and restored for downstream handlers.
func Middleware(v *Verifier, logger *slog.Logger) gin.HandlerFunc {
	log := logger.With("component", "auth")

	return func(c *gin.Context) {
		signature := c.GetHeader(HeaderSignature)
		timestamp := c.GetHeader(HeaderTimestamp)

		if signature == "" || timestamp == "" {
			log.Warn("Missing auth headers", "path", c.Request.URL.Path, "ip", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing authentication headers",
			})
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		if err := v.Verify(signature, timestamp, body); err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, ErrStaleRequest) {
				log.Warn("Stale request rejected", "path", c.Request.URL.Path, "ip", c.ClientIP())
			} else {
				log.Warn("Bad signature rejected", "path", c.Request.URL.Path, "ip", c.ClientIP())
			}
			c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
			return
		}

		c.Next()
	}
}
