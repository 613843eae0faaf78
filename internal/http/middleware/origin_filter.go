package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openpulse/pulse/internal/event"
	"github.com/openpulse/pulse/internal/services/originregistry"
)

// OriginFilter rejects beacons whose site does not belong to a registered
// domain. The site is taken from the Origin header, falling back to the
// Referer host for noscript GET variants, which carry no Origin.
func OriginFilter(registry originregistry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" || origin == "null" {
			if ref, err := event.ParseURI(c.GetHeader("Referer")); err == nil {
				origin = ref.Hostname()
			}
		}

		if !registry.IsOriginRegistered(origin) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unregistered origin"})
			return
		}
		c.Next()
	}
}
