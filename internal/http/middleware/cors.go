package middleware

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// EventsCORS allows beacons from any origin. The origin filter decides which
// sites are accepted; CORS only has to let the browser send the request with
// the tracker's custom headers.
func EventsCORS() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{
			"Content-Type",
			"X-Pulse-Referrer",
			"X-Pulse-Document-Referrer",
			"X-Pulse-Visitor-Id",
			"X-Pulse-Status",
			"Ping-From",
			"Ping-To",
		},
	})
}
