package middleware

import (
	"net"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/openpulse/pulse/internal/config"
	"github.com/openpulse/pulse/internal/platform/ctxutil"
)

// RequestContext resolves the client identity of the request and attaches it
// to the request context. Under a trusted proxy the configured forwarded-for
// and request-id headers are honored; otherwise both are ignored and the TCP
// peer address plus a fresh request id are used, regardless of what the
// client supplied.
func RequestContext(cfg config.Proxy) gin.HandlerFunc {
	return func(c *gin.Context) {
		rd := &ctxutil.RequestData{
			ClientIP:  peerIP(c.Request.RemoteAddr),
			RequestID: uuid.NewString(),
		}

		if cfg.Trust {
			if ip := forwardedIP(c.GetHeader(cfg.ForwardedForHeader)); ip != "" {
				rd.ClientIP = ip
			}
			if id := strings.TrimSpace(c.GetHeader(cfg.RequestIDHeader)); id != "" {
				rd.RequestID = id
			}
		}

		c.Request = c.Request.WithContext(ctxutil.WithRequestData(c.Request.Context(), rd))
		c.Next()
	}
}

// forwardedIP returns the first valid address of a forwarded-for list.
func forwardedIP(header string) string {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if net.ParseIP(candidate) != nil {
			return candidate
		}
	}
	return ""
}

func peerIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
