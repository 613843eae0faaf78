// Package handlers implements the beacon ingestion endpoints. Every handler
// follows the same pipeline: parse the page URI, resolve the visitor
// identity, resolve or advance the session, enqueue the event.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openpulse/pulse/internal/event"
	"github.com/openpulse/pulse/internal/platform/ctxutil"
	"github.com/openpulse/pulse/internal/platform/logger"
	"github.com/openpulse/pulse/internal/services/eventstore"
	"github.com/openpulse/pulse/internal/services/ipgeolocator"
	"github.com/openpulse/pulse/internal/services/saltmanager"
	"github.com/openpulse/pulse/internal/services/sessions"
	"github.com/openpulse/pulse/internal/services/uaparser"
	"github.com/openpulse/pulse/internal/services/visitors"
)

const (
	headerReferrer         = "X-Pulse-Referrer"
	headerDocumentReferrer = "X-Pulse-Document-Referrer"
	headerVisitorID        = "X-Pulse-Visitor-Id"
	headerStatus           = "X-Pulse-Status"
)

// defaultWaitTimeout bounds how long a non-pageview event waits for its
// session-creating pageview to land.
const defaultWaitTimeout = 3 * time.Second

var (
	errBotTraffic      = errors.New("bot traffic")
	errSessionNotFound = errors.New("session not found")
	errTooManySessions = errors.New("too many open sessions for visitor")
	errLinkNotOutbound = errors.New("link target is not outbound")
	errInvalidStatus   = errors.New("invalid pageview status")
)

// A transparent 1x1 GIF, the classic noscript beacon response.
var noscriptGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xFF, 0xFF, 0xFF, 0x21, 0xF9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2C, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3B,
}

type EventsHandler struct {
	log          *logger.Logger
	uaParser     uaparser.Service
	ipGeolocator ipgeolocator.Service
	saltManager  saltmanager.Service
	sessions     sessions.Service
	store        eventstore.Service
	waitTimeout  time.Duration
}

func NewEventsHandler(
	log *logger.Logger,
	uaParser uaparser.Service,
	ipGeolocator ipgeolocator.Service,
	saltManager saltmanager.Service,
	sessionStore sessions.Service,
	store eventstore.Service,
	waitTimeout time.Duration,
) *EventsHandler {
	if waitTimeout <= 0 {
		waitTimeout = defaultWaitTimeout
	}
	return &EventsHandler{
		log:          log.With("handler", "events"),
		uaParser:     uaParser,
		ipGeolocator: ipGeolocator,
		saltManager:  saltManager,
		sessions:     sessionStore,
		store:        store,
		waitTimeout:  waitTimeout,
	}
}

// requestIdentity is the resolved caller of one beacon.
type requestIdentity struct {
	deviceKey uint64
	visitorID string
	// explicit marks a visitor id supplied by the tracker rather than
	// derived from the fingerprint.
	explicit bool
	client   uaparser.Client
	clientIP string
}

// resolveIdentity classifies the User-Agent and derives the device key and
// visitor id. An explicit non-empty visitor id wins over the fingerprint.
func (h *EventsHandler) resolveIdentity(c *gin.Context, pageURI event.URI) (requestIdentity, error) {
	userAgent := c.GetHeader("User-Agent")
	client := h.uaParser.ParseUserAgent(userAgent)
	if client.IsBot {
		return requestIdentity{}, errBotTraffic
	}
	uaparser.ApplyClientHints(&client, c.GetHeader("Sec-Ch-Ua-Model"), c.GetHeader("Sec-Ch-Ua-Platform"))

	clientIP := ""
	if rd := ctxutil.GetRequestData(c.Request.Context()); rd != nil {
		clientIP = rd.ClientIP
	}

	identity := requestIdentity{
		deviceKey: visitors.DeviceKey(h.saltManager.StaticSalt(), userAgent, clientIP, pageURI.Hostname()),
		client:    client,
		clientIP:  clientIP,
	}

	identity.visitorID = c.GetHeader(headerVisitorID)
	if identity.visitorID == "" {
		identity.visitorID = c.Query("visitor-id")
	}
	identity.explicit = identity.visitorID != ""
	if identity.visitorID == "" {
		identity.visitorID = visitors.VisitorID(h.saltManager.DailySalt(), userAgent, clientIP, pageURI.Hostname())
	}
	return identity, nil
}

// pageURI extracts the tracked page URL. Script beacons carry it in the
// custom referrer header with the plain Referer as fallback; noscript image
// beacons carry it in the Referer (the page embedding the image) or a
// referrer query parameter.
func pageURI(c *gin.Context) (event.URI, error) {
	raw := c.GetHeader(headerReferrer)
	if raw == "" {
		raw = c.Query("referrer")
	}
	if raw == "" {
		raw = c.GetHeader("Referer")
	}
	return event.ParseURI(raw)
}

// waitCurrentSession resolves the open session a non-pageview event attaches
// to, waiting briefly in case the session-creating pageview is still in
// flight.
func (h *EventsHandler) waitCurrentSession(identity requestIdentity) (event.Session, error) {
	sess, ok := h.sessions.WaitSession(identity.deviceKey, h.waitTimeout)
	if !ok {
		return event.Session{}, errSessionNotFound
	}
	return sess, nil
}

func abortError(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func respondGIF(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/gif", noscriptGIF)
}
