package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/openpulse/pulse/internal/event"
)

func (h *EventsHandler) PostPageview(c *gin.Context) {
	h.handlePageview(c, false)
}

func (h *EventsHandler) GetNoscriptPageview(c *gin.Context) {
	h.handlePageview(c, true)
}

// handlePageview runs the session resolution state machine: an external or
// missing document referrer roots a new chain; an internal one claims the
// chain positioned at the referrer path and advances it; a claim miss falls
// back to a duplicate-tab fork, then to a fresh root.
func (h *EventsHandler) handlePageview(c *gin.Context, noscript bool) {
	uri, err := pageURI(c)
	if err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}

	identity, err := h.resolveIdentity(c, uri)
	if err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}

	docReferrerRaw := c.GetHeader(headerDocumentReferrer)
	if docReferrerRaw == "" {
		docReferrerRaw = c.Query("document-referrer")
	}
	docReferrer, err := event.ParseReferrerURI(docReferrerRaw)
	if err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}

	now := time.Now().UTC()
	status, err := pageviewStatus(c)
	if err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}

	internal := docReferrer.IsValid() && docReferrer.Hostname() == uri.Hostname()
	if internal {
		if prev, curr, ok := h.sessions.AddPageview(identity.deviceKey, docReferrer, uri); ok {
			// An explicit visitor id on a continuation rebinds the chain.
			if identity.explicit && curr.VisitorID != identity.visitorID {
				if rebound, ok := h.sessions.IdentifySession(identity.deviceKey, identity.visitorID); ok {
					curr = rebound
				}
			}
			h.enqueuePageview(c, event.Pageview{
				Timestamp:   now,
				Session:     curr,
				PrevSession: &prev,
				PageURI:     uri,
				Status:      status,
			})
			h.respondPageview(c, noscript)
			return
		}

		// The referrer position was already consumed. When the current page
		// itself has an open chain this is a refresh or a duplicated tab:
		// fork under a fresh UUID and let the next confirmed pageview make it
		// durable.
		sessionUUID, err := uuid.NewV7()
		if err != nil {
			abortError(c, http.StatusInternalServerError, err)
			return
		}
		if _, ok := h.sessions.ForkSession(identity.deviceKey, uri.Path(), sessionUUID); ok {
			h.respondPageview(c, noscript)
			return
		}
	}

	// Session root. Same-site referrers cannot be the traffic source, they
	// classify as direct.
	referrer := docReferrer
	if internal {
		referrer = event.ReferrerURI{}
	}

	sessionUUID, err := uuid.NewV7()
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}
	sess := event.Session{
		SessionUUID: sessionUUID,
		Version:     1,
		VisitorID:   identity.visitorID,
		PageURI:     uri,
		EntryPath:   uri.Path(),
		EntryTime:   now,
		ExitTime:    now,
		ReferrerURI: referrer,
		UTM:         event.ExtractUTMParams(uri.Query()),
		Client:      identity.client,
		CountryCode: h.ipGeolocator.FindCountryCodeForIP(identity.clientIP),
	}

	if !h.sessions.InsertSession(identity.deviceKey, sess) {
		abortError(c, http.StatusBadRequest, errTooManySessions)
		return
	}

	h.enqueuePageview(c, event.Pageview{
		Timestamp: now,
		Session:   sess,
		PageURI:   uri,
		Status:    status,
	})
	h.respondPageview(c, noscript)
}

func (h *EventsHandler) enqueuePageview(c *gin.Context, pv event.Pageview) {
	if err := h.store.StorePageview(c.Request.Context(), &pv); err != nil {
		h.log.Error("failed to enqueue pageview", "error", err)
	}
}

func (h *EventsHandler) respondPageview(c *gin.Context, noscript bool) {
	if noscript {
		respondGIF(c)
		return
	}
	c.Status(http.StatusOK)
}

// pageviewStatus reads the reported HTTP status of the tracked page,
// defaulting to 200 when absent. Used by trackers reporting 404 pages; a
// present but unparseable or out-of-range value is an error.
func pageviewStatus(c *gin.Context) (uint16, error) {
	raw := c.GetHeader(headerStatus)
	if raw == "" {
		raw = c.Query("status")
	}
	if raw == "" {
		return http.StatusOK, nil
	}
	status, err := strconv.ParseUint(raw, 10, 16)
	if err != nil || status < 100 || status > 599 {
		return 0, errInvalidStatus
	}
	return uint16(status), nil
}
