package handlers

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openpulse/pulse/internal/event"
)

// PostOutboundLink records a click on a link leaving the tracked site. Two
// wire forms: a raw absolute URL body (script variant) or a Ping-From /
// Ping-To header pair (native <a ping> variant).
func (h *EventsHandler) PostOutboundLink(c *gin.Context) {
	var uri, link event.URI
	var err error

	pingFrom := c.GetHeader("Ping-From")
	pingTo := c.GetHeader("Ping-To")
	if pingFrom != "" && pingTo != "" {
		// Pings are sent under an origin-only referrer policy: the From URL
		// carries no usable path, only the origin. Session resolution relies
		// on the chain's own exit position instead.
		pageFrom, parseErr := event.ParseURI(pingFrom)
		if parseErr != nil {
			abortError(c, http.StatusBadRequest, parseErr)
			return
		}
		uri = pageFrom.RootURI()
		link, err = event.ParseURI(pingTo)
	} else {
		uri, err = pageURI(c)
		if err != nil {
			abortError(c, http.StatusBadRequest, err)
			return
		}
		var raw []byte
		raw, err = io.ReadAll(c.Request.Body)
		if err == nil {
			link, err = event.ParseURI(string(raw))
		}
	}
	if err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}

	if link.Hostname() == uri.Hostname() {
		abortError(c, http.StatusBadRequest, errLinkNotOutbound)
		return
	}

	identity, err := h.resolveIdentity(c, uri)
	if err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}
	sess, err := h.waitCurrentSession(identity)
	if err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}

	h.enqueueOutboundLink(c, event.OutboundLinkClick{
		Timestamp: time.Now().UTC(),
		Session:   sess,
		PageURI:   uri,
		Link:      link,
	})
	c.Status(http.StatusOK)
}

// GetNoscriptOutboundLink records the click then redirects the visitor to
// the target. The redirect is issued even when no session resolves: breaking
// the visitor's navigation is worse than losing one analytics event.
func (h *EventsHandler) GetNoscriptOutboundLink(c *gin.Context) {
	link, err := event.ParseURI(c.Query("url"))
	if err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}

	uri, err := pageURI(c)
	if err == nil && link.Hostname() != uri.Hostname() {
		if identity, err := h.resolveIdentity(c, uri); err == nil {
			if sess, err := h.waitCurrentSession(identity); err == nil {
				h.enqueueOutboundLink(c, event.OutboundLinkClick{
					Timestamp: time.Now().UTC(),
					Session:   sess,
					PageURI:   uri,
					Link:      link,
				})
			}
		}
	}

	c.Redirect(http.StatusFound, link.String())
}

func (h *EventsHandler) enqueueOutboundLink(c *gin.Context, ev event.OutboundLinkClick) {
	if err := h.store.StoreOutboundLinkClick(c.Request.Context(), &ev); err != nil {
		h.log.Error("failed to enqueue outbound link click", "error", err)
	}
}
