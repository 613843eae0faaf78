package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// PostSessionThis returns the caller's resolved current session as JSON.
// Debug endpoint used by the tracker test page.
func (h *EventsHandler) PostSessionThis(c *gin.Context) {
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
	sess, err := h.waitCurrentSession(identity)
	if err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}
