package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openpulse/pulse/internal/event"
)

// PostIdentify merges visitor properties: the set map overwrites, the
// setOnce map fills only absent keys. An explicit visitorId rebinds the open
// session chain to that id for subsequent events.
func (h *EventsHandler) PostIdentify(c *gin.Context) {
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

	var body struct {
		VisitorID string                     `json:"visitorId"`
		Set       map[string]json.RawMessage `json:"set"`
		SetOnce   map[string]json.RawMessage `json:"setOnce"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}

	h.handleIdentify(c, identity, body.VisitorID, body.SetOnce, body.Set, false)
}

// GetNoscriptIdentify reads the property maps from set-* and set-once-*
// query parameters.
func (h *EventsHandler) GetNoscriptIdentify(c *gin.Context) {
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

	set := map[string]json.RawMessage{}
	setOnce := map[string]json.RawMessage{}
	for param, vals := range c.Request.URL.Query() {
		if len(vals) == 0 {
			continue
		}
		raw, _ := json.Marshal(vals[0])
		// set-once- must be tested first: it is itself a set- prefix.
		if key, found := strings.CutPrefix(param, "set-once-"); found && key != "" {
			setOnce[key] = raw
		} else if key, found := strings.CutPrefix(param, "set-"); found && key != "" {
			set[key] = raw
		}
	}

	h.handleIdentify(c, identity, c.Query("visitor-id"), setOnce, set, true)
}

func (h *EventsHandler) handleIdentify(
	c *gin.Context,
	identity requestIdentity,
	explicitVisitorID string,
	setOnce, set map[string]json.RawMessage,
	noscript bool,
) {
	sess, err := h.waitCurrentSession(identity)
	if err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}

	// Rebinding only affects the in-memory chain: sessions already persisted
	// keep the visitor id they were recorded with.
	if explicitVisitorID != "" && explicitVisitorID != sess.VisitorID {
		if rebound, ok := h.sessions.IdentifySession(identity.deviceKey, explicitVisitorID); ok {
			sess = rebound
		}
	}

	initialKeys, initialValues := flattenProperties(dropNullValues(setOnce))
	keys, values := flattenProperties(dropNullValues(set))

	ev := event.Identify{
		Timestamp:     time.Now().UTC(),
		Session:       sess,
		InitialKeys:   initialKeys,
		InitialValues: initialValues,
		Keys:          keys,
		Values:        values,
	}
	if err := h.store.StoreIdentify(c.Request.Context(), &ev); err != nil {
		h.log.Error("failed to enqueue identify event", "error", err)
	}

	if noscript {
		respondGIF(c)
		return
	}
	c.Status(http.StatusOK)
}

// dropNullValues removes keys whose value is JSON null before merging, the
// wire form of undefined client-side values.
func dropNullValues(props map[string]json.RawMessage) map[string]json.RawMessage {
	for key, raw := range props {
		if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			delete(props, key)
		}
	}
	return props
}
