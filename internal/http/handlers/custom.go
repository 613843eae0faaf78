package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openpulse/pulse/internal/event"
)

// PostCustom records a named event. The body may be a JSON object, a JSON
// scalar, or absent; only an object's top-level keys become properties.
func (h *EventsHandler) PostCustom(c *gin.Context) {
	uri, err := pageURI(c)
	if err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}
	name := c.Param("name")
	if err := event.ValidateCustomEventName(name); err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}

	identity, err := h.resolveIdentity(c, uri)
	if err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}

	keys, values, err := customProperties(c.Request.Body)
	if err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}

	sess, err := h.waitCurrentSession(identity)
	if err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}

	h.enqueueCustom(c, event.Custom{
		Timestamp: time.Now().UTC(),
		Session:   sess,
		PageURI:   uri,
		Name:      name,
		Keys:      keys,
		Values:    values,
	})
	c.Status(http.StatusOK)
}

// GetNoscriptCustom records a named event with properties passed as prop-*
// query parameters.
func (h *EventsHandler) GetNoscriptCustom(c *gin.Context) {
	uri, err := pageURI(c)
	if err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}
	name := c.Param("name")
	if err := event.ValidateCustomEventName(name); err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}

	identity, err := h.resolveIdentity(c, uri)
	if err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}

	props := map[string]json.RawMessage{}
	for param, vals := range c.Request.URL.Query() {
		key, found := strings.CutPrefix(param, "prop-")
		if !found || key == "" || len(vals) == 0 {
			continue
		}
		raw, _ := json.Marshal(vals[0])
		props[key] = raw
	}
	keys, values := flattenProperties(props)

	sess, err := h.waitCurrentSession(identity)
	if err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}

	h.enqueueCustom(c, event.Custom{
		Timestamp: time.Now().UTC(),
		Session:   sess,
		PageURI:   uri,
		Name:      name,
		Keys:      keys,
		Values:    values,
	})
	respondGIF(c)
}

func (h *EventsHandler) enqueueCustom(c *gin.Context, ev event.Custom) {
	if err := h.store.StoreCustom(c.Request.Context(), &ev); err != nil {
		h.log.Error("failed to enqueue custom event", "error", err)
	}
}

// customProperties flattens a JSON object body into parallel key/value
// arrays. Scalar and empty bodies yield no properties; malformed JSON is an
// error.
func customProperties(body io.Reader) ([]string, []string, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, nil, err
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil, nil
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, nil, err
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, nil, nil
	}

	props := make(map[string]json.RawMessage, len(obj))
	for key, val := range obj {
		encoded, err := json.Marshal(val)
		if err != nil {
			return nil, nil, err
		}
		props[key] = encoded
	}
	keys, values := flattenProperties(props)
	return keys, values, nil
}

// flattenProperties turns a property map into sorted parallel arrays, the
// storage layout of custom event and identify properties.
func flattenProperties(props map[string]json.RawMessage) ([]string, []string) {
	if len(props) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(props))
	for key := range props {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	values := make([]string, 0, len(keys))
	for _, key := range keys {
		values = append(values, string(props[key]))
	}
	return keys, values
}
