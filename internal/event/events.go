package event

import (
	"errors"
	"regexp"
	"time"
)

var (
	customNameRegex           = regexp.MustCompile(`^[a-zA-Z0-9-_]+$`)
	ErrInvalidCustomEventName = errors.New("invalid custom event name")
)

// Pageview records one page load attributed to a session chain.
type Pageview struct {
	Timestamp time.Time
	Session   Session
	// PrevSession is the superseded snapshot when this pageview advanced an
	// existing chain, nil for a session root.
	PrevSession *Session
	PageURI     URI
	// HTTP status of the tracked page, 200 unless reported otherwise.
	Status uint16
}

// Custom records a named event with flattened key/value properties.
type Custom struct {
	Timestamp time.Time
	Session   Session
	PageURI   URI
	Name      string
	Keys      []string
	// Values are raw JSON encoded: string values keep their quotes.
	Values []string
}

// ValidateCustomEventName rejects names outside [a-zA-Z0-9-_]+.
func ValidateCustomEventName(name string) error {
	if !customNameRegex.MatchString(name) {
		return ErrInvalidCustomEventName
	}
	return nil
}

// Identify merges visitor properties. Initial pairs follow setOnce
// (first write wins) semantics, plain pairs follow set (last write wins).
type Identify struct {
	Timestamp time.Time
	Session   Session

	InitialKeys   []string
	InitialValues []string
	Keys          []string
	Values        []string
}

// OutboundLinkClick records a click on a link leaving the tracked site.
type OutboundLinkClick struct {
	Timestamp time.Time
	Session   Session
	PageURI   URI
	Link      URI
}
