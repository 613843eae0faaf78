package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/openpulse/pulse/internal/services/ipgeolocator"
	"github.com/openpulse/pulse/internal/services/uaparser"
)

// Session is a snapshot of the current version of a session chain. Fields
// other than Version, PageURI and ExitTime are fixed at version 1 and copied
// unchanged on every advance.
type Session struct {
	// SessionUUID is time ordered (UUIDv7) and stable across versions.
	SessionUUID uuid.UUID `json:"SessionUuid"`
	// Version increases by one on every claimed pageview.
	Version   uint16 `json:"PageviewCount"`
	VisitorID string `json:"VisitorId"`

	// PageURI is the page of the latest pageview, i.e. the exit position.
	PageURI URI `json:"PageUri"`
	// EntryPath is PageURI.Path() of version 1.
	EntryPath string    `json:"-"`
	EntryTime time.Time `json:"-"`
	ExitTime  time.Time `json:"-"`

	ReferrerURI ReferrerURI              `json:"ReferrerUri"`
	UTM         UTMParams                `json:"Utm"`
	Client      uaparser.Client          `json:"Client"`
	CountryCode ipgeolocator.CountryCode `json:"CountryCode"`
}

// SessionTime returns the chain creation time, encoded in the UUIDv7.
func (s *Session) SessionTime() time.Time {
	return time.Unix(s.SessionUUID.Time().UnixTime())
}
