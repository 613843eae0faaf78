package eventstore

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/openpulse/pulse/internal/event"
)

// StringArray stores a []string column as JSON text, portable across
// postgres and sqlite.
type StringArray []string

// Value implements driver.Valuer.
func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	raw, err := json.Marshal([]string(a))
	return string(raw), err
}

// Scan implements sql.Scanner.
func (a *StringArray) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*a = nil
		return nil
	case string:
		return json.Unmarshal([]byte(v), a)
	case []byte:
		return json.Unmarshal(v, a)
	default:
		return errors.New("unsupported source type for StringArray")
	}
}

// SessionRow is one version of a session chain. Rows are append-only: an
// advance writes a sign=-1 copy of the superseded row plus a sign=+1 row for
// the new version. Summing sign per session_uuid yields 0 mid-transition and
// 1 at rest. The superseded +1 rows are never deleted, so readers resolve
// the current state of a chain as the highest-version sign=+1 row (or by
// summing signs per version); a bare sign=1 filter matches every version the
// chain ever had.
type SessionRow struct {
	ID             uint64    `gorm:"column:id;primaryKey"`
	SessionUUID    string    `gorm:"column:session_uuid;index"`
	Version        uint16    `gorm:"column:version"`
	Sign           int8      `gorm:"column:sign"`
	Domain         string    `gorm:"column:domain;index"`
	VisitorID      string    `gorm:"column:visitor_id;index"`
	EntryPath      string    `gorm:"column:entry_path"`
	EntryTimestamp time.Time `gorm:"column:entry_timestamp"`
	ExitPath       string    `gorm:"column:exit_path"`
	ExitTimestamp  time.Time `gorm:"column:exit_timestamp"`
	ReferrerDomain string    `gorm:"column:referrer_domain"`
	UtmSource      string    `gorm:"column:utm_source"`
	UtmMedium      string    `gorm:"column:utm_medium"`
	UtmCampaign    string    `gorm:"column:utm_campaign"`
	UtmTerm        string    `gorm:"column:utm_term"`
	UtmContent     string    `gorm:"column:utm_content"`
	OS             string    `gorm:"column:operating_system"`
	BrowserFamily  string    `gorm:"column:browser_family"`
	Device         string    `gorm:"column:device"`
	CountryCode    string    `gorm:"column:country_code"`
}

func (SessionRow) TableName() string { return "sessions" }

func sessionRow(sess *event.Session, sign int8) SessionRow {
	return SessionRow{
		SessionUUID:    sess.SessionUUID.String(),
		Version:        sess.Version,
		Sign:           sign,
		Domain:         sess.PageURI.Hostname(),
		VisitorID:      sess.VisitorID,
		EntryPath:      sess.EntryPath,
		EntryTimestamp: sess.EntryTime,
		ExitPath:       sess.PageURI.Path(),
		ExitTimestamp:  sess.ExitTime,
		ReferrerDomain: sess.ReferrerURI.HostOrDirect(),
		UtmSource:      sess.UTM.Source,
		UtmMedium:      sess.UTM.Medium,
		UtmCampaign:    sess.UTM.Campaign,
		UtmTerm:        sess.UTM.Term,
		UtmContent:     sess.UTM.Content,
		OS:             sess.Client.OperatingSystem,
		BrowserFamily:  sess.Client.BrowserFamily,
		Device:         sess.Client.Device,
		CountryCode:    sess.CountryCode.String(),
	}
}

type PageviewRow struct {
	ID          uint64    `gorm:"column:id;primaryKey"`
	Timestamp   time.Time `gorm:"column:timestamp;index"`
	Domain      string    `gorm:"column:domain;index"`
	Path        string    `gorm:"column:path"`
	VisitorID   string    `gorm:"column:visitor_id"`
	SessionUUID string    `gorm:"column:session_uuid;index"`
	Status      uint16    `gorm:"column:status"`
}

func (PageviewRow) TableName() string { return "pageviews" }

type CustomEventRow struct {
	ID          uint64      `gorm:"column:id;primaryKey"`
	Timestamp   time.Time   `gorm:"column:timestamp;index"`
	Domain      string      `gorm:"column:domain;index"`
	Path        string      `gorm:"column:path"`
	VisitorID   string      `gorm:"column:visitor_id"`
	SessionUUID string      `gorm:"column:session_uuid;index"`
	Name        string      `gorm:"column:name;index"`
	Keys        StringArray `gorm:"column:keys;type:text"`
	Values      StringArray `gorm:"column:values;type:text"`
}

func (CustomEventRow) TableName() string { return "events_custom" }

type OutboundLinkClickRow struct {
	ID          uint64    `gorm:"column:id;primaryKey"`
	Timestamp   time.Time `gorm:"column:timestamp;index"`
	Domain      string    `gorm:"column:domain;index"`
	Path        string    `gorm:"column:path"`
	VisitorID   string    `gorm:"column:visitor_id"`
	SessionUUID string    `gorm:"column:session_uuid;index"`
	Link        string    `gorm:"column:link"`
}

func (OutboundLinkClickRow) TableName() string { return "outbound_link_clicks" }

// UserPropsRow is the per-visitor properties projection. Initial maps follow
// setOnce (first write wins) semantics, plain maps follow set semantics.
type UserPropsRow struct {
	VisitorID               string      `gorm:"column:visitor_id;primaryKey"`
	InitialKeys             StringArray `gorm:"column:initial_keys;type:text"`
	InitialValues           StringArray `gorm:"column:initial_values;type:text"`
	Keys                    StringArray `gorm:"column:keys;type:text"`
	Values                  StringArray `gorm:"column:values;type:text"`
	InitialSessionUUID      string      `gorm:"column:initial_session_uuid"`
	LatestSessionUUID       string      `gorm:"column:latest_session_uuid"`
	InitialSessionTimestamp time.Time   `gorm:"column:initial_session_timestamp"`
	LatestSessionTimestamp  time.Time   `gorm:"column:latest_session_timestamp"`
}

func (UserPropsRow) TableName() string { return "users_props" }

// Models lists every table for auto migration.
func Models() []any {
	return []any{
		&SessionRow{},
		&PageviewRow{},
		&CustomEventRow{},
		&OutboundLinkClickRow{},
		&UserPropsRow{},
	}
}
