package model

import "encoding/json"

// Session is the durable record of one driving/riding relationship.
// SessID is the fixed-length opaque name clients address the session by.
type Session struct {
	SessID           string  `db:"sess_id" json:"sessId"`
	DriverToken      *string `db:"driver_token" json:"-"`
	SessionStartTime int64   `db:"session_start_time" json:"sessionStartTime"`
	CreatedAt        int64   `db:"created_at" json:"createdAt"`
	UpdatedAt        int64   `db:"updated_at" json:"updatedAt"`
}

// HasDriverToken reports whether a live driver token is recorded.
func (s *Session) HasDriverToken() bool {
	return s != nil && s.DriverToken != nil && *s.DriverToken != ""
}

// Flags is the open-ended, JSON-valued per-session settings bag
// (driverName, publicSession, blindfoldRiders, proMode, camUrl, ...).
// Values are whatever JSON the writer stored; malformed stored JSON
// degrades to the raw string.
type Flags map[string]any

// LastMessage is the cached most recent message on one channel.
type LastMessage struct {
	Stamp   int64           `json:"stamp"`
	Message json.RawMessage `json:"message"`
}

// StoredMessage is one row of a session's append-only channel log.
// Stamp is the offset in milliseconds since the previous message on
// the same channel, not an absolute time.
type StoredMessage struct {
	ID      int64   `db:"id" json:"-"`
	SessID  string  `db:"sess_id" json:"-"`
	Channel Channel `db:"channel" json:"channel"`
	Stamp   int64   `db:"stamp" json:"stamp"`
	Message string  `db:"message" json:"message"`
}

// PublicSession is one row of the public session directory.
type PublicSession struct {
	SessID string `json:"sessId"`
	Name   string `json:"name"`
	Riders int    `json:"riders"`
}

// RiderTally counts riders per traffic-light color for one session.
type RiderTally struct {
	Red    int `json:"R"`
	Yellow int `json:"Y"`
	Green  int `json:"G"`
	None   int `json:"N"`
	Total  int `json:"total"`
}
