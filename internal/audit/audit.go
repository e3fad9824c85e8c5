// Package audit emits structured security events. Entries carry a
// fixed "audit" marker so they can be filtered out of the regular
// application log stream.
package audit

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventDriverRejected   EventType = "driver_rejected"
	EventRiderRejected    EventType = "rider_rejected"
	EventRateLimitExceed  EventType = "rate_limit_exceeded"
	EventGeneratorStarted EventType = "generator_started"
	EventInvalidInput     EventType = "invalid_input"
)

type Event struct {
	Type    EventType
	SessID  string
	IP      string
	Details map[string]any
}

func Log(event Event) {
	logger := log.With().
		Str("audit", "security").
		Str("event_type", string(event.Type)).
		Time("timestamp", time.Now()).
		Logger()

	if event.SessID != "" {
		logger = logger.With().Str("sess_id", event.SessID).Logger()
	}
	if event.IP != "" {
		logger = logger.With().Str("ip", event.IP).Logger()
	}

	logEvent := logger.Info()
	for k, v := range event.Details {
		logEvent = addField(logEvent, k, v)
	}
	logEvent.Msg("security audit event")
}

func addField(e *zerolog.Event, key string, value any) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case int64:
		return e.Int64(key, v)
	case bool:
		return e.Bool(key, v)
	default:
		return e.Interface(key, v)
	}
}

// LogFromRequest fills in the client address before logging. RealIP
// middleware has already resolved forwarding headers upstream.
func LogFromRequest(r *http.Request, event Event) {
	event.IP = r.RemoteAddr
	Log(event)
}
