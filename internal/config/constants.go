package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// DriverGracePeriod is how long a disconnected driver may reconnect
// with the same token before the session is opened up or torn down.
const DriverGracePeriod = 5 * time.Second

// Background job intervals
const CleanupJobInterval = 5 * time.Minute

// Playlist driver tick; script steps fire when their stamp is reached.
const PlaylistTickInterval = 250 * time.Millisecond

// PublishPersistTimeout bounds the durable write on the publish path.
// Past it the message is dropped from history and fan-out proceeds,
// the same as any other store failure.
const PublishPersistTimeout = 5 * time.Second
