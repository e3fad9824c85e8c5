package database

import "context"

// Timestamps are stored as epoch milliseconds throughout; stamp on
// messages is the per-channel relative offset, and message_stamps
// tracks the previous absolute stamp per (session, channel).
var schema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		sess_id TEXT PRIMARY KEY,
		driver_token TEXT,
		session_start_time BIGINT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL DEFAULT (extract(epoch from now()) * 1000)::BIGINT,
		updated_at BIGINT NOT NULL DEFAULT (extract(epoch from now()) * 1000)::BIGINT
	)`,

	`CREATE TABLE IF NOT EXISTS session_flags (
		sess_id TEXT NOT NULL REFERENCES sessions(sess_id) ON DELETE CASCADE,
		flag_name TEXT NOT NULL,
		flag_value TEXT NOT NULL,
		PRIMARY KEY (sess_id, flag_name)
	)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		sess_id TEXT NOT NULL REFERENCES sessions(sess_id) ON DELETE CASCADE,
		channel TEXT NOT NULL,
		stamp BIGINT NOT NULL,
		message TEXT NOT NULL,
		created_at BIGINT NOT NULL DEFAULT (extract(epoch from now()) * 1000)::BIGINT
	)`,

	`CREATE INDEX IF NOT EXISTS idx_messages_session_channel
		ON messages(sess_id, channel)`,

	`CREATE TABLE IF NOT EXISTS message_stamps (
		sess_id TEXT NOT NULL REFERENCES sessions(sess_id) ON DELETE CASCADE,
		channel TEXT NOT NULL,
		stamp BIGINT NOT NULL,
		PRIMARY KEY (sess_id, channel)
	)`,
}

// Migrate creates the broker tables if they do not exist.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
