package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/waverider/broker-server-go/internal/database"
	"github.com/waverider/broker-server-go/internal/model"
)

// SessionRepository is the durable session store: session identity,
// flags, and the per-channel message log with relative stamps.
//
// Mutations on an unknown sess_id are no-ops, not errors; races
// between cleanup and in-flight client messages are expected.
type SessionRepository interface {
	// Create inserts the session and seeds its per-channel stamp
	// baselines. Idempotent: a no-op if the session already exists.
	Create(ctx context.Context, sessID string) error
	FindByID(ctx context.Context, sessID string) (*model.Session, error)
	// SetDriverToken updates the token in place; it never replaces
	// the session row, so flags and messages survive.
	SetDriverToken(ctx context.Context, sessID string, token *string) error
	SetFlag(ctx context.Context, sessID string, name string, value any) error
	DeleteFlags(ctx context.Context, sessID string, names ...string) error
	GetFlags(ctx context.Context, sessID string) (model.Flags, error)
	// AppendMessage stores payload on the channel log and returns the
	// stamp offset (ms since the previous message on that channel).
	// ok is false when the session does not exist.
	AppendMessage(ctx context.Context, sessID string, channel model.Channel, payload json.RawMessage) (offset int64, ok bool, err error)
	LastMessage(ctx context.Context, sessID string, channel model.Channel) (*model.LastMessage, error)
	// Messages returns the whole log for a session in append order.
	Messages(ctx context.Context, sessID string) ([]model.StoredMessage, error)
	// ClearMessages drops the channel history and resets every
	// per-channel stamp baseline to now; session and flags survive.
	ClearMessages(ctx context.Context, sessID string) error
	// Delete removes the session; flags and messages cascade.
	Delete(ctx context.Context, sessID string) error
	ListIDs(ctx context.Context) ([]string, error)
	// ListPublic returns sessions with the publicSession flag set,
	// with rider counts left for the caller to fill in.
	ListPublic(ctx context.Context) ([]model.PublicSession, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) SessionRepository
}

type sessionRepo struct {
	db database.DBTX
}

func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) WithTx(tx *sqlx.Tx) SessionRepository {
	return &sessionRepo{db: tx}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func (r *sessionRepo) Create(ctx context.Context, sessID string) error {
	now := nowMillis()

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (sess_id, session_start_time, created_at, updated_at)
		VALUES ($1, 0, $2, $2)
		ON CONFLICT (sess_id) DO NOTHING
	`, sessID, now)
	if err != nil {
		return err
	}

	inserted, err := result.RowsAffected()
	if err != nil || inserted == 0 {
		return err
	}

	for _, channel := range model.Channels {
		if _, err := r.db.ExecContext(ctx, `
			INSERT INTO message_stamps (sess_id, channel, stamp)
			VALUES ($1, $2, $3)
			ON CONFLICT (sess_id, channel) DO UPDATE SET stamp = $3
		`, sessID, channel, now); err != nil {
			return err
		}
	}
	return nil
}

func (r *sessionRepo) FindByID(ctx context.Context, sessID string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM sessions WHERE sess_id = $1
	`, sessID)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) SetDriverToken(ctx context.Context, sessID string, token *string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET driver_token = $2, updated_at = $3 WHERE sess_id = $1
	`, sessID, token, nowMillis())
	return err
}

func (r *sessionRepo) SetFlag(ctx context.Context, sessID string, name string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO session_flags (sess_id, flag_name, flag_value)
		SELECT $1, $2, $3 WHERE EXISTS (SELECT 1 FROM sessions WHERE sess_id = $1)
		ON CONFLICT (sess_id, flag_name) DO UPDATE SET flag_value = $3
	`, sessID, name, string(encoded))
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE sessions SET updated_at = $2 WHERE sess_id = $1
	`, sessID, nowMillis())
	return err
}

func (r *sessionRepo) DeleteFlags(ctx context.Context, sessID string, names ...string) error {
	if len(names) == 0 {
		return nil
	}

	query, args, err := sqlx.In(`
		DELETE FROM session_flags WHERE sess_id = ? AND flag_name IN (?)
	`, sessID, names)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, sqlx.Rebind(sqlx.DOLLAR, query), args...)
	return err
}

func (r *sessionRepo) GetFlags(ctx context.Context, sessID string) (model.Flags, error) {
	var rows []struct {
		Name  string `db:"flag_name"`
		Value string `db:"flag_value"`
	}
	err := r.db.SelectContext(ctx, &rows, `
		SELECT flag_name, flag_value FROM session_flags WHERE sess_id = $1
	`, sessID)
	if err != nil {
		return nil, err
	}

	flags := make(model.Flags, len(rows))
	for _, row := range rows {
		var value any
		if err := json.Unmarshal([]byte(row.Value), &value); err != nil {
			// Malformed stored JSON degrades to the raw string.
			flags[row.Name] = row.Value
			continue
		}
		flags[row.Name] = value
	}
	return flags, nil
}

func (r *sessionRepo) AppendMessage(ctx context.Context, sessID string, channel model.Channel, payload json.RawMessage) (int64, bool, error) {
	var startTime int64
	err := r.db.GetContext(ctx, &startTime, `
		SELECT session_start_time FROM sessions WHERE sess_id = $1
	`, sessID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	now := nowMillis()

	// The very first message of the session fixes its start time.
	// Every append touches updated_at so the idle sweep sees an
	// actively driven session as live.
	if startTime == 0 {
		if _, err := r.db.ExecContext(ctx, `
			UPDATE sessions SET session_start_time = $2, updated_at = $2 WHERE sess_id = $1
		`, sessID, now); err != nil {
			return 0, false, err
		}
	} else {
		if _, err := r.db.ExecContext(ctx, `
			UPDATE sessions SET updated_at = $2 WHERE sess_id = $1
		`, sessID, now); err != nil {
			return 0, false, err
		}
	}

	previous := now
	err = r.db.GetContext(ctx, &previous, `
		SELECT stamp FROM message_stamps WHERE sess_id = $1 AND channel = $2
	`, sessID, channel)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, false, err
	}
	offset := now - previous

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO message_stamps (sess_id, channel, stamp)
		VALUES ($1, $2, $3)
		ON CONFLICT (sess_id, channel) DO UPDATE SET stamp = $3
	`, sessID, channel, now); err != nil {
		return 0, false, err
	}

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (sess_id, channel, stamp, message)
		VALUES ($1, $2, $3, $4)
	`, sessID, channel, offset, string(payload)); err != nil {
		return 0, false, err
	}

	return offset, true, nil
}

func (r *sessionRepo) LastMessage(ctx context.Context, sessID string, channel model.Channel) (*model.LastMessage, error) {
	var row struct {
		Stamp   int64  `db:"stamp"`
		Message string `db:"message"`
	}
	err := r.db.GetContext(ctx, &row, `
		SELECT stamp, message FROM messages
		WHERE sess_id = $1 AND channel = $2
		ORDER BY id DESC
		LIMIT 1
	`, sessID, channel)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &model.LastMessage{
		Stamp:   row.Stamp,
		Message: json.RawMessage(row.Message),
	}, nil
}

func (r *sessionRepo) Messages(ctx context.Context, sessID string) ([]model.StoredMessage, error) {
	var msgs []model.StoredMessage
	err := r.db.SelectContext(ctx, &msgs, `
		SELECT id, sess_id, channel, stamp, message FROM messages
		WHERE sess_id = $1
		ORDER BY id ASC
	`, sessID)
	return msgs, err
}

func (r *sessionRepo) ClearMessages(ctx context.Context, sessID string) error {
	now := nowMillis()

	if _, err := r.db.ExecContext(ctx, `
		DELETE FROM messages WHERE sess_id = $1
	`, sessID); err != nil {
		return err
	}

	if _, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET session_start_time = $2, updated_at = $2 WHERE sess_id = $1
	`, sessID, now); err != nil {
		return err
	}

	for _, channel := range model.Channels {
		if _, err := r.db.ExecContext(ctx, `
			INSERT INTO message_stamps (sess_id, channel, stamp)
			VALUES ($1, $2, $3)
			ON CONFLICT (sess_id, channel) DO UPDATE SET stamp = $3
		`, sessID, channel, now); err != nil {
			return err
		}
	}
	return nil
}

func (r *sessionRepo) Delete(ctx context.Context, sessID string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM sessions WHERE sess_id = $1
	`, sessID)
	return err
}

func (r *sessionRepo) ListIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `SELECT sess_id FROM sessions`)
	return ids, err
}

func (r *sessionRepo) ListPublic(ctx context.Context) ([]model.PublicSession, error) {
	var rows []struct {
		SessID     string  `db:"sess_id"`
		DriverName *string `db:"driver_name"`
	}
	err := r.db.SelectContext(ctx, &rows, `
		SELECT s.sess_id, sf.flag_value AS driver_name
		FROM sessions s
		LEFT JOIN session_flags sf ON s.sess_id = sf.sess_id AND sf.flag_name = 'driverName'
		WHERE EXISTS (
			SELECT 1 FROM session_flags
			WHERE sess_id = s.sess_id
			AND flag_name = 'publicSession'
			AND flag_value = 'true'
		)
	`)
	if err != nil {
		return nil, err
	}

	sessions := make([]model.PublicSession, 0, len(rows))
	for _, row := range rows {
		name := row.SessID
		if row.DriverName != nil {
			var decoded string
			if err := json.Unmarshal([]byte(*row.DriverName), &decoded); err == nil && decoded != "" {
				name = decoded
			}
		}
		sessions = append(sessions, model.PublicSession{SessID: row.SessID, Name: name})
	}
	return sessions, nil
}
