package service

import (
	"context"
	"encoding/json"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/waverider/broker-server-go/internal/config"
	"github.com/waverider/broker-server-go/internal/database"
	"github.com/waverider/broker-server-go/internal/errors"
	"github.com/waverider/broker-server-go/internal/model"
	"github.com/waverider/broker-server-go/internal/registry"
	"github.com/waverider/broker-server-go/internal/repository"
	"github.com/waverider/broker-server-go/internal/script"
	"github.com/waverider/broker-server-go/internal/util"
)

// TxRunner runs a function inside a database transaction. Satisfied by
// *database.DB.
type TxRunner interface {
	WithTx(ctx context.Context, fn database.TxFunc) error
}

// Relay moves channel messages from the driver (human or generator) to
// the store and out to every rider of the session. A store failure is
// logged and dropped; fan-out to the live rider set always proceeds.
type Relay struct {
	db      TxRunner
	repo    repository.SessionRepository
	reg     *registry.Registry
	scripts *ScriptService
	locks   *Locks
	log     zerolog.Logger
}

func NewRelay(db TxRunner, repo repository.SessionRepository, reg *registry.Registry, scripts *ScriptService, locks *Locks, log zerolog.Logger) *Relay {
	return &Relay{
		db:      db,
		repo:    repo,
		reg:     reg,
		scripts: scripts,
		locks:   locks,
		log:     log.With().Str("component", "relay").Logger(),
	}
}

// Publish stores a driver's message on the channel log and fans it out
// to every rider. The token must match the session's stored driver
// token; a stale token is a silent drop.
func (r *Relay) Publish(ctx context.Context, sessID, token string, channel model.Channel, payload json.RawMessage) error {
	if !channel.Valid() {
		return errors.InvalidInput("channel", "unknown channel")
	}
	if err := r.authorizeDriver(ctx, sessID, token); err != nil {
		return err
	}
	return r.publish(ctx, sessID, channel, payload)
}

// PublishGenerated is Publish for an attached generator, which acts
// under its session-scoped identity instead of a token.
func (r *Relay) PublishGenerated(ctx context.Context, sessID string, channel model.Channel, payload json.RawMessage) error {
	if !channel.Valid() {
		return errors.InvalidInput("channel", "unknown channel")
	}
	if !r.reg.HasGenerator(sessID) {
		return errors.Unauthorized("no generator attached")
	}
	return r.publish(ctx, sessID, channel, payload)
}

func (r *Relay) publish(ctx context.Context, sessID string, channel model.Channel, payload json.RawMessage) error {
	payload = stripAuthFields(payload)

	unlock := r.locks.Lock(sessID)
	defer unlock()

	// Bound the durable write so a wedged store degrades to the same
	// drop path as a failing one instead of stalling the session.
	persistCtx, cancel := context.WithTimeout(ctx, config.PublishPersistTimeout)
	defer cancel()

	err := r.db.WithTx(persistCtx, func(tx *sqlx.Tx) error {
		_, _, err := r.repo.WithTx(tx).AppendMessage(persistCtx, sessID, channel, payload)
		return err
	})
	if err != nil {
		// Live delivery wins over history; drop the write.
		r.log.Error().Err(err).
			Str("sess_id", sessID).
			Str("channel", string(channel)).
			Msg("message persistence failed, fanning out anyway")
	}

	event := string(channel)
	if channel == model.ChannelBottle {
		event = EventBottle
	}
	r.fanOut(sessID, event, payload)
	return nil
}

// TriggerBottle publishes a bottle prompt. A non-numeric duration
// falls back to the default.
func (r *Relay) TriggerBottle(ctx context.Context, sessID, token, rawDuration string) error {
	duration := util.ParseBottleDuration(rawDuration)
	payload, _ := json.Marshal(map[string]int{"bottleDuration": duration})
	return r.Publish(ctx, sessID, token, model.ChannelBottle, payload)
}

// RequestLast delivers the last cached message of every channel plus
// the current flags to a single handle, and a driverLost signal when
// the session has no live driver or generator attached.
func (r *Relay) RequestLast(ctx context.Context, sessID string, h registry.Handle) error {
	for _, channel := range model.Channels {
		last, err := r.repo.LastMessage(ctx, sessID, channel)
		if err != nil {
			return errors.Database(err)
		}
		if last == nil {
			continue
		}
		event := string(channel)
		if channel == model.ChannelBottle {
			event = EventBottle
		}
		if err := h.Send(event, last.Message); err != nil {
			r.log.Debug().Err(err).Str("conn_id", h.ID()).Msg("last-state send dropped")
		}
	}

	flags, err := r.repo.GetFlags(ctx, sessID)
	if err != nil {
		return errors.Database(err)
	}
	if err := h.Send(EventUpdateFlags, flags); err != nil {
		r.log.Debug().Err(err).Str("conn_id", h.ID()).Msg("flags send dropped")
	}

	if !r.reg.HasDriver(sessID) && !r.reg.HasGenerator(sessID) {
		if err := h.Send(EventDriverLost, nil); err != nil {
			r.log.Debug().Err(err).Str("conn_id", h.ID()).Msg("driverLost send dropped")
		}
	}
	return nil
}

// Tally returns the rider traffic-light counts. Driver only.
func (r *Relay) Tally(ctx context.Context, sessID, token string) (model.RiderTally, error) {
	if err := r.authorizeDriver(ctx, sessID, token); err != nil {
		return model.RiderTally{}, err
	}
	return r.reg.Tally(sessID), nil
}

// SetLight records a rider's traffic light. Invalid input is dropped.
func (r *Relay) SetLight(sessID, connID string, color model.TrafficLight) {
	r.reg.SetLight(sessID, connID, color)
}

// NotifyDriverTally pushes the current light tally to the session's
// driver, if one is connected. Used after a rider changes their light
// so the driver sees the update without polling.
func (r *Relay) NotifyDriverTally(sessID string) {
	driver, ok := r.reg.Driver(sessID)
	if !ok {
		return
	}
	if err := driver.Send(EventRiderCount, r.reg.Tally(sessID)); err != nil {
		r.log.Debug().Err(err).Str("sess_id", sessID).Msg("tally push dropped")
	}
}

// SetPublicSession toggles the session's public directory listing.
func (r *Relay) SetPublicSession(ctx context.Context, sessID, token string, public bool) error {
	return r.setFlags(ctx, sessID, token, model.Flags{"publicSession": public})
}

func (r *Relay) SetBlindfoldRiders(ctx context.Context, sessID, token string, blindfold bool) error {
	return r.setFlags(ctx, sessID, token, model.Flags{"blindfoldRiders": blindfold})
}

func (r *Relay) SetProMode(ctx context.Context, sessID, token string, proMode bool) error {
	return r.setFlags(ctx, sessID, token, model.Flags{"proMode": proMode})
}

// SetSettings updates the driver-facing profile flags, sanitizing each
// field on the way in.
func (r *Relay) SetSettings(ctx context.Context, sessID, token, driverName, camURL, comments string) error {
	return r.setFlags(ctx, sessID, token, model.Flags{
		"driverName":     util.SanitizeDriverName(driverName),
		"camUrl":         util.SanitizeCamURL(camURL),
		"driverComments": util.SanitizeComments(comments),
	})
}

func (r *Relay) SetDriverName(ctx context.Context, sessID, token, name string) error {
	return r.setFlags(ctx, sessID, token, model.Flags{"driverName": util.SanitizeDriverName(name)})
}

func (r *Relay) SetCamURL(ctx context.Context, sessID, token, camURL string) error {
	return r.setFlags(ctx, sessID, token, model.Flags{"camUrl": util.SanitizeCamURL(camURL)})
}

func (r *Relay) SetDriverComments(ctx context.Context, sessID, token, comments string) error {
	return r.setFlags(ctx, sessID, token, model.Flags{"driverComments": util.SanitizeComments(comments)})
}

func (r *Relay) SetFilePlaying(ctx context.Context, sessID, token, filePlaying, fileDriver string) error {
	return r.setFlags(ctx, sessID, token, model.Flags{
		"filePlaying": util.SanitizeFileInfo(filePlaying),
		"fileDriver":  util.SanitizeFileInfo(fileDriver),
	})
}

func (r *Relay) setFlags(ctx context.Context, sessID, token string, flags model.Flags) error {
	if err := r.authorizeDriver(ctx, sessID, token); err != nil {
		return err
	}
	return r.applyFlags(ctx, sessID, flags)
}

// ApplyGeneratorFlags is the flag-setting path for attached generators.
func (r *Relay) ApplyGeneratorFlags(ctx context.Context, sessID string, flags model.Flags) error {
	if !r.reg.HasGenerator(sessID) {
		return errors.Unauthorized("no generator attached")
	}
	return r.applyFlags(ctx, sessID, flags)
}

func (r *Relay) applyFlags(ctx context.Context, sessID string, flags model.Flags) error {
	unlock := r.locks.Lock(sessID)
	defer unlock()

	for name, value := range flags {
		if err := r.repo.SetFlag(ctx, sessID, name, value); err != nil {
			return errors.Database(err)
		}
	}
	return r.pushFlagsLocked(ctx, sessID)
}

// PushFlags re-reads the session's flags and sends updateFlags to the
// driver and every rider.
func (r *Relay) PushFlags(ctx context.Context, sessID string) error {
	unlock := r.locks.Lock(sessID)
	defer unlock()

	return r.pushFlagsLocked(ctx, sessID)
}

func (r *Relay) pushFlagsLocked(ctx context.Context, sessID string) error {
	flags, err := r.repo.GetFlags(ctx, sessID)
	if err != nil {
		return errors.Database(err)
	}
	r.fanOut(sessID, EventUpdateFlags, flags)
	if driver, ok := r.reg.Driver(sessID); ok {
		if err := driver.Send(EventUpdateFlags, flags); err != nil {
			r.log.Debug().Err(err).Str("conn_id", driver.ID()).Msg("flags send to driver dropped")
		}
	}
	return nil
}

// NotifyRiders sends an event to every rider of a session.
func (r *Relay) NotifyRiders(sessID, event string, data any) {
	r.fanOut(sessID, event, data)
}

// PublicSessions lists publicly flagged sessions with live rider
// counts.
func (r *Relay) PublicSessions(ctx context.Context) ([]model.PublicSession, error) {
	sessions, err := r.repo.ListPublic(ctx)
	if err != nil {
		return nil, errors.Database(err)
	}
	for i := range sessions {
		sessions[i].Riders = r.reg.RiderCount(sessions[i].SessID)
	}
	return sessions, nil
}

// SessionMessages exports the session's full history as a script
// document. Driver only. A nil document means nothing is stored.
func (r *Relay) SessionMessages(ctx context.Context, sessID, token string) (*script.Document, error) {
	if err := r.authorizeDriver(ctx, sessID, token); err != nil {
		return nil, err
	}
	return r.scripts.Export(ctx, sessID)
}

// ClearSessionMessages drops the session's history and resets the
// per-channel stamp baselines. Driver only.
func (r *Relay) ClearSessionMessages(ctx context.Context, sessID, token string) error {
	if err := r.authorizeDriver(ctx, sessID, token); err != nil {
		return err
	}

	unlock := r.locks.Lock(sessID)
	defer unlock()

	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		return r.repo.WithTx(tx).ClearMessages(ctx, sessID)
	})
	if err != nil {
		return errors.Database(err)
	}
	return nil
}

// ClearGeneratedMessages is ClearSessionMessages for an attached
// generator, used when scripted playback moves to the next file.
func (r *Relay) ClearGeneratedMessages(ctx context.Context, sessID string) error {
	if !r.reg.HasGenerator(sessID) {
		return errors.Unauthorized("no generator attached")
	}

	unlock := r.locks.Lock(sessID)
	defer unlock()

	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		return r.repo.WithTx(tx).ClearMessages(ctx, sessID)
	})
	if err != nil {
		return errors.Database(err)
	}
	return nil
}

func (r *Relay) fanOut(sessID, event string, data any) {
	for _, rider := range r.reg.Riders(sessID) {
		if err := rider.Send(event, data); err != nil {
			// A dead rider is reaped by its own disconnect, not here.
			r.log.Debug().Err(err).
				Str("sess_id", sessID).
				Str("conn_id", rider.ID()).
				Str("event", event).
				Msg("rider send dropped")
		}
	}
}

func (r *Relay) authorizeDriver(ctx context.Context, sessID, token string) error {
	session, err := r.repo.FindByID(ctx, sessID)
	if err != nil {
		return errors.Database(err)
	}
	if !session.HasDriverToken() || !util.ConstantTimeEqual(*session.DriverToken, token) {
		return errors.Unauthorized("driver token mismatch")
	}
	return nil
}

// stripAuthFields removes session and auth fields from a payload
// before it is stored or delivered. Non-object payloads pass through.
func stripAuthFields(payload json.RawMessage) json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return payload
	}
	dirty := false
	for _, field := range []string{"sessId", "token", "driverToken"} {
		if _, ok := obj[field]; ok {
			delete(obj, field)
			dirty = true
		}
	}
	if !dirty {
		return payload
	}
	clean, err := json.Marshal(obj)
	if err != nil {
		return payload
	}
	return clean
}
