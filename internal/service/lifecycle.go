package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/waverider/broker-server-go/internal/errors"
	"github.com/waverider/broker-server-go/internal/registry"
	"github.com/waverider/broker-server-go/internal/repository"
	"github.com/waverider/broker-server-go/internal/util"
)

// Generator is an attached content generator occupying the driver
// role. Stop must be idempotent and must halt the generator's timer
// before returning.
type Generator interface {
	Stop()
}

// Lifecycle owns the registration protocol, the driver-disconnect
// grace window, and cascading session destruction.
//
// Driver state per session: Unclaimed -> Driving(token) ->
// GraceDisconnected(token) -> Resumed or Lost. Riders accumulate and
// drain orthogonally.
type Lifecycle struct {
	repo     repository.SessionRepository
	reg      *registry.Registry
	relay    *Relay
	scripts  *ScriptService
	locks    *Locks
	grace    time.Duration
	savedDir string
	log      zerolog.Logger

	mu          sync.Mutex
	graceTimers map[string]*time.Timer
	generators  map[string]Generator
}

func NewLifecycle(repo repository.SessionRepository, reg *registry.Registry, relay *Relay, scripts *ScriptService, locks *Locks, grace time.Duration, savedDir string, log zerolog.Logger) *Lifecycle {
	return &Lifecycle{
		repo:        repo,
		reg:         reg,
		relay:       relay,
		scripts:     scripts,
		locks:       locks,
		grace:       grace,
		savedDir:    savedDir,
		log:         log.With().Str("component", "lifecycle").Logger(),
		graceTimers: make(map[string]*time.Timer),
		generators:  make(map[string]Generator),
	}
}

// RegisterDriver claims the driver role for a session. With an empty
// token it mints a fresh one; with a token matching the stored one it
// is a reconnection, which resumes the session without re-minting.
// resumed reports which path was taken.
func (l *Lifecycle) RegisterDriver(ctx context.Context, sessID, token string, h registry.Handle) (newToken string, resumed bool, err error) {
	if !util.IsValidSessionID(sessID) {
		return "", false, errors.DriverRejected(sessID)
	}

	unlock := l.locks.Lock(sessID)
	defer unlock()

	if l.reg.HasGenerator(sessID) {
		return "", false, errors.DriverRejected(sessID)
	}

	session, err := l.repo.FindByID(ctx, sessID)
	if err != nil {
		return "", false, errors.Database(err)
	}

	if session.HasDriverToken() {
		if token != "" && util.ConstantTimeEqual(*session.DriverToken, token) {
			l.resumeDriver(ctx, sessID, h)
			return *session.DriverToken, true, nil
		}
		return "", false, errors.DriverRejected(sessID)
	}

	minted, err := util.GenerateToken()
	if err != nil {
		return "", false, errors.Internal("token generation failed").WithCause(err)
	}
	if err := l.repo.Create(ctx, sessID); err != nil {
		return "", false, errors.Database(err)
	}
	if err := l.repo.SetDriverToken(ctx, sessID, &minted); err != nil {
		return "", false, errors.Database(err)
	}

	// A fresh claim starts from default flags; the previous driver's
	// name and playlist leftovers do not carry over.
	if err := l.repo.SetFlag(ctx, sessID, "driverName", "Anonymous"); err != nil {
		return "", false, errors.Database(err)
	}
	if err := l.repo.DeleteFlags(ctx, sessID, "filePlaying", "fileDriver"); err != nil {
		return "", false, errors.Database(err)
	}

	l.reg.RegisterDriver(sessID, h)
	if err := l.relay.pushFlagsLocked(ctx, sessID); err != nil {
		l.log.Debug().Err(err).Str("sess_id", sessID).Msg("flag push after driver claim failed")
	}
	l.relay.NotifyRiders(sessID, EventDriverGained, nil)
	l.log.Info().Str("sess_id", sessID).Str("conn_id", h.ID()).Msg("driver registered")
	return minted, false, nil
}

func (l *Lifecycle) resumeDriver(ctx context.Context, sessID string, h registry.Handle) {
	l.cancelGraceTimer(sessID)
	l.reg.RegisterDriver(sessID, h)

	if err := l.relay.RequestLast(ctx, sessID, h); err != nil {
		l.log.Warn().Err(err).Str("sess_id", sessID).Msg("last-state push to resumed driver failed")
	}
	l.relay.NotifyRiders(sessID, EventDriverReturned, nil)
	l.log.Info().Str("sess_id", sessID).Str("conn_id", h.ID()).Msg("driver resumed within grace window")
}

// RegisterRider joins a handle to a session's rider set. The session
// must be active: a live driver token or an attached generator.
func (l *Lifecycle) RegisterRider(ctx context.Context, sessID string, h registry.Handle) error {
	unlock := l.locks.Lock(sessID)
	defer unlock()

	if !l.reg.HasGenerator(sessID) {
		session, err := l.repo.FindByID(ctx, sessID)
		if err != nil {
			return errors.Database(err)
		}
		if !session.HasDriverToken() {
			return errors.RiderRejected(sessID)
		}
	}

	l.reg.RegisterRider(sessID, h)
	l.log.Debug().Str("sess_id", sessID).Str("conn_id", h.ID()).Msg("rider registered")
	return nil
}

// HandleDisconnect reconciles a closed connection: a driver enters the
// grace window, a rider drains and may trigger destruction.
func (l *Lifecycle) HandleDisconnect(ctx context.Context, h registry.Handle) {
	sessID, wasDriver, ok := l.reg.Remove(h)
	if !ok {
		return
	}

	unlock := l.locks.Lock(sessID)
	defer unlock()

	if wasDriver {
		// Token stays valid for the grace window; riders are not
		// told yet.
		l.startGraceTimer(sessID)
		l.log.Info().Str("sess_id", sessID).Msg("driver disconnected, grace window started")
		return
	}

	l.log.Debug().Str("sess_id", sessID).Msg("rider disconnected")
	if l.reg.RiderCount(sessID) > 0 || l.reg.HasDriver(sessID) || l.reg.HasGenerator(sessID) {
		return
	}
	session, err := l.repo.FindByID(ctx, sessID)
	if err != nil {
		l.log.Error().Err(err).Str("sess_id", sessID).Msg("session lookup on rider disconnect failed")
		return
	}
	if session == nil || session.HasDriverToken() {
		// A stored token means a driver may still resume.
		return
	}
	l.destroySession(ctx, sessID, true)
}

func (l *Lifecycle) startGraceTimer(sessID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if t, ok := l.graceTimers[sessID]; ok {
		t.Stop()
	}
	l.graceTimers[sessID] = time.AfterFunc(l.grace, func() {
		l.onGraceExpired(sessID)
	})
}

func (l *Lifecycle) cancelGraceTimer(sessID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if t, ok := l.graceTimers[sessID]; ok {
		t.Stop()
		delete(l.graceTimers, sessID)
	}
}

func (l *Lifecycle) onGraceExpired(sessID string) {
	ctx := context.Background()

	unlock := l.locks.Lock(sessID)
	defer unlock()

	l.mu.Lock()
	delete(l.graceTimers, sessID)
	l.mu.Unlock()

	if l.reg.HasDriver(sessID) {
		// Reconnected in the window against a stopped-late timer.
		return
	}

	if err := l.repo.SetDriverToken(ctx, sessID, nil); err != nil {
		l.log.Error().Err(err).Str("sess_id", sessID).Msg("token clear on grace expiry failed")
	}

	if l.reg.RiderCount(sessID) > 0 {
		l.relay.NotifyRiders(sessID, EventDriverLost, nil)
		l.log.Info().Str("sess_id", sessID).Msg("grace window expired, riders notified")
		return
	}
	l.log.Info().Str("sess_id", sessID).Msg("grace window expired with no riders")
	l.destroySession(ctx, sessID, true)
}

// AttachGenerator claims the driver role for a generator. Mutually
// exclusive with a driver token and with another generator. The caller
// starts the generator only after a successful attach.
func (l *Lifecycle) AttachGenerator(ctx context.Context, sessID string, g Generator) error {
	unlock := l.locks.Lock(sessID)
	defer unlock()

	if l.reg.HasGenerator(sessID) {
		return errors.Conflict("session already has a generator")
	}
	session, err := l.repo.FindByID(ctx, sessID)
	if err != nil {
		return errors.Database(err)
	}
	if session.HasDriverToken() {
		return errors.DriverRejected(sessID)
	}

	if err := l.repo.Create(ctx, sessID); err != nil {
		return errors.Database(err)
	}

	l.reg.RegisterGenerator(sessID)
	l.mu.Lock()
	l.generators[sessID] = g
	l.mu.Unlock()

	l.relay.NotifyRiders(sessID, EventDriverGained, nil)
	l.log.Info().Str("sess_id", sessID).Msg("generator attached")
	return nil
}

// DetachGenerator stops the session's generator and destroys the
// session. Generators are the sole reason their session exists.
func (l *Lifecycle) DetachGenerator(ctx context.Context, sessID string) {
	l.mu.Lock()
	g := l.generators[sessID]
	delete(l.generators, sessID)
	l.mu.Unlock()

	if g != nil {
		// Halt the timer before teardown so a late tick cannot
		// resurrect the session's flags.
		g.Stop()
	}

	unlock := l.locks.Lock(sessID)
	defer unlock()

	if !l.reg.HasGenerator(sessID) && g == nil {
		return
	}
	l.reg.RemoveGenerator(sessID)
	l.relay.NotifyRiders(sessID, EventDriverLost, nil)
	l.log.Info().Str("sess_id", sessID).Msg("generator detached")
	l.destroySession(ctx, sessID, false)
}

// ReapIdle destroys sessions with no live driver, no generator, and no
// riders that have not been touched for olderThan. These are restart
// leftovers the disconnect transitions could not see.
func (l *Lifecycle) ReapIdle(ctx context.Context, olderThan time.Duration) {
	ids, err := l.repo.ListIDs(ctx)
	if err != nil {
		l.log.Error().Err(err).Msg("session listing for reap failed")
		return
	}

	cutoff := time.Now().Add(-olderThan).UnixMilli()
	for _, sessID := range ids {
		l.reapOne(ctx, sessID, cutoff)
	}
}

func (l *Lifecycle) reapOne(ctx context.Context, sessID string, cutoff int64) {
	unlock := l.locks.Lock(sessID)
	defer unlock()

	if l.reg.HasDriver(sessID) || l.reg.HasGenerator(sessID) || l.reg.RiderCount(sessID) > 0 {
		return
	}
	session, err := l.repo.FindByID(ctx, sessID)
	if err != nil || session == nil {
		return
	}
	if session.UpdatedAt > cutoff {
		return
	}
	l.log.Info().Str("sess_id", sessID).Msg("reaping stale session")
	l.destroySession(ctx, sessID, true)
}

// destroySession cascades the delete to flags and messages. Callers
// hold the session lock; destruction is only ever reached from the
// lifecycle transitions, never from an external caller. save exports
// the message log to the saved sessions directory first.
func (l *Lifecycle) destroySession(ctx context.Context, sessID string, save bool) {
	l.cancelGraceTimer(sessID)

	if save && l.savedDir != "" {
		l.exportBeforeDestroy(ctx, sessID)
	}

	if err := l.repo.Delete(ctx, sessID); err != nil {
		l.log.Error().Err(err).Str("sess_id", sessID).Msg("session delete failed")
		return
	}
	l.log.Info().Str("sess_id", sessID).Msg("session destroyed")
}

func (l *Lifecycle) exportBeforeDestroy(ctx context.Context, sessID string) {
	flags, err := l.repo.GetFlags(ctx, sessID)
	if err == nil {
		if _, scripted := flags["fileDriver"]; scripted {
			// Playback sessions are copies of an existing file.
			return
		}
	}

	doc, err := l.scripts.Export(ctx, sessID)
	if err != nil || doc == nil {
		return
	}
	path, err := l.scripts.SaveToDir(doc, l.savedDir, sessID)
	if err != nil {
		l.log.Warn().Err(err).Str("sess_id", sessID).Msg("saved-session export failed")
		return
	}
	l.log.Info().Str("sess_id", sessID).Str("path", path).Msg("session exported before destroy")
}

// HasGenerator reports whether a generator currently occupies the
// session's driver role.
func (l *Lifecycle) HasGenerator(sessID string) bool {
	return l.reg.HasGenerator(sessID)
}

// Shutdown stops every attached generator. Used on process exit.
func (l *Lifecycle) Shutdown() {
	l.mu.Lock()
	gens := make([]Generator, 0, len(l.generators))
	for _, g := range l.generators {
		gens = append(gens, g)
	}
	l.generators = make(map[string]Generator)
	l.mu.Unlock()

	for _, g := range gens {
		g.Stop()
	}
}
