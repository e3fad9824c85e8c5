package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/waverider/broker-server-go/internal/database"
	"github.com/waverider/broker-server-go/internal/model"
	"github.com/waverider/broker-server-go/internal/registry"
	"github.com/waverider/broker-server-go/internal/repository"
)

// memRepo is an in-memory SessionRepository honoring the store
// contract: unknown sessions are no-ops, stamps are per-channel
// deltas, the first message fixes sessionStartTime.
type memRepo struct {
	mu        sync.Mutex
	sessions  map[string]*model.Session
	flags     map[string]model.Flags
	messages  map[string][]model.StoredMessage
	stamps    map[string]map[model.Channel]int64
	appendErr error

	// appendBounded records whether the last AppendMessage context
	// carried a deadline.
	appendBounded bool
}

func newMemRepo() *memRepo {
	return &memRepo{
		sessions: make(map[string]*model.Session),
		flags:    make(map[string]model.Flags),
		messages: make(map[string][]model.StoredMessage),
		stamps:   make(map[string]map[model.Channel]int64),
	}
}

func (m *memRepo) Create(ctx context.Context, sessID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessID]; ok {
		return nil
	}
	now := time.Now().UnixMilli()
	m.sessions[sessID] = &model.Session{SessID: sessID, CreatedAt: now, UpdatedAt: now}
	m.flags[sessID] = model.Flags{}
	m.stamps[sessID] = make(map[model.Channel]int64)
	for _, ch := range model.Channels {
		m.stamps[sessID][ch] = now
	}
	return nil
}

func (m *memRepo) FindByID(ctx context.Context, sessID string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessID]
	if !ok {
		return nil, nil
	}
	copied := *s
	return &copied, nil
}

func (m *memRepo) SetDriverToken(ctx context.Context, sessID string, token *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[sessID]; ok {
		s.DriverToken = token
		s.UpdatedAt = time.Now().UnixMilli()
	}
	return nil
}

func (m *memRepo) SetFlag(ctx context.Context, sessID string, name string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessID]; !ok {
		return nil
	}
	m.flags[sessID][name] = value
	return nil
}

func (m *memRepo) DeleteFlags(ctx context.Context, sessID string, names ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, name := range names {
		delete(m.flags[sessID], name)
	}
	return nil
}

func (m *memRepo) GetFlags(ctx context.Context, sessID string) (model.Flags, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	flags := model.Flags{}
	for k, v := range m.flags[sessID] {
		flags[k] = v
	}
	return flags, nil
}

func (m *memRepo) AppendMessage(ctx context.Context, sessID string, channel model.Channel, payload json.RawMessage) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, m.appendBounded = ctx.Deadline()

	if m.appendErr != nil {
		return 0, false, m.appendErr
	}
	s, ok := m.sessions[sessID]
	if !ok {
		return 0, false, nil
	}
	now := time.Now().UnixMilli()
	offset := now - m.stamps[sessID][channel]
	m.stamps[sessID][channel] = now
	if s.SessionStartTime == 0 {
		s.SessionStartTime = now
	}
	s.UpdatedAt = now
	m.messages[sessID] = append(m.messages[sessID], model.StoredMessage{
		SessID:  sessID,
		Channel: channel,
		Stamp:   offset,
		Message: string(payload),
	})
	return offset, true, nil
}

func (m *memRepo) LastMessage(ctx context.Context, sessID string, channel model.Channel) (*model.LastMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := m.messages[sessID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Channel == channel {
			return &model.LastMessage{Stamp: msgs[i].Stamp, Message: json.RawMessage(msgs[i].Message)}, nil
		}
	}
	return nil, nil
}

func (m *memRepo) Messages(ctx context.Context, sessID string) ([]model.StoredMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]model.StoredMessage(nil), m.messages[sessID]...), nil
}

func (m *memRepo) ClearMessages(ctx context.Context, sessID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[sessID]; ok {
		delete(m.messages, sessID)
		s.SessionStartTime = 0
		now := time.Now().UnixMilli()
		for _, ch := range model.Channels {
			m.stamps[sessID][ch] = now
		}
	}
	return nil
}

func (m *memRepo) Delete(ctx context.Context, sessID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, sessID)
	delete(m.flags, sessID)
	delete(m.messages, sessID)
	delete(m.stamps, sessID)
	return nil
}

func (m *memRepo) ListIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *memRepo) ListPublic(ctx context.Context) ([]model.PublicSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.PublicSession
	for id, flags := range m.flags {
		if flags["publicSession"] == true {
			name, _ := flags["driverName"].(string)
			if name == "" {
				name = id
			}
			out = append(out, model.PublicSession{SessID: id, Name: name})
		}
	}
	return out, nil
}

func (m *memRepo) WithTx(tx *sqlx.Tx) repository.SessionRepository {
	return m
}

// noTx satisfies TxRunner without a database.
type noTx struct{}

func (noTx) WithTx(ctx context.Context, fn database.TxFunc) error {
	return fn(nil)
}

type sentEvent struct {
	Event string
	Data  any
}

type testHandle struct {
	id   string
	mu   sync.Mutex
	sent []sentEvent
	fail bool
}

func newTestHandle(id string) *testHandle {
	return &testHandle{id: id}
}

func (h *testHandle) ID() string { return h.id }

func (h *testHandle) Send(event string, data any) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.fail {
		return context.Canceled
	}
	h.sent = append(h.sent, sentEvent{Event: event, Data: data})
	return nil
}

func (h *testHandle) events() []sentEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]sentEvent(nil), h.sent...)
}

func (h *testHandle) eventNames() []string {
	names := make([]string, 0)
	for _, e := range h.events() {
		names = append(names, e.Event)
	}
	return names
}

type harness struct {
	repo      *memRepo
	reg       *registry.Registry
	relay     *Relay
	lifecycle *Lifecycle
}

func newHarness(grace time.Duration, savedDir string) *harness {
	repo := newMemRepo()
	reg := registry.New()
	locks := NewLocks()
	log := zerolog.Nop()
	scripts := NewScriptService(repo, log)
	relay := NewRelay(noTx{}, repo, reg, scripts, locks, log)
	lifecycle := NewLifecycle(repo, reg, relay, scripts, locks, grace, savedDir, log)
	return &harness{repo: repo, reg: reg, relay: relay, lifecycle: lifecycle}
}

type stopGenerator struct {
	mu      sync.Mutex
	stopped bool
}

func (g *stopGenerator) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.stopped = true
}

func (g *stopGenerator) wasStopped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.stopped
}
