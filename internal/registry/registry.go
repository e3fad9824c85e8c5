// Package registry tracks the live websocket handles attached to each
// session: at most one driver, any number of riders, and whether an
// in-process generator is currently driving.
package registry

import (
	"sync"

	"github.com/waverider/broker-server-go/internal/model"
)

// Handle is a deliverable connection. Send must not block; transports
// drop the frame when the peer cannot keep up.
type Handle interface {
	ID() string
	Send(event string, data any) error
}

type role int

const (
	roleDriver role = iota
	roleRider
)

type entry struct {
	sessID string
	role   role
}

// Registry is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	drivers    map[string]Handle            // sessID -> driver handle
	riders     map[string]map[string]Handle // sessID -> connID -> handle
	lights     map[string]map[string]model.TrafficLight
	generators map[string]struct{}
	conns      map[string]entry // connID -> location
}

func New() *Registry {
	return &Registry{
		drivers:    make(map[string]Handle),
		riders:     make(map[string]map[string]Handle),
		lights:     make(map[string]map[string]model.TrafficLight),
		generators: make(map[string]struct{}),
		conns:      make(map[string]entry),
	}
}

// RegisterDriver installs h as the session's driver, replacing any
// previous handle. Returns the handle that was displaced, if any.
func (r *Registry) RegisterDriver(sessID string, h Handle) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.drivers[sessID]
	if prev != nil {
		delete(r.conns, prev.ID())
	}
	r.drivers[sessID] = h
	r.conns[h.ID()] = entry{sessID: sessID, role: roleDriver}
	return prev
}

func (r *Registry) RegisterRider(sessID string, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.riders[sessID] == nil {
		r.riders[sessID] = make(map[string]Handle)
	}
	r.riders[sessID][h.ID()] = h
	r.conns[h.ID()] = entry{sessID: sessID, role: roleRider}
}

// Remove detaches the handle from whatever session it is registered
// with. ok is false when the handle was never registered.
func (r *Registry) Remove(h Handle) (sessID string, wasDriver bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, found := r.conns[h.ID()]
	if !found {
		return "", false, false
	}
	delete(r.conns, h.ID())

	if e.role == roleDriver {
		// Only remove if this handle is still the current driver;
		// a reconnect may have replaced it already.
		if cur, exists := r.drivers[e.sessID]; exists && cur.ID() == h.ID() {
			delete(r.drivers, e.sessID)
		}
		return e.sessID, true, true
	}

	if m := r.riders[e.sessID]; m != nil {
		delete(m, h.ID())
		if len(m) == 0 {
			delete(r.riders, e.sessID)
		}
	}
	if m := r.lights[e.sessID]; m != nil {
		delete(m, h.ID())
		if len(m) == 0 {
			delete(r.lights, e.sessID)
		}
	}
	return e.sessID, false, true
}

// Driver returns the session's live driver handle, if any.
func (r *Registry) Driver(sessID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.drivers[sessID]
	return h, ok
}

// Riders returns a snapshot of the session's rider handles.
func (r *Registry) Riders(sessID string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m := r.riders[sessID]
	handles := make([]Handle, 0, len(m))
	for _, h := range m {
		handles = append(handles, h)
	}
	return handles
}

func (r *Registry) RiderCount(sessID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.riders[sessID])
}

// SetLight records a rider's traffic light. Invalid colors and handles
// that are not riders of the session are ignored.
func (r *Registry) SetLight(sessID, connID string, light model.TrafficLight) {
	if !light.Valid() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.riders[sessID] == nil || r.riders[sessID][connID] == nil {
		return
	}
	if r.lights[sessID] == nil {
		r.lights[sessID] = make(map[string]model.TrafficLight)
	}
	r.lights[sessID][connID] = light
}

// Tally counts the session's riders by their current traffic light.
// Riders who never set one count as none.
func (r *Registry) Tally(sessID string) model.RiderTally {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var tally model.RiderTally
	for connID := range r.riders[sessID] {
		tally.Total++
		switch r.lights[sessID][connID] {
		case model.LightRed:
			tally.Red++
		case model.LightYellow:
			tally.Yellow++
		case model.LightGreen:
			tally.Green++
		default:
			tally.None++
		}
	}
	return tally
}

func (r *Registry) RegisterGenerator(sessID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.generators[sessID] = struct{}{}
}

func (r *Registry) RemoveGenerator(sessID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.generators, sessID)
}

func (r *Registry) HasGenerator(sessID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.generators[sessID]
	return ok
}

// HasDriver reports whether a live driver handle is attached.
func (r *Registry) HasDriver(sessID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.drivers[sessID]
	return ok
}
