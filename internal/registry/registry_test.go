package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waverider/broker-server-go/internal/model"
)

type fakeHandle struct {
	id string
}

func (f *fakeHandle) ID() string                       { return f.id }
func (f *fakeHandle) Send(event string, data any) error { return nil }

func TestRegistry_DriverReplacement(t *testing.T) {
	r := New()

	first := &fakeHandle{id: "conn-1"}
	second := &fakeHandle{id: "conn-2"}

	assert.Nil(t, r.RegisterDriver("sess0001AB", first))
	assert.True(t, r.HasDriver("sess0001AB"))

	displaced := r.RegisterDriver("sess0001AB", second)
	require.NotNil(t, displaced)
	assert.Equal(t, "conn-1", displaced.ID())

	cur, ok := r.Driver("sess0001AB")
	require.True(t, ok)
	assert.Equal(t, "conn-2", cur.ID())

	t.Run("removing the displaced handle leaves the new driver", func(t *testing.T) {
		_, _, ok := r.Remove(first)
		assert.False(t, ok)
		assert.True(t, r.HasDriver("sess0001AB"))
	})
}

func TestRegistry_Remove(t *testing.T) {
	r := New()

	driver := &fakeHandle{id: "driver-1"}
	rider := &fakeHandle{id: "rider-1"}

	r.RegisterDriver("sess0001AB", driver)
	r.RegisterRider("sess0001AB", rider)

	sessID, wasDriver, ok := r.Remove(driver)
	require.True(t, ok)
	assert.Equal(t, "sess0001AB", sessID)
	assert.True(t, wasDriver)
	assert.False(t, r.HasDriver("sess0001AB"))

	sessID, wasDriver, ok = r.Remove(rider)
	require.True(t, ok)
	assert.Equal(t, "sess0001AB", sessID)
	assert.False(t, wasDriver)
	assert.Zero(t, r.RiderCount("sess0001AB"))

	t.Run("unknown handle", func(t *testing.T) {
		_, _, ok := r.Remove(&fakeHandle{id: "never-seen"})
		assert.False(t, ok)
	})
}

func TestRegistry_Riders(t *testing.T) {
	r := New()

	r.RegisterRider("sess0001AB", &fakeHandle{id: "rider-1"})
	r.RegisterRider("sess0001AB", &fakeHandle{id: "rider-2"})
	r.RegisterRider("otherSess0", &fakeHandle{id: "rider-3"})

	assert.Equal(t, 2, r.RiderCount("sess0001AB"))
	assert.Len(t, r.Riders("sess0001AB"), 2)
	assert.Equal(t, 1, r.RiderCount("otherSess0"))
	assert.Empty(t, r.Riders("emptySess0"))
}

func TestRegistry_Tally(t *testing.T) {
	r := New()

	for _, id := range []string{"rider-1", "rider-2", "rider-3", "rider-4"} {
		r.RegisterRider("sess0001AB", &fakeHandle{id: id})
	}

	r.SetLight("sess0001AB", "rider-1", model.LightGreen)
	r.SetLight("sess0001AB", "rider-2", model.LightRed)
	r.SetLight("sess0001AB", "rider-3", model.LightYellow)

	tally := r.Tally("sess0001AB")
	assert.Equal(t, 1, tally.Red)
	assert.Equal(t, 1, tally.Yellow)
	assert.Equal(t, 1, tally.Green)
	assert.Equal(t, 1, tally.None)
	assert.Equal(t, 4, tally.Total)

	t.Run("invalid color is ignored", func(t *testing.T) {
		r.SetLight("sess0001AB", "rider-4", model.TrafficLight("purple"))
		assert.Equal(t, 1, r.Tally("sess0001AB").None)
	})

	t.Run("light from a non-rider is ignored", func(t *testing.T) {
		r.SetLight("sess0001AB", "stranger", model.LightGreen)
		assert.Equal(t, 1, r.Tally("sess0001AB").Green)
	})

	t.Run("leaving rider takes its light along", func(t *testing.T) {
		green := &fakeHandle{id: "rider-1"}
		_, _, ok := r.Remove(green)
		require.True(t, ok)

		tally := r.Tally("sess0001AB")
		assert.Equal(t, 0, tally.Green)
		assert.Equal(t, 3, tally.Total)
	})
}

func TestRegistry_Generators(t *testing.T) {
	r := New()

	assert.False(t, r.HasGenerator("sess0001AB"))
	r.RegisterGenerator("sess0001AB")
	assert.True(t, r.HasGenerator("sess0001AB"))
	r.RemoveGenerator("sess0001AB")
	assert.False(t, r.HasGenerator("sess0001AB"))
}
