package driver

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waverider/broker-server-go/internal/model"
	"github.com/waverider/broker-server-go/internal/script"
)

func writeScript(t *testing.T, dir, name string, doc string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(doc), 0o644))
}

func newTestPlaylist(t *testing.T, dir string, relay *fakeRelay, riders RiderCounter) *Playlist {
	t.Helper()
	cfg := PlaylistConfig{Directory: dir, TickInterval: 250 * time.Millisecond}
	return NewPlaylist("playSess00", cfg, relay, riders, zerolog.Nop())
}

func TestPlaylist_LoadNextFile(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "warmup.json", `{
		"meta": {"driverName": "Ada<x>", "version": 1, "fileType": "waverider script"},
		"left": [
			{"stamp": 5000, "message": {"volume": 30}},
			{"stamp": 1000, "message": {"volume": 40}}
		]
	}`)

	relay := &fakeRelay{}
	p := newTestPlaylist(t, dir, relay, fixedRiders(1))
	p.loadNextFile()

	require.NotNil(t, p.doc)

	t.Run("history is cleared for the new file", func(t *testing.T) {
		assert.Equal(t, 1, relay.cleared)
	})

	t.Run("stamps are upgraded to absolute", func(t *testing.T) {
		steps := p.doc.Channels[model.ChannelLeft]
		require.Len(t, steps, 2)
		assert.Equal(t, int64(5000), steps[0].Stamp)
		assert.Equal(t, int64(6000), steps[1].Stamp)
	})

	t.Run("playback fast-forwards to 1s before the first step", func(t *testing.T) {
		assert.Equal(t, int64(4000), p.scriptTimer)
	})

	t.Run("file flags are announced sanitized", func(t *testing.T) {
		require.Len(t, relay.flags, 1)
		assert.Equal(t, "warmup.json", relay.flags[0]["filePlaying"])
		assert.Equal(t, "Adax", relay.flags[0]["fileDriver"])
	})
}

func TestPlaylist_TickPublishesDueSteps(t *testing.T) {
	relay := &fakeRelay{}
	p := newTestPlaylist(t, t.TempDir(), relay, fixedRiders(1))

	p.doc = &script.Document{
		Meta: script.Meta{Version: script.CurrentVersion, FileType: script.FileType},
		Channels: map[model.Channel][]script.Step{
			model.ChannelLeft: {
				{Stamp: 100, Message: json.RawMessage(`{"volume":30}`)},
				{Stamp: 400, Message: json.RawMessage(`{"volume":40}`)},
			},
			model.ChannelBottle: {
				{Stamp: 100, Message: json.RawMessage(`{"bottleDuration":"8"}`)},
			},
		},
	}
	p.positions = map[model.Channel]int{}
	p.duration = 400

	p.tick() // timer = 250
	msgs := relay.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, model.ChannelLeft, msgs[0].Channel)
	assert.JSONEq(t, `{"volume":30}`, string(msgs[0].Payload))
	assert.Equal(t, model.ChannelBottle, msgs[1].Channel)
	assert.JSONEq(t, `{"bottleDuration":8}`, string(msgs[1].Payload))

	p.tick() // timer = 500, past the last stamp
	msgs = relay.messages()
	require.Len(t, msgs, 3)
	assert.JSONEq(t, `{"volume":40}`, string(msgs[2].Payload))

	t.Run("finishing the file queues the next one", func(t *testing.T) {
		assert.Nil(t, p.doc)
	})
}

func TestPlaylist_UnsupportedVersionIsSkipped(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "future.json", `{
		"meta": {"version": 3},
		"left": [{"stamp": 0, "message": {"volume": 30}}]
	}`)

	p := newTestPlaylist(t, dir, &fakeRelay{}, fixedRiders(1))
	p.loadNextFile()

	assert.Nil(t, p.doc)
}

func TestPlaylist_NextFileCyclesThroughDirectory(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "a.json", `{}`)
	writeScript(t, dir, "b.json", `{}`)
	writeScript(t, dir, "c.json", `{}`)

	p := newTestPlaylist(t, dir, &fakeRelay{}, fixedRiders(1))

	seen := make(map[string]int)
	for i := 0; i < 6; i++ {
		path, ok := p.nextFile()
		require.True(t, ok)
		seen[filepath.Base(path)]++
	}
	assert.Equal(t, 2, seen["a.json"])
	assert.Equal(t, 2, seen["b.json"])
	assert.Equal(t, 2, seen["c.json"])
}

func TestPlaylist_EmptyDirectory(t *testing.T) {
	p := newTestPlaylist(t, t.TempDir(), &fakeRelay{}, fixedRiders(1))

	_, ok := p.nextFile()
	assert.False(t, ok)
}
