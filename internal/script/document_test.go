package script

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waverider/broker-server-go/internal/model"
)

func v1Doc() *Document {
	return &Document{
		Meta: Meta{DriverName: "Ada", Version: 1, FileType: FileType},
		Channels: map[model.Channel][]Step{
			model.ChannelLeft: {
				{Stamp: 0, Message: json.RawMessage(`{"volume":50}`)},
				{Stamp: 200, Message: json.RawMessage(`{"volume":60}`)},
				{Stamp: 300, Message: json.RawMessage(`{"volume":55}`)},
			},
			model.ChannelBottle: {
				{Stamp: 1000, Message: json.RawMessage(`{"bottleDuration":5}`)},
			},
		},
	}
}

func TestParse(t *testing.T) {
	t.Run("round-trips through JSON", func(t *testing.T) {
		data, err := json.Marshal(v1Doc())
		require.NoError(t, err)

		doc, err := Parse(data)
		require.NoError(t, err)
		assert.Equal(t, "Ada", doc.Meta.DriverName)
		assert.Len(t, doc.Channels[model.ChannelLeft], 3)
		assert.Len(t, doc.Channels[model.ChannelBottle], 1)
		assert.NotContains(t, doc.Channels, model.ChannelRight)
	})

	t.Run("missing version defaults to 1", func(t *testing.T) {
		doc, err := Parse([]byte(`{"meta":{"driverName":"Ada"},"left":[{"stamp":10,"message":{}}]}`))
		require.NoError(t, err)
		assert.Equal(t, 1, doc.Meta.Version)
	})

	t.Run("rejects malformed JSON", func(t *testing.T) {
		_, err := Parse([]byte(`{`))
		assert.Error(t, err)
	})
}

func TestUpgrade(t *testing.T) {
	t.Run("converts deltas to absolute stamps", func(t *testing.T) {
		doc := v1Doc()
		require.NoError(t, doc.Upgrade())

		left := doc.Channels[model.ChannelLeft]
		assert.Equal(t, int64(0), left[0].Stamp)
		assert.Equal(t, int64(200), left[1].Stamp)
		assert.Equal(t, int64(500), left[2].Stamp)
		assert.Equal(t, CurrentVersion, doc.Meta.Version)
	})

	t.Run("is idempotent", func(t *testing.T) {
		doc := v1Doc()
		require.NoError(t, doc.Upgrade())
		once := append([]Step(nil), doc.Channels[model.ChannelLeft]...)

		require.NoError(t, doc.Upgrade())
		assert.Equal(t, once, doc.Channels[model.ChannelLeft])
	})

	t.Run("rejects versions greater than 2", func(t *testing.T) {
		doc := v1Doc()
		doc.Meta.Version = 3
		assert.Error(t, doc.Upgrade())
	})
}

func TestMerge(t *testing.T) {
	t.Run("keeps first meta and concatenates channels", func(t *testing.T) {
		a := v1Doc()
		b := &Document{
			Meta: Meta{DriverName: "Grace", Version: 1},
			Channels: map[model.Channel][]Step{
				model.ChannelLeft:  {{Stamp: 50, Message: json.RawMessage(`{"volume":70}`)}},
				model.ChannelRight: {{Stamp: 75, Message: json.RawMessage(`{"volume":30}`)}},
			},
		}

		merged := Merge(a, b)
		assert.Equal(t, "Ada", merged.Meta.DriverName)
		assert.Len(t, merged.Channels[model.ChannelLeft], 4)
		assert.Len(t, merged.Channels[model.ChannelRight], 1)
	})

	t.Run("does not mutate inputs", func(t *testing.T) {
		a := v1Doc()
		Merge(a, v1Doc())
		assert.Len(t, a.Channels[model.ChannelLeft], 3)
	})

	t.Run("merge of nothing is empty", func(t *testing.T) {
		assert.True(t, Merge().Empty())
	})
}

func TestDurationMillis(t *testing.T) {
	t.Run("sums deltas for version 1", func(t *testing.T) {
		assert.Equal(t, int64(1000), v1Doc().DurationMillis())
	})

	t.Run("uses final stamp for version 2", func(t *testing.T) {
		doc := v1Doc()
		require.NoError(t, doc.Upgrade())
		assert.Equal(t, int64(1000), doc.DurationMillis())
	})
}

func TestFirstStamp(t *testing.T) {
	doc := v1Doc()
	require.NoError(t, doc.Upgrade())

	first, ok := doc.FirstStamp()
	assert.True(t, ok)
	assert.Equal(t, int64(0), first)

	empty := &Document{Channels: map[model.Channel][]Step{}}
	_, ok = empty.FirstStamp()
	assert.False(t, ok)
}
