package script

import (
	"encoding/json"
	"fmt"

	"github.com/waverider/broker-server-go/internal/model"
)

const (
	// FileType tags exported documents.
	FileType = "waverider script"

	// CurrentVersion stores absolute stamps; version 1 stored
	// per-step deltas and is upgraded on load.
	CurrentVersion = 2
)

// Step is one timed entry on a channel. After Upgrade, Stamp is
// absolute milliseconds from the start of the script; in version 1
// files it is the delta since the previous step on the same channel.
type Step struct {
	Stamp   int64           `json:"stamp"`
	Message json.RawMessage `json:"message"`
}

type Meta struct {
	DriverName     string `json:"driverName,omitempty"`
	DriverComments string `json:"driverComments,omitempty"`
	Version        int    `json:"version"`
	FileType       string `json:"fileType,omitempty"`
}

// Document is the exported/importable representation of a session's
// full channel message history.
type Document struct {
	Meta     Meta
	Channels map[model.Channel][]Step
}

// rawDocument matches the wire layout: meta plus one top-level array
// per channel.
type rawDocument struct {
	Meta      Meta   `json:"meta"`
	Left      []Step `json:"left,omitempty"`
	Right     []Step `json:"right,omitempty"`
	PainLeft  []Step `json:"pain-left,omitempty"`
	PainRight []Step `json:"pain-right,omitempty"`
	Bottle    []Step `json:"bottle,omitempty"`
}

func (d *Document) MarshalJSON() ([]byte, error) {
	raw := rawDocument{
		Meta:      d.Meta,
		Left:      d.Channels[model.ChannelLeft],
		Right:     d.Channels[model.ChannelRight],
		PainLeft:  d.Channels[model.ChannelPainLeft],
		PainRight: d.Channels[model.ChannelPainRight],
		Bottle:    d.Channels[model.ChannelBottle],
	}
	return json.Marshal(raw)
}

func (d *Document) UnmarshalJSON(data []byte) error {
	var raw rawDocument
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	d.Meta = raw.Meta
	d.Channels = make(map[model.Channel][]Step)
	for ch, steps := range map[model.Channel][]Step{
		model.ChannelLeft:      raw.Left,
		model.ChannelRight:     raw.Right,
		model.ChannelPainLeft:  raw.PainLeft,
		model.ChannelPainRight: raw.PainRight,
		model.ChannelBottle:    raw.Bottle,
	} {
		if len(steps) > 0 {
			d.Channels[ch] = steps
		}
	}
	return nil
}

// Parse decodes a script document. A missing meta.version means
// version 1.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse script document: %w", err)
	}
	if doc.Meta.Version == 0 {
		doc.Meta.Version = 1
	}
	return &doc, nil
}

// Empty reports whether the document has no steps on any channel.
func (d *Document) Empty() bool {
	for _, steps := range d.Channels {
		if len(steps) > 0 {
			return false
		}
	}
	return true
}

// Upgrade converts version 1 delta stamps to absolute stamps by
// cumulative sum per channel. Documents already at version 2 pass
// through unchanged, so upgrading twice is safe. Versions greater
// than 2 are rejected.
func (d *Document) Upgrade() error {
	if d.Meta.Version > CurrentVersion {
		return fmt.Errorf("unsupported script version %d", d.Meta.Version)
	}
	if d.Meta.Version >= CurrentVersion {
		return nil
	}

	for ch, steps := range d.Channels {
		var sum int64
		for i := range steps {
			sum += steps[i].Stamp
			steps[i].Stamp = sum
		}
		d.Channels[ch] = steps
	}
	d.Meta.Version = CurrentVersion
	return nil
}

// Merge concatenates the channel arrays of subsequent documents onto
// the first. The first document's meta is preserved. All documents
// must share a stamp convention (merge before Upgrade for v1 files).
func Merge(docs ...*Document) *Document {
	if len(docs) == 0 {
		return &Document{Channels: make(map[model.Channel][]Step)}
	}

	out := &Document{
		Meta:     docs[0].Meta,
		Channels: make(map[model.Channel][]Step),
	}
	for ch, steps := range docs[0].Channels {
		out.Channels[ch] = append([]Step(nil), steps...)
	}

	for _, doc := range docs[1:] {
		for ch, steps := range doc.Channels {
			out.Channels[ch] = append(out.Channels[ch], steps...)
		}
	}
	return out
}

// DurationMillis reports the playback length: the largest per-channel
// total. Version 1 stamps are deltas and sum up; later versions are
// absolute, so the final stamp on each channel is its total.
func (d *Document) DurationMillis() int64 {
	var max int64
	for _, steps := range d.Channels {
		var total int64
		if d.Meta.Version >= CurrentVersion {
			for _, step := range steps {
				if step.Stamp > total {
					total = step.Stamp
				}
			}
		} else {
			for _, step := range steps {
				total += step.Stamp
			}
		}
		if total > max {
			max = total
		}
	}
	return max
}

// FirstStamp returns the earliest stamp across channels of an
// upgraded document, and false when the document is empty.
func (d *Document) FirstStamp() (int64, bool) {
	var first int64
	found := false
	for _, steps := range d.Channels {
		for _, step := range steps {
			if !found || step.Stamp < first {
				first = step.Stamp
				found = true
			}
		}
	}
	return first, found
}
