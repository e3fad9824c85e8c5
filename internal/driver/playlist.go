package driver

import (
	"context"
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/waverider/broker-server-go/internal/model"
	"github.com/waverider/broker-server-go/internal/script"
	"github.com/waverider/broker-server-go/internal/util"
)

// noRepeatFiles is how many recently played files the shuffle avoids.
const noRepeatFiles = 10

// PlaylistConfig configures the scripted playback driver.
type PlaylistConfig struct {
	Directory    string
	TickInterval time.Duration
	// PauseRestart is how long playback may sit riderless before the
	// current file is abandoned and a fresh one starts.
	PauseRestart time.Duration
}

// Playlist plays script documents from a directory in shuffled order,
// one step per channel per tick. Playback pauses while the session has
// no riders and restarts the file after a long pause.
type Playlist struct {
	sessID string
	cfg    PlaylistConfig
	relay  Publisher
	riders RiderCounter
	log    zerolog.Logger
	rng    *rand.Rand

	playlist       []string
	playlistIndex  int
	dirFingerprint string
	lastPlayed     []string

	doc         *script.Document
	positions   map[model.Channel]int
	scriptTimer int64
	firstStamp  int64
	duration    int64

	stopOnce sync.Once
	done     chan struct{}
}

func NewPlaylist(sessID string, cfg PlaylistConfig, relay Publisher, riders RiderCounter, log zerolog.Logger) *Playlist {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 250 * time.Millisecond
	}
	if cfg.PauseRestart <= 0 {
		cfg.PauseRestart = time.Minute
	}
	return &Playlist{
		sessID:    sessID,
		cfg:       cfg,
		relay:     relay,
		riders:    riders,
		log:       log.With().Str("component", "playlist").Str("sess_id", sessID).Logger(),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		positions: make(map[model.Channel]int),
		done:      make(chan struct{}),
	}
}

// Start launches the playback loop. Call only after the generator is
// attached to its session.
func (p *Playlist) Start() {
	go p.run()
	p.log.Info().Str("directory", p.cfg.Directory).Msg("playlist driver initialized")
}

// Stop halts the playback loop. Idempotent.
func (p *Playlist) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.log.Info().Msg("playlist driver stopped")
	})
}

func (p *Playlist) run() {
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	playing := false
	var stoppedAt time.Time

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			if p.riders.RiderCount(p.sessID) == 0 {
				if playing {
					stoppedAt = time.Now()
					p.log.Debug().Msg("last rider left, playback paused")
				}
				playing = false
				continue
			}
			if !playing {
				playing = true
				if time.Since(stoppedAt) > p.cfg.PauseRestart {
					// Long pause; do not resume mid-file.
					p.doc = nil
					p.log.Debug().Msg("starting a fresh file after long pause")
				}
			}

			if p.doc == nil {
				p.loadNextFile()
				continue
			}
			p.tick()
		}
	}
}

// loadNextFile picks the next shuffled file, upgrades its stamps to
// absolute, fast-forwards to just before the first step, and announces
// it on the session flags.
func (p *Playlist) loadNextFile() {
	ctx := context.Background()

	if err := p.relay.ClearGeneratedMessages(ctx, p.sessID); err != nil {
		p.log.Warn().Err(err).Msg("clearing previous file history failed")
	}

	path, ok := p.nextFile()
	if !ok {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		p.log.Error().Err(err).Str("path", path).Msg("script file unreadable")
		return
	}
	doc, err := script.Parse(data)
	if err != nil {
		p.log.Error().Err(err).Str("path", path).Msg("script file unparseable")
		return
	}
	fileDriver := util.SanitizeFileInfo(doc.Meta.DriverName)
	if err := doc.Upgrade(); err != nil {
		p.log.Error().Err(err).Str("path", path).Msg("script version unsupported")
		return
	}

	p.rememberPlayed(path)

	p.doc = doc
	for _, ch := range model.Channels {
		p.positions[ch] = 0
	}

	// Skip dead air before the first step.
	first, _ := doc.FirstStamp()
	if first > 1000 {
		p.scriptTimer = first - 1000
	} else {
		p.scriptTimer = 0
	}
	p.firstStamp = p.scriptTimer
	p.duration = doc.DurationMillis()

	err = p.relay.ApplyGeneratorFlags(ctx, p.sessID, model.Flags{
		"filePlaying": util.SanitizeFileInfo(filepath.Base(path)),
		"fileDriver":  fileDriver,
	})
	if err != nil {
		p.log.Warn().Err(err).Msg("announcing file flags failed")
	}

	p.log.Info().Str("path", path).Msg("now playing")
}

// tick advances playback time and publishes every channel step that
// has come due.
func (p *Playlist) tick() {
	ctx := context.Background()
	p.scriptTimer += p.cfg.TickInterval.Milliseconds()

	for _, ch := range model.Channels {
		steps := p.doc.Channels[ch]
		pos := p.positions[ch]
		if pos >= len(steps) || steps[pos].Stamp > p.scriptTimer {
			continue
		}
		p.positions[ch] = pos + 1
		p.publishStep(ctx, ch, steps[pos])
	}

	if p.duration > 0 && p.scriptTimer-p.firstStamp >= p.duration {
		p.doc = nil
	}
}

func (p *Playlist) publishStep(ctx context.Context, ch model.Channel, step script.Step) {
	payload := step.Message
	if ch == model.ChannelBottle {
		// Scripts store the duration as a number or a string.
		var msg struct {
			BottleDuration any `json:"bottleDuration"`
		}
		secs := 0
		if err := json.Unmarshal(step.Message, &msg); err == nil {
			switch v := msg.BottleDuration.(type) {
			case float64:
				secs = int(v)
			case string:
				if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
					secs = n
				}
			}
		}
		payload, _ = json.Marshal(map[string]int{"bottleDuration": secs})
	}

	if err := p.relay.PublishGenerated(ctx, p.sessID, ch, payload); err != nil {
		p.log.Warn().Err(err).Str("channel", string(ch)).Msg("step publish failed")
	}
}

// nextFile advances the shuffled playlist, reshuffling when the
// directory contents change and skipping recently played entries.
func (p *Playlist) nextFile() (string, bool) {
	p.reshuffleIfChanged()
	if len(p.playlist) == 0 {
		return "", false
	}

	for tries := 0; tries < len(p.playlist); tries++ {
		p.playlistIndex++
		if p.playlistIndex >= len(p.playlist) {
			p.playlistIndex = 0
		}
		candidate := filepath.Join(p.cfg.Directory, p.playlist[p.playlistIndex])
		if len(p.playlist) > noRepeatFiles && p.recentlyPlayed(candidate) {
			continue
		}
		return candidate, true
	}
	return filepath.Join(p.cfg.Directory, p.playlist[p.playlistIndex]), true
}

func (p *Playlist) reshuffleIfChanged() {
	entries, err := os.ReadDir(p.cfg.Directory)
	if err != nil {
		p.log.Error().Err(err).Str("directory", p.cfg.Directory).Msg("playlist directory unreadable")
		return
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	fingerprint := strings.Join(names, ",")
	if fingerprint == p.dirFingerprint {
		return
	}

	p.log.Info().Int("files", len(names)).Msg("playlist directory changed, reshuffling")
	p.dirFingerprint = fingerprint
	p.playlistIndex = 0
	p.rng.Shuffle(len(names), func(i, j int) {
		names[i], names[j] = names[j], names[i]
	})
	p.playlist = names
}

func (p *Playlist) recentlyPlayed(path string) bool {
	for _, played := range p.lastPlayed {
		if played == path {
			return true
		}
	}
	return false
}

func (p *Playlist) rememberPlayed(path string) {
	p.lastPlayed = append(p.lastPlayed, path)
	if len(p.lastPlayed) > noRepeatFiles {
		p.lastPlayed = p.lastPlayed[1:]
	}
}
