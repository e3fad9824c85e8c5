// Package driver holds the content generators that occupy a session's
// driver role without a connection: the automated parameter driver and
// the scripted playlist driver. Both publish through the relay exactly
// as a human driver would.
package driver

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/waverider/broker-server-go/internal/model"
)

// Publisher is the slice of the relay a generator drives through.
type Publisher interface {
	PublishGenerated(ctx context.Context, sessID string, channel model.Channel, payload json.RawMessage) error
	ApplyGeneratorFlags(ctx context.Context, sessID string, flags model.Flags) error
	ClearGeneratedMessages(ctx context.Context, sessID string) error
}

// RiderCounter reports how many riders a session currently has.
type RiderCounter interface {
	RiderCount(sessID string) int
}

// AutomatedConfig carries the form-derived parameters plus the fixed
// tunables of the automated driver.
type AutomatedConfig struct {
	SessionDuration  time.Duration
	MinFrequency     float64
	MaxFrequency     float64
	InitialFrequency float64
	StartVolume      float64
	MinFMDepth       float64
	MaxFMDepth       float64
	MinAMDepth       float64
	MaxAMDepth       float64
	MinAMDepth2      float64
	MaxAMDepth2      float64
	PainProbability  float64 // percent per channel per tick
	PainIntensity    float64

	// Fixed tunables.
	TickInterval            time.Duration
	StartMaxVolumeChange    float64
	EndMaxVolumeChange      float64
	NoChangesProbability    float64
	BottlePromptingMin      time.Duration
	BottlePromptingMax      time.Duration
	BottlePromptingProb     float64
	PainMinShocks           int
	PainMaxShocks           int
	PainMinShockLength      float64
	PainMaxShockLength      float64
	PainMinTimeBetweenShock float64
	PainMaxTimeBetweenShock float64
	Waveforms               []string
	WaveformProbabilities   []float64
}

// DefaultAutomatedConfig returns the fixed tunables; form-derived
// fields are left for the caller.
func DefaultAutomatedConfig() AutomatedConfig {
	return AutomatedConfig{
		TickInterval:            15 * time.Second,
		StartMaxVolumeChange:    2,
		EndMaxVolumeChange:      5,
		NoChangesProbability:    0.3,
		BottlePromptingProb:     0.75,
		PainMinShocks:           5,
		PainMaxShocks:           15,
		PainMinShockLength:      0.05,
		PainMaxShockLength:      0.5,
		PainMinTimeBetweenShock: 0.2,
		PainMaxTimeBetweenShock: 1.0,
		Waveforms:               []string{"sine", "square", "triangle", "sawtooth"},
		WaveformProbabilities:   []float64{0.4, 0.3, 0.15, 0.15},
	}
}

// channelState is the evolving waveform state of one output channel.
type channelState struct {
	Volume   float64
	Freq     float64
	FMType   string
	FMDepth  float64
	FMFreq   float64
	AMType   string
	AMDepth  float64
	AMFreq   float64
	AMType2  string
	AMDepth2 float64
	AMFreq2  float64
}

// channelMessage is the wire shape riders expect on left/right.
type channelMessage struct {
	Volume     float64 `json:"volume"`
	Freq       float64 `json:"freq"`
	FMType     string  `json:"fmType"`
	FMDepth    float64 `json:"fmDepth"`
	FMFreq     float64 `json:"fmFreq"`
	AMType     string  `json:"amType"`
	AMDepth    float64 `json:"amDepth"`
	AMFreq     float64 `json:"amFreq"`
	AMType2    string  `json:"amType2"`
	AMDepth2   float64 `json:"amDepth2"`
	AMFreq2    float64 `json:"amFreq2"`
	TOn        float64 `json:"tOn"`
	TAtt       float64 `json:"tAtt"`
	TOff       float64 `json:"tOff"`
	Active     bool    `json:"active"`
	RampTarget float64 `json:"rampTarget"`
	RampRate   float64 `json:"rampRate"`
}

type painMessage struct {
	Volume            float64 `json:"volume"`
	Frequency         float64 `json:"frequency"`
	ShockDuration     float64 `json:"shockDuration"`
	TimeBetweenShocks float64 `json:"timeBetweenShocks"`
	NumberOfShocks    int     `json:"numberOfShocks"`
}

// Automated drives a session with randomly evolving waveform
// parameters on a fixed tick. It stops itself when the configured
// duration elapses or when nobody has joined within five minutes.
type Automated struct {
	sessID string
	cfg    AutomatedConfig
	relay  Publisher
	riders RiderCounter
	detach func()
	log    zerolog.Logger
	rng    *rand.Rand

	left  channelState
	right channelState

	startTime  time.Time
	nextBottle time.Time
	inUse      bool

	stopOnce sync.Once
	done     chan struct{}
}

// NewAutomated builds the generator. detach is invoked (once, from the
// generator's own goroutine) when it decides to end the session.
func NewAutomated(sessID string, cfg AutomatedConfig, relay Publisher, riders RiderCounter, detach func(), log zerolog.Logger) *Automated {
	state := channelState{
		Volume:  cfg.StartVolume,
		Freq:    cfg.InitialFrequency,
		FMType:  "none",
		AMType:  "none",
		AMType2: "none",
	}
	return &Automated{
		sessID: sessID,
		cfg:    cfg,
		relay:  relay,
		riders: riders,
		detach: detach,
		log:    log.With().Str("component", "automated").Str("sess_id", sessID).Logger(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		left:   state,
		right:  state,
		done:   make(chan struct{}),
	}
}

// Start launches the generator loop. Call only after the generator is
// attached to its session.
func (a *Automated) Start() {
	a.startTime = time.Now()
	a.scheduleNextBottle()
	go a.run()
	a.log.Info().Msg("automated driver initialized")
}

// Stop halts the tick loop. Idempotent and safe to call from any
// goroutine, including the lifecycle during teardown.
func (a *Automated) Stop() {
	a.stopOnce.Do(func() {
		close(a.done)
		a.log.Info().Msg("automated driver stopped")
	})
}

func (a *Automated) run() {
	ticker := time.NewTicker(a.cfg.TickInterval)
	defer ticker.Stop()

	endOfSession := time.NewTimer(a.cfg.SessionDuration)
	defer endOfSession.Stop()

	// First parameter set goes out immediately.
	a.runActions(0)

	for {
		select {
		case <-a.done:
			return
		case <-endOfSession.C:
			a.emitEndOfSession()
			a.detach()
			return
		case <-ticker.C:
			elapsed := time.Since(a.startTime).Minutes()
			if a.rng.Float64() >= a.cfg.NoChangesProbability {
				a.runActions(elapsed)
			}
			if !a.inUse && a.riders.RiderCount(a.sessID) > 0 {
				a.inUse = true
			}
			if elapsed >= 5 && !a.inUse {
				a.log.Info().Msg("automated driver has no riders")
				a.detach()
				return
			}
		}
	}
}

func (a *Automated) runActions(elapsedMinutes float64) {
	ctx := context.Background()

	if a.cfg.BottlePromptingMin > 0 && a.rng.Float64() < a.cfg.BottlePromptingProb && time.Now().After(a.nextBottle) {
		duration := int(a.rng.Float64()*5 + 5)
		a.publish(ctx, model.ChannelBottle, map[string]int{"bottleDuration": duration})
		a.scheduleNextBottle()
	}

	if a.rng.Float64() < 0.5 || elapsedMinutes == 0 {
		a.processChannel(ctx, &a.left, model.ChannelLeft, &a.right, elapsedMinutes)
	}
	if a.rng.Float64() < 0.5 || elapsedMinutes == 0 {
		a.processChannel(ctx, &a.right, model.ChannelRight, &a.left, elapsedMinutes)
	}
}

func (a *Automated) processChannel(ctx context.Context, ch *channelState, name model.Channel, other *channelState, elapsedMinutes float64) {
	if a.rng.Float64() < a.cfg.PainProbability*0.01 && elapsedMinutes > 0 {
		a.processPain(ctx, ch, name)
		return
	}

	a.updateVolume(ch, elapsedMinutes)
	if a.rng.Float64() < 0.3 && a.cfg.MinFMDepth > 0 {
		a.toggleFM(ch, elapsedMinutes)
	}
	if a.rng.Float64() < 0.3 && a.cfg.MinAMDepth > 0 {
		a.toggleAM(ch, elapsedMinutes)
	}
	if a.rng.Float64() < 0.3 && a.cfg.MinAMDepth2 > 0 {
		a.toggleAM2(ch, elapsedMinutes)
	}
	a.varyFrequency(ch, other.Freq)

	a.publish(ctx, name, channelMessage{
		Volume:     ch.Volume,
		Freq:       ch.Freq,
		FMType:     ch.FMType,
		FMDepth:    ch.FMDepth,
		FMFreq:     ch.FMFreq,
		AMType:     ch.AMType,
		AMDepth:    ch.AMDepth,
		AMFreq:     ch.AMFreq,
		AMType2:    ch.AMType2,
		AMDepth2:   ch.AMDepth2,
		AMFreq2:    ch.AMFreq2,
		TOn:        0.1,
		TAtt:       0.1,
		TOff:       0,
		Active:     true,
		RampTarget: ch.Volume,
		RampRate:   0,
	})
}

func (a *Automated) processPain(ctx context.Context, ch *channelState, name model.Channel) {
	msg := painMessage{
		Volume:            math.Min(1.0, (ch.Volume+a.cfg.PainIntensity)*0.01),
		Frequency:         ch.Freq,
		ShockDuration:     a.randBetween(a.cfg.PainMinShockLength, a.cfg.PainMaxShockLength),
		TimeBetweenShocks: a.randBetween(a.cfg.PainMinTimeBetweenShock, a.cfg.PainMaxTimeBetweenShock),
		NumberOfShocks:    int(math.Round(a.randBetween(float64(a.cfg.PainMinShocks), float64(a.cfg.PainMaxShocks)))),
	}

	pain := model.ChannelPainLeft
	if name == model.ChannelRight {
		pain = model.ChannelPainRight
	}
	a.publish(ctx, pain, msg)
	a.log.Debug().Str("channel", string(name)).Msg("pain signal sent")
}

// updateVolume drifts the volume with a bias upward, inside an
// envelope that widens as the session progresses.
func (a *Automated) updateVolume(ch *channelState, elapsedMinutes float64) {
	progress := elapsedMinutes / a.cfg.SessionDuration.Minutes()

	d := a.cfg.EndMaxVolumeChange - a.cfg.StartMaxVolumeChange
	dVolumeMax := math.Min(a.cfg.StartMaxVolumeChange+d*progress, a.cfg.EndMaxVolumeChange)
	dVolume := a.rng.Float64() * dVolumeMax
	if a.rng.Float64() < 0.7 {
		ch.Volume += dVolume
	} else {
		ch.Volume -= dVolume
	}

	maxVolume := a.cfg.StartVolume + 10 + math.Min((90-a.cfg.StartVolume)*progress, 90-a.cfg.StartVolume)
	ch.Volume = math.Min(math.Max(ch.Volume, a.cfg.StartVolume), maxVolume)
	ch.Volume = math.Round(ch.Volume)
}

func (a *Automated) toggleFM(ch *channelState, elapsedMinutes float64) {
	if ch.FMType != "none" {
		ch.FMType = "none"
		ch.FMFreq = 0
		ch.FMDepth = 0
		return
	}
	ch.FMType = a.randomWaveform()
	ch.FMFreq = round2(a.rng.Float64() * a.modFreqMax(elapsedMinutes))
	depth := a.randBetween(a.cfg.MinFMDepth, a.cfg.MaxFMDepth)
	ch.FMDepth = round2(depth * ch.Volume / 100.0)
}

func (a *Automated) toggleAM(ch *channelState, elapsedMinutes float64) {
	if ch.AMType != "none" {
		ch.AMType = "none"
		ch.AMFreq = 0
		ch.AMDepth = 0
		return
	}
	ch.AMType = a.randomWaveform()
	ch.AMFreq = round2(a.rng.Float64() * a.modFreqMax(elapsedMinutes))
	depth := a.randBetween(a.cfg.MinAMDepth, a.cfg.MaxAMDepth)
	ch.AMDepth = round2(depth * ch.Volume / 100.0)
}

func (a *Automated) toggleAM2(ch *channelState, elapsedMinutes float64) {
	if ch.AMType2 != "none" {
		ch.AMType2 = "none"
		ch.AMFreq2 = 0
		ch.AMDepth2 = 0
		return
	}
	ch.AMType2 = a.randomWaveform()
	ch.AMFreq2 = round2(a.rng.Float64() * a.modFreqMax(elapsedMinutes))
	depth := a.randBetween(a.cfg.MinAMDepth2, a.cfg.MaxAMDepth2)
	ch.AMDepth2 = round2(depth * ch.Volume / 100.0)
}

// modFreqMax grows the modulation frequency ceiling from 2 to 10 Hz
// over the session.
func (a *Automated) modFreqMax(elapsedMinutes float64) float64 {
	return math.Min(2+8*(elapsedMinutes/a.cfg.SessionDuration.Minutes()), 10)
}

// varyFrequency random-walks the carrier frequency with reflective
// boundaries. A step that would land on the other channel's frequency
// is skipped; equal frequencies cancel or add too strongly in a
// triphase hookup.
func (a *Automated) varyFrequency(ch *channelState, otherFreq float64) {
	step := math.Min(50, a.cfg.MaxFrequency-a.cfg.MinFrequency)
	variation := (a.rng.Float64()*2 - 1) * step

	newFreq := ch.Freq + variation
	if newFreq < a.cfg.MinFrequency {
		newFreq = 2*a.cfg.MinFrequency - newFreq
	} else if newFreq > a.cfg.MaxFrequency {
		newFreq = 2*a.cfg.MaxFrequency - newFreq
	}
	newFreq = math.Round(newFreq*10) / 10

	if newFreq != otherFreq {
		ch.Freq = newFreq
	}
}

// randomWaveform picks a waveform by cumulative probability.
func (a *Automated) randomWaveform() string {
	n := a.rng.Float64()
	sum := 0.0
	for i, waveform := range a.cfg.Waveforms {
		sum += a.cfg.WaveformProbabilities[i]
		if n < sum {
			return waveform
		}
	}
	return a.cfg.Waveforms[len(a.cfg.Waveforms)-1]
}

// emitEndOfSession ramps both channels down to zero with modulation
// off.
func (a *Automated) emitEndOfSession() {
	ctx := context.Background()
	for _, pair := range []struct {
		ch   *channelState
		name model.Channel
	}{{&a.left, model.ChannelLeft}, {&a.right, model.ChannelRight}} {
		a.publish(ctx, pair.name, channelMessage{
			Volume:     pair.ch.Volume,
			Freq:       pair.ch.Freq,
			FMType:     "none",
			FMDepth:    10,
			FMFreq:     0,
			AMType:     "none",
			AMDepth:    pair.ch.AMDepth,
			AMFreq:     pair.ch.AMFreq,
			AMType2:    "none",
			AMDepth2:   pair.ch.AMDepth2,
			AMFreq2:    pair.ch.AMFreq2,
			Active:     true,
			RampTarget: 0,
			RampRate:   1,
		})
	}
	a.log.Info().Msg("end of session ramp-down sent")
}

func (a *Automated) publish(ctx context.Context, channel model.Channel, msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		a.log.Error().Err(err).Msg("message encoding failed")
		return
	}
	if err := a.relay.PublishGenerated(ctx, a.sessID, channel, payload); err != nil {
		a.log.Warn().Err(err).Str("channel", string(channel)).Msg("generated publish failed")
	}
}

func (a *Automated) scheduleNextBottle() {
	span := a.cfg.BottlePromptingMax - a.cfg.BottlePromptingMin
	wait := a.cfg.BottlePromptingMin + time.Duration(a.rng.Float64()*float64(span))
	a.nextBottle = time.Now().Add(wait)
}

func (a *Automated) randBetween(min, max float64) float64 {
	return min + a.rng.Float64()*(max-min)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
