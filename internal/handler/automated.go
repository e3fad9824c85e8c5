package handler

import (
	"context"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/waverider/broker-server-go/internal/audit"
	"github.com/waverider/broker-server-go/internal/driver"
	apperrors "github.com/waverider/broker-server-go/internal/errors"
	"github.com/waverider/broker-server-go/internal/httputil"
	"github.com/waverider/broker-server-go/internal/model"
	"github.com/waverider/broker-server-go/internal/registry"
	"github.com/waverider/broker-server-go/internal/service"
	"github.com/waverider/broker-server-go/internal/util"
)

// AutomatedHandler starts automated driver sessions from the config
// form.
type AutomatedHandler struct {
	lifecycle   *service.Lifecycle
	relay       *service.Relay
	registry    *registry.Registry
	driverNames []string
}

func NewAutomatedHandler(lifecycle *service.Lifecycle, relay *service.Relay, reg *registry.Registry, driverNames []string) *AutomatedHandler {
	if len(driverNames) == 0 {
		driverNames = []string{"Autodriver"}
	}
	return &AutomatedHandler{
		lifecycle:   lifecycle,
		relay:       relay,
		registry:    reg,
		driverNames: driverNames,
	}
}

func (h *AutomatedHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Start)

	return r
}

// POST /start-automated-driver
func (h *AutomatedHandler) Start(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httputil.WriteError(w, apperrors.ValidationError("Invalid form data"))
		return
	}

	params, err := parseAutomatedForm(r.PostForm)
	if err != nil {
		audit.LogFromRequest(r, audit.Event{Type: audit.EventInvalidInput, Details: map[string]any{"endpoint": "start-automated-driver"}})
		httputil.WriteError(w, err)
		return
	}

	sessID := util.GenerateSessionID()
	name := h.driverNames[rand.Intn(len(h.driverNames))]

	gen := driver.NewAutomated(sessID, params.config, h.relay, h.registry, func() {
		h.lifecycle.DetachGenerator(context.Background(), sessID)
	}, log.Logger)

	ctx := r.Context()
	if err := h.lifecycle.AttachGenerator(ctx, sessID, gen); err != nil {
		log.Error().Err(err).Str("sess_id", sessID).Msg("failed to start automated driver")
		httputil.WriteError(w, err)
		return
	}

	flags := model.Flags{
		"driverName":      name,
		"publicSession":   params.public,
		"blindfoldRiders": false,
		"proMode":         false,
		"driverComments":  "",
	}
	if err := h.relay.ApplyGeneratorFlags(ctx, sessID, flags); err != nil {
		log.Error().Err(err).Str("sess_id", sessID).Msg("failed to set automated session flags")
	}

	gen.Start()
	audit.LogFromRequest(r, audit.Event{Type: audit.EventGeneratorStarted, SessID: sessID})

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"sessId":          sessID,
		"sessionDuration": int(params.config.SessionDuration.Minutes()),
	})
}

type automatedParams struct {
	config driver.AutomatedConfig
	public bool
}

// parseAutomatedForm validates the config form. Ranges match the
// configuration page: frequencies 100-3000Hz, presets 0-20, duration
// 30-60 minutes, pain probability 0-30%, pain intensity 4-15.
func parseAutomatedForm(form map[string][]string) (automatedParams, error) {
	get := func(key string) string {
		if vals, ok := form[key]; ok && len(vals) > 0 {
			return strings.TrimSpace(vals[0])
		}
		return ""
	}
	num := func(key string) (int, error) {
		v, err := strconv.Atoi(get(key))
		if err != nil {
			return 0, apperrors.InvalidInput(key, "must be a number")
		}
		return v, nil
	}

	var params automatedParams

	minFreq, err := num("min-frequency")
	if err != nil {
		return params, err
	}
	maxFreq, err := num("max-frequency")
	if err != nil {
		return params, err
	}
	startFreq, err := num("start-frequency")
	if err != nil {
		return params, err
	}
	startVolume, err := num("start-volume")
	if err != nil {
		return params, err
	}
	fmPreset, err := num("fm-preset")
	if err != nil {
		return params, err
	}
	amPreset, err := num("am-preset")
	if err != nil {
		return params, err
	}
	amPreset2, err := num("am2-preset")
	if err != nil {
		return params, err
	}
	sessionDuration, err := num("session-duration")
	if err != nil {
		return params, err
	}
	painProbability, err := num("pain-probability")
	if err != nil {
		return params, err
	}
	painIntensity, err := num("pain-intensity")
	if err != nil {
		return params, err
	}

	bottleMin, bottleMax, err := parseBottlePrompting(get("bottle-prompting"))
	if err != nil {
		return params, err
	}

	switch {
	case minFreq < 100 || minFreq > 3000:
		return params, apperrors.InvalidInput("min-frequency", "must be between 100 and 3000")
	case maxFreq < 100 || maxFreq > 3000:
		return params, apperrors.InvalidInput("max-frequency", "must be between 100 and 3000")
	case minFreq >= maxFreq:
		return params, apperrors.InvalidInput("min-frequency", "must be below max-frequency")
	case startFreq < minFreq || startFreq > maxFreq:
		return params, apperrors.InvalidInput("start-frequency", "must be within the frequency range")
	case startVolume < 0:
		return params, apperrors.InvalidInput("start-volume", "must not be negative")
	case fmPreset < 0 || fmPreset > 20:
		return params, apperrors.InvalidInput("fm-preset", "must be between 0 and 20")
	case amPreset < 0 || amPreset > 20:
		return params, apperrors.InvalidInput("am-preset", "must be between 0 and 20")
	case amPreset2 < 0 || amPreset2 > 20:
		return params, apperrors.InvalidInput("am2-preset", "must be between 0 and 20")
	case sessionDuration < 30 || sessionDuration > 60:
		return params, apperrors.InvalidInput("session-duration", "must be between 30 and 60 minutes")
	case painProbability < 0 || painProbability > 30:
		return params, apperrors.InvalidInput("pain-probability", "must be between 0 and 30")
	case painIntensity < 4 || painIntensity > 15:
		return params, apperrors.InvalidInput("pain-intensity", "must be between 4 and 15")
	}

	cfg := driver.DefaultAutomatedConfig()
	cfg.SessionDuration = time.Duration(sessionDuration) * time.Minute
	cfg.MinFrequency = float64(minFreq)
	cfg.MaxFrequency = float64(maxFreq)
	cfg.InitialFrequency = float64(startFreq)
	cfg.StartVolume = float64(startVolume)
	cfg.MinFMDepth = float64(fmPreset)
	cfg.MaxFMDepth = float64(fmPreset) * 3
	cfg.MinAMDepth = float64(amPreset)
	cfg.MaxAMDepth = float64(amPreset) * 3
	cfg.MinAMDepth2 = float64(amPreset2)
	cfg.MaxAMDepth2 = float64(amPreset2) * 3
	cfg.PainProbability = float64(painProbability)
	cfg.PainIntensity = float64(painIntensity)
	cfg.BottlePromptingMin = bottleMin
	cfg.BottlePromptingMax = bottleMax

	params.config = cfg
	params.public = get("public-session") == "on"
	return params, nil
}

// parseBottlePrompting parses the "min-max" seconds field; the literal
// "0" disables prompting. Enabled minimums start at 4 minutes, with at
// least 8 minutes for the upper bound.
func parseBottlePrompting(raw string) (time.Duration, time.Duration, error) {
	if raw == "" {
		return 0, 0, apperrors.MissingRequired("bottle-prompting")
	}
	if raw == "0" || strings.HasPrefix(raw, "0-") {
		return 0, 0, nil
	}

	parts := strings.SplitN(raw, "-", 2)
	if len(parts) != 2 {
		return 0, 0, apperrors.InvalidInput("bottle-prompting", "must be min-max or 0")
	}

	minSecs, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, apperrors.InvalidInput("bottle-prompting", "must be numeric")
	}
	maxSecs, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, apperrors.InvalidInput("bottle-prompting", "must be numeric")
	}

	switch {
	case minSecs > maxSecs:
		return 0, 0, apperrors.InvalidInput("bottle-prompting", "minimum exceeds maximum")
	case minSecs < 240:
		return 0, 0, apperrors.InvalidInput("bottle-prompting", "minimum is 240 seconds")
	case maxSecs < 480:
		return 0, 0, apperrors.InvalidInput("bottle-prompting", "maximum is 480 seconds")
	}

	return time.Duration(minSecs) * time.Second, time.Duration(maxSecs) * time.Second, nil
}
