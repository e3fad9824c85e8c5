package ws

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/waverider/broker-server-go/internal/audit"
	"github.com/waverider/broker-server-go/internal/model"
	"github.com/waverider/broker-server-go/internal/service"
)

// envelope is the common addressing block of inbound frames. Channel
// publishes carry their payload fields alongside it; the relay strips
// the addressing before storing or fanning out.
type envelope struct {
	SessID      string `json:"sessId"`
	DriverToken string `json:"driverToken"`
}

// dispatch routes one inbound frame. Registration failures are
// answered with explicit rejection events; failures of downstream
// actions whose preconditions are not met are silent drops.
func (h *Handler) dispatch(ctx context.Context, conn *Conn, f frame) {
	switch f.Event {
	case "registerDriver":
		h.handleRegisterDriver(ctx, conn, f.Data)
	case "registerRider":
		h.handleRegisterRider(ctx, conn, f.Data)
	case "requestLast":
		h.handleRequestLast(ctx, conn, f.Data)
	case "getRiderCount":
		h.handleGetRiderCount(ctx, conn, f.Data)
	case "trafficLight":
		h.handleTrafficLight(conn, f.Data)
	case "left", "right", "pain-left", "pain-right":
		h.handleChannel(ctx, model.Channel(f.Event), f.Data)
	case "triggerBottle":
		h.handleTriggerBottle(ctx, f.Data)
	case "setPublicSession":
		h.handleSetPublicSession(ctx, f.Data)
	case "setBlindfoldRiders":
		h.handleSetBlindfoldRiders(ctx, f.Data)
	case "setProMode":
		h.handleSetProMode(ctx, f.Data)
	case "setDriverName":
		h.handleSetDriverName(ctx, f.Data)
	case "setCamUrl":
		h.handleSetCamURL(ctx, f.Data)
	case "setDriverComments":
		h.handleSetDriverComments(ctx, f.Data)
	case "setFilePlaying":
		h.handleSetFilePlaying(ctx, f.Data)
	case "getSessionMessages":
		h.handleGetSessionMessages(ctx, conn, f.Data)
	case "clearSessionMessages":
		h.handleClearSessionMessages(ctx, conn, f.Data)
	default:
		h.log.Debug().Str("event", f.Event).Msg("unknown event dropped")
	}
}

func (h *Handler) handleRegisterDriver(ctx context.Context, conn *Conn, data json.RawMessage) {
	var msg envelope
	if err := json.Unmarshal(data, &msg); err != nil {
		h.reply(conn, service.EventDriverRejected, nil)
		return
	}

	token, resumed, err := h.lifecycle.RegisterDriver(ctx, msg.SessID, msg.DriverToken, conn)
	if err != nil {
		audit.Log(audit.Event{Type: audit.EventDriverRejected, SessID: msg.SessID, IP: conn.remoteAddr})
		h.reply(conn, service.EventDriverRejected, nil)
		return
	}
	if !resumed {
		h.reply(conn, service.EventDriverToken, token)
	}
}

func (h *Handler) handleRegisterRider(ctx context.Context, conn *Conn, data json.RawMessage) {
	var msg envelope
	if err := json.Unmarshal(data, &msg); err != nil {
		h.reply(conn, service.EventRiderRejected, nil)
		return
	}

	if err := h.lifecycle.RegisterRider(ctx, msg.SessID, conn); err != nil {
		audit.Log(audit.Event{Type: audit.EventRiderRejected, SessID: msg.SessID, IP: conn.remoteAddr})
		h.reply(conn, service.EventRiderRejected, nil)
	}
}

func (h *Handler) handleRequestLast(ctx context.Context, conn *Conn, data json.RawMessage) {
	var msg envelope
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if err := h.relay.RequestLast(ctx, msg.SessID, conn); err != nil {
		h.log.Debug().Err(err).Str("sess_id", msg.SessID).Msg("requestLast failed")
	}
}

func (h *Handler) handleGetRiderCount(ctx context.Context, conn *Conn, data json.RawMessage) {
	var msg envelope
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	tally, err := h.relay.Tally(ctx, msg.SessID, msg.DriverToken)
	if err != nil {
		return
	}
	h.reply(conn, service.EventRiderCount, tally)
}

func (h *Handler) handleTrafficLight(conn *Conn, data json.RawMessage) {
	var msg struct {
		envelope
		Color model.TrafficLight `json:"color"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	h.relay.SetLight(msg.SessID, conn.ID(), msg.Color)
	h.relay.NotifyDriverTally(msg.SessID)
}

func (h *Handler) handleChannel(ctx context.Context, channel model.Channel, data json.RawMessage) {
	var msg envelope
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if err := h.relay.Publish(ctx, msg.SessID, msg.DriverToken, channel, data); err != nil {
		h.log.Debug().Err(err).Str("sess_id", msg.SessID).Str("channel", string(channel)).Msg("publish dropped")
	}
}

func (h *Handler) handleTriggerBottle(ctx context.Context, data json.RawMessage) {
	var msg struct {
		envelope
		BottleDuration any `json:"bottleDuration"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	raw := ""
	switch v := msg.BottleDuration.(type) {
	case string:
		raw = v
	case float64:
		raw = fmt.Sprintf("%d", int(v))
	}
	if err := h.relay.TriggerBottle(ctx, msg.SessID, msg.DriverToken, raw); err != nil {
		h.log.Debug().Err(err).Str("sess_id", msg.SessID).Msg("bottle dropped")
	}
}

func (h *Handler) handleSetPublicSession(ctx context.Context, data json.RawMessage) {
	var msg struct {
		envelope
		PublicSession bool `json:"publicSession"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	_ = h.relay.SetPublicSession(ctx, msg.SessID, msg.DriverToken, msg.PublicSession)
}

func (h *Handler) handleSetBlindfoldRiders(ctx context.Context, data json.RawMessage) {
	var msg struct {
		envelope
		BlindfoldRiders bool `json:"blindfoldRiders"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	_ = h.relay.SetBlindfoldRiders(ctx, msg.SessID, msg.DriverToken, msg.BlindfoldRiders)
}

func (h *Handler) handleSetProMode(ctx context.Context, data json.RawMessage) {
	var msg struct {
		envelope
		ProMode bool `json:"proMode"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	_ = h.relay.SetProMode(ctx, msg.SessID, msg.DriverToken, msg.ProMode)
}

func (h *Handler) handleSetDriverName(ctx context.Context, data json.RawMessage) {
	var msg struct {
		envelope
		DriverName string `json:"driverName"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	_ = h.relay.SetDriverName(ctx, msg.SessID, msg.DriverToken, msg.DriverName)
}

func (h *Handler) handleSetCamURL(ctx context.Context, data json.RawMessage) {
	var msg struct {
		envelope
		CamURL string `json:"camUrl"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	_ = h.relay.SetCamURL(ctx, msg.SessID, msg.DriverToken, msg.CamURL)
}

func (h *Handler) handleSetDriverComments(ctx context.Context, data json.RawMessage) {
	var msg struct {
		envelope
		DriverComments string `json:"driverComments"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	_ = h.relay.SetDriverComments(ctx, msg.SessID, msg.DriverToken, msg.DriverComments)
}

func (h *Handler) handleSetFilePlaying(ctx context.Context, data json.RawMessage) {
	var msg struct {
		envelope
		FilePlaying string `json:"filePlaying"`
		FileDriver  string `json:"fileDriver"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	_ = h.relay.SetFilePlaying(ctx, msg.SessID, msg.DriverToken, msg.FilePlaying, msg.FileDriver)
}

func (h *Handler) handleGetSessionMessages(ctx context.Context, conn *Conn, data json.RawMessage) {
	var msg envelope
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	doc, err := h.relay.SessionMessages(ctx, msg.SessID, msg.DriverToken)
	if err != nil {
		return
	}
	if doc == nil {
		h.reply(conn, service.EventSessionMessages, "No messages stored")
		return
	}
	h.reply(conn, service.EventSessionMessages, doc)
}

func (h *Handler) handleClearSessionMessages(ctx context.Context, conn *Conn, data json.RawMessage) {
	var msg envelope
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if err := h.relay.ClearSessionMessages(ctx, msg.SessID, msg.DriverToken); err != nil {
		return
	}
	h.reply(conn, service.EventSessionMessagesCleared, map[string]string{"status": "ok"})
}

func (h *Handler) reply(conn *Conn, event string, data any) {
	if err := conn.Send(event, data); err != nil {
		h.log.Debug().Err(err).Str("conn_id", conn.ID()).Str("event", event).Msg("reply dropped")
	}
}
