package handler

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/waverider/broker-server-go/internal/errors"
	"github.com/waverider/broker-server-go/internal/httputil"
	"github.com/waverider/broker-server-go/internal/service"
)

type SessionHandler struct {
	relay *service.Relay
}

func NewSessionHandler(relay *service.Relay) *SessionHandler {
	return &SessionHandler{relay: relay}
}

func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/public", h.ListPublic)
	r.Get("/{sessID}/messages", h.DownloadMessages)

	return r
}

// GET /sessions/public
func (h *SessionHandler) ListPublic(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.relay.PublicSessions(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list public sessions")
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, sessions)
}

// GET /sessions/{sessID}/messages?driverToken=...
//
// Same gate and payload as the getSessionMessages frame, shaped as a
// file download so the driver can save the recording from the browser.
func (h *SessionHandler) DownloadMessages(w http.ResponseWriter, r *http.Request) {
	sessID := chi.URLParam(r, "sessID")
	token := r.URL.Query().Get("driverToken")

	doc, err := h.relay.SessionMessages(r.Context(), sessID, token)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if doc == nil {
		httputil.WriteError(w, apperrors.NotFound("No messages stored"))
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", sessID+".json"))
	httputil.WriteJSON(w, http.StatusOK, doc)
}
