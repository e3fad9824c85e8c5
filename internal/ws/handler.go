package ws

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/waverider/broker-server-go/internal/service"
)

// Handler upgrades HTTP requests and serves the session protocol over
// the resulting connections.
type Handler struct {
	lifecycle *service.Lifecycle
	relay     *service.Relay
	upgrader  websocket.Upgrader
	log       zerolog.Logger
}

func NewHandler(lifecycle *service.Lifecycle, relay *service.Relay, log zerolog.Logger) *Handler {
	return &Handler{
		lifecycle: lifecycle,
		relay:     relay,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		log: log.With().Str("component", "ws").Logger(),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := newConn(sock, h.log)
	conn.remoteAddr = r.RemoteAddr
	h.log.Debug().Str("conn_id", conn.ID()).Msg("connection opened")

	go conn.writePump()
	conn.readPump(func(f frame) {
		h.dispatch(r.Context(), conn, f)
	})

	// The read pump returning means the peer is gone. The request
	// context may already be canceled, so the cleanup gets its own.
	h.lifecycle.HandleDisconnect(context.Background(), conn)
	conn.close()
	h.log.Debug().Str("conn_id", conn.ID()).Msg("connection closed")
}
