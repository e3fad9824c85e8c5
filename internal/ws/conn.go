// Package ws is the websocket transport for the session protocol.
// Frames are JSON objects {event, data}; the connection feeds inbound
// frames to the dispatcher and offers a non-blocking Send for fan-out.
package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	maxPayloadBytes = 1 << 20
	pongWait        = 45 * time.Second
	writeWait       = 10 * time.Second
	pingInterval    = 30 * time.Second
	sendBufferSize  = 64
)

var (
	errClosed       = errors.New("connection closed")
	errSlowConsumer = errors.New("send buffer full")
)

// frame is one inbound protocol message.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Conn is one live websocket connection. It satisfies
// registry.Handle: Send never blocks, a full buffer drops the frame
// and the rider catches up from last-known state on its own.
type Conn struct {
	id         string
	remoteAddr string
	sock       *websocket.Conn
	send       chan []byte
	done       chan struct{}
	once       sync.Once
	log        zerolog.Logger
}

func newConn(sock *websocket.Conn, log zerolog.Logger) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:   id,
		sock: sock,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
		log:  log.With().Str("conn_id", id).Logger(),
	}
}

func (c *Conn) ID() string {
	return c.id
}

// Send queues an event frame for delivery.
func (c *Conn) Send(event string, data any) error {
	payload, err := json.Marshal(outFrame{Event: event, Data: data})
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return errClosed
	case c.send <- payload:
		return nil
	default:
		return errSlowConsumer
	}
}

func (c *Conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.sock.Close()
	})
}

// readPump delivers inbound frames to handle until the connection
// drops. It runs on the connection's serving goroutine.
func (c *Conn) readPump(handle func(frame)) {
	c.sock.SetReadLimit(maxPayloadBytes)
	_ = c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.sock.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
			c.log.Debug().Msg("unparseable frame dropped")
			continue
		}
		handle(f)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
