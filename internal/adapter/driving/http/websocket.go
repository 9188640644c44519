package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 32
)

var (
	errClientClosed = errors.New("client closed")
	errSendFull     = errors.New("client send buffer full")
)

// WSClient is one websocket connection. Writes go through a buffered
// channel drained by writePump so the hub never blocks on a slow peer.
type WSClient struct {
	id        string
	userID    domain.UserID
	conn      *websocket.Conn
	send      chan domain.Message
	done      chan struct{}
	closeOnce sync.Once
}

func newWSClient(userID domain.UserID, conn *websocket.Conn) *WSClient {
	return &WSClient{
		id:     uuid.New().String(),
		userID: userID,
		conn:   conn,
		send:   make(chan domain.Message, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *WSClient) ID() string {
	return c.id
}

func (c *WSClient) UserID() domain.UserID {
	return c.userID
}

func (c *WSClient) Send(msg domain.Message) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return errClientClosed
	default:
		return errSendFull
	}
}

func (c *WSClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || slices.Contains(h.AllowedOrigins, "*") {
				return true
			}
			return slices.Contains(h.AllowedOrigins, origin)
		},
	}
}

type incomingDTO struct {
	Type      string        `json:"type"`
	SessionID string        `json:"session_id"`
	Signal    domain.Signal `json:"signal"`
}

// ServeWS upgrades the connection, registers it with the hub and relays
// inbound signaling frames to the call service.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())

	up := h.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	client := newWSClient(userID, conn)

	l := log.With().Str("client_id", client.ID()).Str("user_id", userID.String()).Logger()
	l.Info().Msg("New client connected")

	h.Hub.Register(client)
	go client.writePump()

	defer func() {
		l.Info().Msg("Client disconnected")
		h.Hub.Unregister(client)
		client.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var req incomingDTO
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.Error().Err(err).Msg("Unexpected close error")
			}
			break
		}

		switch req.Type {
		case "signal":
			err := h.CallService.HandleSignaling(r.Context(), domain.SessionID(req.SessionID), userID, req.Signal)
			if err != nil {
				l.Warn().Err(err).Str("session_id", req.SessionID).Msg("Failed to handle signal")
				client.Send(errorFrame(req.SessionID, err))
			}
		case "ping":
			client.Send(domain.Message{Event: "pong"})
		default:
			l.Debug().Str("type", req.Type).Msg("Ignoring unknown frame")
		}
	}
}

func errorFrame(sessionID string, err error) domain.Message {
	payload, _ := json.Marshal(map[string]string{
		"session_id": sessionID,
		"error":      err.Error(),
	})
	return domain.Message{Event: "error", Payload: payload}
}
