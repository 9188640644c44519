package ws

import (
	"context"
	"errors"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog/log"
)

var ErrHubClosed = errors.New("hub closed")

type delivery struct {
	userID domain.UserID
	msg    domain.Message
}

// Hub routes realtime messages to every connection of a user.
// It implements port.SignalingGateway for a single instance.
type Hub struct {
	mu         sync.Mutex
	clients    map[domain.UserID]map[port.Client]bool
	deliver    chan delivery
	register   chan port.Client
	unregister chan port.Client
	quit       chan struct{}
	closeOnce  sync.Once
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[domain.UserID]map[port.Client]bool),
		deliver:    make(chan delivery, 256),
		register:   make(chan port.Client),
		unregister: make(chan port.Client),
		quit:       make(chan struct{}),
	}
}

func (h *Hub) Notify(ctx context.Context, userID domain.UserID, event domain.Event) error {
	msg, err := domain.NewEventMessage(event)
	if err != nil {
		return err
	}
	return h.Deliver(ctx, userID, msg)
}

func (h *Hub) ForwardSignal(ctx context.Context, userID domain.UserID, env domain.SignalEnvelope) error {
	msg, err := domain.NewSignalMessage(env)
	if err != nil {
		return err
	}
	return h.Deliver(ctx, userID, msg)
}

// Deliver queues msg for the user's local connections.
func (h *Hub) Deliver(ctx context.Context, userID domain.UserID, msg domain.Message) error {
	select {
	case h.deliver <- delivery{userID: userID, msg: msg}:
		return nil
	case <-h.quit:
		return ErrHubClosed
	case <-ctx.Done():
		log.Warn().Str("user_id", userID.String()).Str("event", string(msg.Event)).Msg("Delivery channel full, dropping message")
		return ctx.Err()
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for userID, set := range h.clients {
				for client := range set {
					client.Close()
				}
				delete(h.clients, userID)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			set, ok := h.clients[client.UserID()]
			if !ok {
				set = make(map[port.Client]bool)
				h.clients[client.UserID()] = set
			}
			set[client] = true
			h.mu.Unlock()
			log.Info().Str("client_id", client.ID()).Str("user_id", client.UserID().String()).Msg("Client registered")

		case client := <-h.unregister:
			h.remove(client)

		case d := <-h.deliver:
			h.mu.Lock()
			targets := make([]port.Client, 0, len(h.clients[d.userID]))
			for client := range h.clients[d.userID] {
				targets = append(targets, client)
			}
			h.mu.Unlock()

			if len(targets) == 0 {
				log.Debug().Str("user_id", d.userID.String()).Str("event", string(d.msg.Event)).Msg("User offline, message dropped")
			}
			for _, client := range targets {
				if err := client.Send(d.msg); err != nil {
					log.Error().Err(err).Str("client_id", client.ID()).Msg("Error sending message")
					h.remove(client)
				}
			}
		}
	}
}

func (h *Hub) remove(client port.Client) {
	h.mu.Lock()
	set, ok := h.clients[client.UserID()]
	if !ok || !set[client] {
		h.mu.Unlock()
		return
	}
	delete(set, client)
	if len(set) == 0 {
		delete(h.clients, client.UserID())
	}
	h.mu.Unlock()

	client.Close()
	log.Info().Str("client_id", client.ID()).Msg("Client unregistered")
}

func (h *Hub) Register(c port.Client) {
	select {
	case h.register <- c:
	case <-h.quit:
		c.Close()
	}
}

func (h *Hub) Unregister(c port.Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

// Connected returns the number of live connections for a user.
func (h *Hub) Connected(userID domain.UserID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[userID])
}

func (h *Hub) Stop() {
	h.closeOnce.Do(func() { close(h.quit) })
}
