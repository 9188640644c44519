// Package redisbus fans realtime messages out across server instances
// through Redis pub/sub. Every instance publishes to one channel and
// delivers what it receives to its local websocket hub.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const DefaultChannel = "yacall:signaling"

type envelope struct {
	UserID  domain.UserID  `json:"user_id"`
	Message domain.Message `json:"message"`
}

// Deliverer hands a message to the connections held by this instance.
type Deliverer interface {
	Deliver(ctx context.Context, userID domain.UserID, msg domain.Message) error
}

// Publisher implements port.SignalingGateway on top of Redis pub/sub.
type Publisher struct {
	rdb     redis.UniversalClient
	channel string
}

func NewPublisher(rdb redis.UniversalClient, channel string) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{rdb: rdb, channel: channel}
}

func (p *Publisher) Notify(ctx context.Context, userID domain.UserID, event domain.Event) error {
	msg, err := domain.NewEventMessage(event)
	if err != nil {
		return err
	}
	return p.publish(ctx, userID, msg)
}

func (p *Publisher) ForwardSignal(ctx context.Context, userID domain.UserID, env domain.SignalEnvelope) error {
	msg, err := domain.NewSignalMessage(env)
	if err != nil {
		return err
	}
	return p.publish(ctx, userID, msg)
}

func (p *Publisher) publish(ctx context.Context, userID domain.UserID, msg domain.Message) error {
	b, err := json.Marshal(envelope{UserID: userID, Message: msg})
	if err != nil {
		return err
	}
	if err := p.rdb.Publish(ctx, p.channel, b).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Event, err)
	}
	return nil
}

type Subscriber struct {
	rdb     redis.UniversalClient
	channel string
	local   Deliverer
}

func NewSubscriber(rdb redis.UniversalClient, channel string, local Deliverer) *Subscriber {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Subscriber{rdb: rdb, channel: channel, local: local}
}

// Run relays published messages to the local hub until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	sub := s.rdb.Subscribe(ctx, s.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	log.Info().Str("channel", s.channel).Msg("Signaling fanout subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				log.Warn().Err(err).Msg("Dropping malformed fanout message")
				continue
			}
			if err := s.local.Deliver(ctx, env.UserID, env.Message); err != nil {
				log.Warn().Err(err).Str("user_id", env.UserID.String()).Msg("Local delivery failed")
			}
		}
	}
}
