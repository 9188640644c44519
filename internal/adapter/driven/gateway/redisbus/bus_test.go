package redisbus

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type recorder struct {
	mu   sync.Mutex
	got  map[domain.UserID][]domain.Message
	done chan struct{}
}

func (r *recorder) Deliver(ctx context.Context, userID domain.UserID, msg domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got[userID] = append(r.got[userID], msg)
	if len(r.got[userID]) == 2 {
		close(r.done)
	}
	return nil
}

func TestPublishSubscribe(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	channel := "yacall:test:" + uuid.NewString()
	local := &recorder{got: make(map[domain.UserID][]domain.Message), done: make(chan struct{})}
	sub := NewSubscriber(rdb, channel, local)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- sub.Run(ctx) }()

	// Publishing before the subscription is live loses messages.
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := rdb.PubSubNumSub(ctx, channel).Result()
		if err == nil && n[channel] > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscriber never joined the channel")
		}
		time.Sleep(10 * time.Millisecond)
	}

	pub := NewPublisher(rdb, channel)
	if err := pub.Notify(ctx, "bob", domain.NewEvent(domain.EventIncomingCall, "S1", nil)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	env := domain.SignalEnvelope{SessionID: "S1", From: "alice", Signal: domain.NewSignal(domain.SignalOffer, json.RawMessage(`{"sdp":"x"}`))}
	if err := pub.ForwardSignal(ctx, "bob", env); err != nil {
		t.Fatalf("ForwardSignal: %v", err)
	}

	select {
	case <-local.done:
	case <-time.After(2 * time.Second):
		t.Fatal("messages not delivered")
	}

	local.mu.Lock()
	msgs := local.got["bob"]
	local.mu.Unlock()
	if msgs[0].Event != domain.EventIncomingCall || msgs[1].Event != domain.EventSignal {
		t.Errorf("events = %s, %s", msgs[0].Event, msgs[1].Event)
	}
	var got domain.SignalEnvelope
	if err := json.Unmarshal(msgs[1].Payload, &got); err != nil {
		t.Fatal(err)
	}
	if got.From != "alice" || string(got.Signal.Payload) != `{"sdp":"x"}` {
		t.Errorf("envelope = %+v", got)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Error("Run did not stop")
	}
}
