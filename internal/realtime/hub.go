// Package realtime fans comment events out to everyone watching a page and
// turns client commands into comment service calls.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	channelPrefix    = "page:"
	subscriberBuffer = 64
)

// Event is what subscribers of a page room receive.
type Event struct {
	Type    string          `json:"type"`
	PageID  string          `json:"pageId"`
	Payload json.RawMessage `json:"payload"`
}

type Subscription interface {
	Events() <-chan Event
	Close() error
}

// Broker publishes events to a page room and opens subscriptions on it.
type Broker interface {
	Publish(ctx context.Context, pageID, eventType string, payload any) error
	Subscribe(ctx context.Context, pageID string) (Subscription, error)
}

// Channel names the Redis channel for a page.
func Channel(pageID string) string {
	return channelPrefix + pageID
}

func newEvent(pageID, eventType string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Event{Type: eventType, PageID: pageID, Payload: raw}, nil
}

// Hub is a Broker on Redis pub/sub, so every API instance sees every event.
type Hub struct {
	client *redis.Client
}

func NewHub(client *redis.Client) *Hub {
	return &Hub{client: client}
}

func (h *Hub) Publish(ctx context.Context, pageID, eventType string, payload any) error {
	event, err := newEvent(pageID, eventType, payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := h.client.Publish(ctx, Channel(pageID), raw).Err(); err != nil {
		return fmt.Errorf("publish %s to %s: %w", eventType, pageID, err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so events
// published after it returns are never missed.
func (h *Hub) Subscribe(ctx context.Context, pageID string) (Subscription, error) {
	pubsub := h.client.Subscribe(ctx, Channel(pageID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", pageID, err)
	}
	sub := &redisSubscription{
		pubsub: pubsub,
		events: make(chan Event, subscriberBuffer),
		done:   make(chan struct{}),
	}
	go sub.run()
	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	events chan Event
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) run() {
	defer close(s.events)
	for msg := range s.pubsub.Channel() {
		var event Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed event")
			continue
		}
		select {
		case s.events <- event:
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Events() <-chan Event {
	return s.events
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}

// LocalHub is an in-process Broker for single-instance deployments without
// Redis. Slow subscribers drop events rather than block publishers.
type LocalHub struct {
	mu    sync.Mutex
	rooms map[string]map[*localSubscription]struct{}
}

// NewLocalHub returns an in-process broker for single-instance deployments.
func NewLocalHub() *LocalHub {
	return &LocalHub{rooms: map[string]map[*localSubscription]struct{}{}}
}

func (h *LocalHub) Publish(_ context.Context, pageID, eventType string, payload any) error {
	event, err := newEvent(pageID, eventType, payload)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.rooms[pageID] {
		select {
		case sub.events <- event:
		default:
			log.Warn().Str("page_id", pageID).Str("event", eventType).Msg("subscriber buffer full, dropping event")
		}
	}
	return nil
}

func (h *LocalHub) Subscribe(_ context.Context, pageID string) (Subscription, error) {
	sub := &localSubscription{hub: h, pageID: pageID, events: make(chan Event, subscriberBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[pageID]
	if !ok {
		room = map[*localSubscription]struct{}{}
		h.rooms[pageID] = room
	}
	room[sub] = struct{}{}
	return sub, nil
}

// Subscribers reports how many subscriptions are open on pageID.
func (h *LocalHub) Subscribers(pageID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[pageID])
}

func (h *LocalHub) remove(sub *localSubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[sub.pageID]
	if _, ok := room[sub]; !ok {
		return
	}
	delete(room, sub)
	close(sub.events)
	if len(room) == 0 {
		delete(h.rooms, sub.pageID)
	}
}

type localSubscription struct {
	hub    *LocalHub
	pageID string
	events chan Event
}

func (s *localSubscription) Events() <-chan Event {
	return s.events
}

func (s *localSubscription) Close() error {
	s.hub.remove(s)
	return nil
}
