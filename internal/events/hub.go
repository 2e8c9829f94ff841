package events

import (
	"log/slog"
	"sync"

	"github.com/example/food-dispatch/internal/observability"
)

// Event types fanned out over the topic hub.
const (
	TypeNewOrderAvailable    = "new_order_available"
	TypeOrderTaken           = "order_taken"
	TypeOrderAccepted        = "order_accepted"
	TypeOrderStatusChanged   = "order_status_changed"
	TypeRiderLocationLive    = "rider_location_live"
	TypeOrderAcceptedConfirm = "order_accepted_confirmation"
	TypeOrderAcceptError     = "order_accept_error"
	TypeRiderLeftPool        = "rider_left_pool"
)

type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

func OrderTopic(orderID string) string           { return "order_" + orderID }
func RestaurantTopic(restaurantID string) string { return "restaurant_" + restaurantID }
func RiderTopic(riderID string) string           { return "rider_" + riderID }

// Sink receives events for a topic. Implementations must be safe for
// concurrent use; delivery is best-effort and the hub never retries.
type Sink interface {
	Deliver(topic string, ev Event) error
}

// Hub is the in-process pub/sub channel. No persistence, no replay:
// a subscriber attaching after a publish simply misses it, so the
// correctness-critical flows do explicit catch-up reads instead of
// relying on delivery.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[string]Sink
	taps   []Sink
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{topics: make(map[string]map[string]Sink), logger: logger}
}

// Tap registers a sink that receives every event on every topic,
// used for the external push relay.
func (h *Hub) Tap(s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.taps = append(h.taps, s)
}

func (h *Hub) Subscribe(topic, subscriberID string, s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[string]Sink)
		h.topics[topic] = subs
	}
	subs[subscriberID] = s
}

func (h *Hub) Unsubscribe(topic, subscriberID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.topics[topic]; ok {
		delete(subs, subscriberID)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

// Publish fans the event out to every subscriber of the topic. Send
// failures are logged and swallowed; one broken subscriber must not
// affect the rest.
func (h *Hub) Publish(topic string, ev Event) {
	h.mu.RLock()
	targets := make([]Sink, 0, len(h.topics[topic])+len(h.taps))
	for _, s := range h.topics[topic] {
		targets = append(targets, s)
	}
	targets = append(targets, h.taps...)
	h.mu.RUnlock()

	observability.EventsPublished.WithLabelValues(ev.Type).Inc()
	for _, s := range targets {
		if err := s.Deliver(topic, ev); err != nil {
			h.logger.Warn("event delivery failed", "topic", topic, "type", ev.Type, "error", err)
		}
	}
}
