package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/example/food-dispatch/internal/events"
	"github.com/example/food-dispatch/internal/geo"
	"github.com/example/food-dispatch/internal/models"
	"github.com/example/food-dispatch/internal/observability"
	"github.com/example/food-dispatch/internal/registry"
	"github.com/example/food-dispatch/internal/storage"
)

// Earnings computes the rider payout: the order's delivery fee when
// one was charged, otherwise a flat per-km rate over the restaurant→
// customer distance, rounded to the nearest unit.
func Earnings(deliveryFee, distKm, ratePerKm float64) float64 {
	if deliveryFee > 0 {
		return deliveryFee
	}
	return math.Round(distKm * ratePerKm)
}

// Matcher turns ready orders into rider notifications and resolves
// claims. The claim path shares the engine lock with the lifecycle
// machine so "read status + read rider + write status + write rider"
// is one atomic unit against every other transition.
type Matcher struct {
	mu     *sync.Mutex
	riders *registry.RiderRegistry
	orders *registry.OrderRegistry
	store  storage.OrderStore
	hub    *events.Hub
	logger *slog.Logger

	radiusKm     float64
	ratePerKm    float64
	speedMps     float64
	expiryWindow time.Duration
	now          func() time.Time

	// candidates tracks which riders were offered each open order so
	// the losing side can be retracted after a claim.
	candMu     sync.Mutex
	candidates map[string]map[string]bool
}

func NewMatcher(mu *sync.Mutex, riders *registry.RiderRegistry, orders *registry.OrderRegistry,
	store storage.OrderStore, hub *events.Hub, logger *slog.Logger,
	radiusKm, ratePerKm, speedMps float64, expiryWindow time.Duration) *Matcher {
	if mu == nil {
		mu = &sync.Mutex{}
	}
	return &Matcher{
		mu:           mu,
		riders:       riders,
		orders:       orders,
		store:        store,
		hub:          hub,
		logger:       logger,
		radiusKm:     radiusKm,
		ratePerKm:    ratePerKm,
		speedMps:     speedMps,
		expiryWindow: expiryWindow,
		now:          time.Now,
		candidates:   make(map[string]map[string]bool),
	}
}

// SetClock overrides the matcher's clock (tests).
func (m *Matcher) SetClock(now func() time.Time) { m.now = now }

// ExpiryWindow is how long an awaiting_rider order stays visible to
// catch-up reads.
func (m *Matcher) ExpiryWindow() time.Duration { return m.expiryWindow }

// OnOrderReady computes distance and earnings for a freshly accepted
// order, persists them, and fans availability notices out to every
// rider in radius of the restaurant.
func (m *Matcher) OnOrderReady(ctx context.Context, proj models.OrderProjection) {
	distKm := geo.DistanceKm(proj.RestaurantLoc, proj.DeliveryLoc)
	earnings := Earnings(proj.DeliveryFee, distKm, m.ratePerKm)

	if err := m.store.UpdateOrderFields(ctx, proj.OrderID, map[string]any{
		storage.FieldDistanceKm:    distKm,
		storage.FieldRiderEarnings: earnings,
	}); err != nil {
		m.logger.Warn("earnings write failed", "order_id", proj.OrderID, "error", err)
	}

	m.mu.Lock()
	if cur, ok := m.orders.Get(proj.OrderID); ok && cur.Status == models.StatusAwaitingRider {
		cur.DistanceKm = distKm
		cur.RiderEarnings = earnings
		m.orders.Upsert(cur)
		proj = cur
	}
	m.mu.Unlock()

	cands := m.riders.ListCandidates(proj.RestaurantLoc, m.radiusKm)
	for _, rec := range cands {
		m.notify(proj, rec)
	}
	m.logger.Info("order dispatched", "order_id", proj.OrderID, "candidates", len(cands), "distance_km", distKm, "earnings", earnings)
}

// OnRiderJoin replays availability notices for orders already open
// for claims, so a rider joining after dispatch still sees eligible
// work. Each order is offered to a given rider at most once.
func (m *Matcher) OnRiderJoin(riderID string) {
	rec, ok := m.riders.Get(riderID)
	if !ok || rec.Loc == nil {
		return
	}
	for _, proj := range m.orders.ListAwaitingRider(m.expiryWindow, m.now()) {
		if geo.DistanceKm(proj.RestaurantLoc, *rec.Loc) > m.radiusKm {
			continue
		}
		m.notify(proj, rec)
	}
}

// Claim atomically binds the first rider to an open order. Everyone
// else, including stale retries from the winner's own client once the
// bind is visible, observes ErrOrderAlreadyTaken. The durable write
// completes before the retraction notices go out.
func (m *Matcher) Claim(ctx context.Context, orderID, riderID string) error {
	rec, ok := m.riders.Get(riderID)
	if !ok {
		return models.ErrInvalidRider
	}
	if rec.Loc == nil {
		return models.ErrLocationRequired
	}

	m.mu.Lock()
	proj, live := m.orders.Get(orderID)
	if !live {
		m.mu.Unlock()
		return models.ErrOrderNotFound
	}
	if proj.Status != models.StatusAwaitingRider || proj.RiderID != "" {
		m.mu.Unlock()
		observability.ClaimConflictsTotal.Inc()
		return models.ErrOrderAlreadyTaken
	}

	// accepted_at belongs to the restaurant-acceptance transition and
	// is not restamped here
	now := m.now()
	if err := m.store.UpdateOrderFields(ctx, orderID, map[string]any{
		storage.FieldStatus:        models.StatusRiderAssigned,
		storage.FieldRiderID:       riderID,
		storage.FieldRiderLat:      rec.Loc.Lat,
		storage.FieldRiderLon:      rec.Loc.Lon,
		storage.FieldDistanceKm:    proj.DistanceKm,
		storage.FieldRiderEarnings: proj.RiderEarnings,
	}); err != nil {
		m.mu.Unlock()
		m.hub.Publish(events.RiderTopic(riderID), events.Event{
			Type:    events.TypeOrderAcceptError,
			Payload: map[string]any{"order_id": orderID, "reason": "store unavailable"},
		})
		return fmt.Errorf("%w: claim write: %v", models.ErrUpstreamUnavailable, err)
	}

	proj.Status = models.StatusRiderAssigned
	proj.RiderID = riderID
	proj.RiderLoc = &models.Coord{Lat: rec.Loc.Lat, Lon: rec.Loc.Lon}
	m.orders.Upsert(proj)
	m.riders.BindOrder(riderID, orderID)
	m.mu.Unlock()

	observability.ClaimsTotal.Inc()

	losers := m.takeCandidates(orderID, riderID)
	for _, other := range losers {
		m.hub.Publish(events.RiderTopic(other), events.Event{
			Type:    events.TypeOrderTaken,
			Payload: map[string]any{"order_id": orderID},
		})
	}

	accepted := events.Event{
		Type: events.TypeOrderAccepted,
		Payload: map[string]any{
			"order_id":  orderID,
			"rider_id":  riderID,
			"rider_loc": proj.RiderLoc,
			"at":        now,
		},
	}
	m.hub.Publish(events.OrderTopic(orderID), accepted)
	m.hub.Publish(events.RestaurantTopic(proj.RestaurantID), accepted)
	statusEv := events.Event{
		Type: events.TypeOrderStatusChanged,
		Payload: map[string]any{
			"order_id": orderID,
			"status":   models.StatusRiderAssigned,
			"at":       now,
		},
	}
	m.hub.Publish(events.OrderTopic(orderID), statusEv)
	m.hub.Publish(events.RestaurantTopic(proj.RestaurantID), statusEv)
	m.hub.Publish(events.RiderTopic(riderID), events.Event{
		Type:    events.TypeOrderAcceptedConfirm,
		Payload: map[string]any{"order_id": orderID, "pickup_loc": proj.RestaurantLoc, "delivery_loc": proj.DeliveryLoc, "earnings": proj.RiderEarnings},
	})
	return nil
}

// DropOrder forgets the candidate set of an order that left the open
// pool without a claim (expired, cancelled, rejected).
func (m *Matcher) DropOrder(orderID string) {
	m.candMu.Lock()
	delete(m.candidates, orderID)
	m.candMu.Unlock()
}

func (m *Matcher) notify(proj models.OrderProjection, rec registry.RiderRecord) {
	// the order may have been claimed since the caller's scan; a
	// closed order must not be offered, and its candidate set must not
	// be recreated after the claim already retracted it
	cur, live := m.orders.Get(proj.OrderID)
	if !live || cur.Status != models.StatusAwaitingRider || cur.RiderID != "" {
		return
	}
	proj = cur

	m.candMu.Lock()
	set, ok := m.candidates[proj.OrderID]
	if !ok {
		set = make(map[string]bool)
		m.candidates[proj.OrderID] = set
	}
	if set[rec.ID] {
		m.candMu.Unlock()
		return
	}
	set[rec.ID] = true
	m.candMu.Unlock()

	pickupKm := 0.0
	pickupEta := 0.0
	if rec.Loc != nil {
		pickupKm = geo.DistanceKm(*rec.Loc, proj.RestaurantLoc)
		pickupEta = geo.EstimateSeconds(*rec.Loc, proj.RestaurantLoc, m.speedMps)
	}
	m.hub.Publish(events.RiderTopic(rec.ID), events.Event{
		Type: events.TypeNewOrderAvailable,
		Payload: map[string]any{
			"order_id":           proj.OrderID,
			"restaurant_id":      proj.RestaurantID,
			"restaurant_loc":     proj.RestaurantLoc,
			"delivery_loc":       proj.DeliveryLoc,
			"total_amount":       proj.TotalAmount,
			"delivery_fee":       proj.DeliveryFee,
			"distance_km":        proj.DistanceKm,
			"pickup_distance_km": pickupKm,
			"pickup_eta_seconds": pickupEta,
			"earnings":           proj.RiderEarnings,
			"items":              proj.Items,
		},
	})
}

func (m *Matcher) takeCandidates(orderID, winner string) []string {
	m.candMu.Lock()
	defer m.candMu.Unlock()
	set := m.candidates[orderID]
	delete(m.candidates, orderID)
	out := make([]string, 0, len(set))
	for id := range set {
		if id != winner {
			out = append(out, id)
		}
	}
	return out
}
