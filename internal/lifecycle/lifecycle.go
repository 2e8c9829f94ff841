package lifecycle

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/example/food-dispatch/internal/events"
	"github.com/example/food-dispatch/internal/models"
	"github.com/example/food-dispatch/internal/payments"
	"github.com/example/food-dispatch/internal/registry"
	"github.com/example/food-dispatch/internal/storage"
)

// PIN kinds accepted by VerifyPin.
const (
	PinKindPickup   = "pickup"
	PinKindDelivery = "delivery"
)

// TransitionRequest is the validated command applied by Advance.
type TransitionRequest struct {
	Target       models.Status
	Pin          string
	CancelledBy  models.CancelActor
	CancelReason string
}

// Machine validates and applies order status transitions. The durable
// write always completes before the projection mutates; a failed
// write aborts the transition, so memory never runs ahead of the
// store. All transitions are serialized on the engine lock shared
// with the dispatch matcher's claim path.
type Machine struct {
	mu       *sync.Mutex
	orders   *registry.OrderRegistry
	riders   *registry.RiderRegistry
	store    storage.OrderStore
	profiles storage.RiderProfileStore
	verifier payments.Verifier
	hub      *events.Hub
	logger   *slog.Logger

	requirePin bool
	dayLoc     *time.Location
	now        func() time.Time

	// OnAwaitingRider is the matcher hook fired after a restaurant
	// accepts an order; wired at startup.
	OnAwaitingRider func(models.OrderProjection)
}

func NewMachine(mu *sync.Mutex, orders *registry.OrderRegistry, riders *registry.RiderRegistry,
	store storage.OrderStore, profiles storage.RiderProfileStore, verifier payments.Verifier,
	hub *events.Hub, logger *slog.Logger, requirePin bool) *Machine {
	if mu == nil {
		mu = &sync.Mutex{}
	}
	return &Machine{
		mu:         mu,
		orders:     orders,
		riders:     riders,
		store:      store,
		profiles:   profiles,
		verifier:   verifier,
		hub:        hub,
		logger:     logger,
		requirePin: requirePin,
		dayLoc:     time.Local,
		now:        time.Now,
	}
}

// SetClock overrides the machine's clock and day-boundary zone.
func (m *Machine) SetClock(now func() time.Time, loc *time.Location) {
	if now != nil {
		m.now = now
	}
	if loc != nil {
		m.dayLoc = loc
	}
}

// CreateOrder persists a new order and admits it to the registry.
// Online payments start in pending_payment until the gateway
// confirms; cash orders go straight to pending.
func (m *Machine) CreateOrder(ctx context.Context, o *models.Order) (models.OrderProjection, error) {
	if o.ID == "" {
		o.ID = newID()
	}
	o.PickupPin = newPin()
	o.DeliveryPin = newPin()
	o.CreatedAt = m.now()
	if o.PaymentMethod == models.PaymentOnline {
		o.Status = models.StatusPendingPayment
	} else {
		o.Status = models.StatusPending
	}
	if err := m.store.CreateOrder(ctx, o); err != nil {
		return models.OrderProjection{}, fmt.Errorf("%w: order create: %v", models.ErrUpstreamUnavailable, err)
	}
	proj := models.Projection(o)
	m.orders.Upsert(proj)
	m.publishStatus(proj, "", o.CreatedAt)
	return proj, nil
}

// ConfirmPayment moves pending_payment → pending once the gateway
// reports success. The gateway call happens before any lock.
func (m *Machine) ConfirmPayment(ctx context.Context, orderID string) error {
	proj, ok := m.orders.Get(orderID)
	if !ok {
		return models.ErrOrderNotFound
	}
	if proj.Status != models.StatusPendingPayment {
		// duplicate confirmations are harmless
		if proj.Status == models.StatusPending {
			return nil
		}
		return models.ErrInvalidTransition
	}
	if proj.PaymentMethod == models.PaymentOnline {
		o, err := m.store.FindOrder(ctx, orderID)
		if err != nil {
			return fmt.Errorf("%w: order read: %v", models.ErrUpstreamUnavailable, err)
		}
		status, err := m.verifier.StatusByGatewayOrderID(ctx, o.GatewayOrderID)
		if err != nil {
			return fmt.Errorf("%w: payment verify: %v", models.ErrUpstreamUnavailable, err)
		}
		if status != payments.StatusSuccess {
			return fmt.Errorf("%w: payment not confirmed", models.ErrInvalidTransition)
		}
	}
	return m.Advance(ctx, orderID, TransitionRequest{Target: models.StatusPending})
}

// VerifyPin checks the shared secret gating pickup or delivery
// without changing state.
func (m *Machine) VerifyPin(orderID, pin, kind string) error {
	proj, ok := m.orders.Get(orderID)
	if !ok {
		return models.ErrOrderNotFound
	}
	var want string
	switch kind {
	case PinKindPickup:
		want = proj.PickupPin
	case PinKindDelivery:
		want = proj.DeliveryPin
	default:
		return fmt.Errorf("unknown pin kind %q", kind)
	}
	if want != "" && pin != want {
		return models.ErrPinMismatch
	}
	return nil
}

// AutoReject expires a never-actioned pending order. The still-
// pending check inside Advance's critical section is the guard
// against racing a restaurant decision.
func (m *Machine) AutoReject(ctx context.Context, orderID string) error {
	return m.Advance(ctx, orderID, TransitionRequest{
		Target:       models.StatusAutoRejected,
		CancelReason: "restaurant did not respond in time",
	})
}

// Advance applies one lifecycle transition. Duplicate statuses are
// no-ops; illegal edges fail with ErrInvalidTransition; a wrong PIN
// on picked_up/delivered fails with ErrPinMismatch and leaves the
// order untouched. rider_assigned is claim-only and always rejected
// here.
func (m *Machine) Advance(ctx context.Context, orderID string, req TransitionRequest) error {
	if !req.Target.IsValid() || req.Target == models.StatusRiderAssigned {
		return models.ErrInvalidTransition
	}

	m.mu.Lock()
	proj, ok := m.orders.Get(orderID)
	if !ok {
		m.mu.Unlock()
		return models.ErrOrderNotFound
	}
	if proj.Status == req.Target {
		m.mu.Unlock()
		return nil
	}
	if !models.CanTransition(proj.Status, req.Target) {
		m.mu.Unlock()
		return models.ErrInvalidTransition
	}
	if req.Target == models.StatusAutoRejected && proj.Status != models.StatusPending {
		// a restaurant that has acted is never overridden
		m.mu.Unlock()
		return models.ErrInvalidTransition
	}
	if m.requirePin {
		if req.Target == models.StatusPickedUp && proj.PickupPin != "" && req.Pin != proj.PickupPin {
			m.mu.Unlock()
			return models.ErrPinMismatch
		}
		if req.Target == models.StatusDelivered && proj.DeliveryPin != "" && req.Pin != proj.DeliveryPin {
			m.mu.Unlock()
			return models.ErrPinMismatch
		}
	}

	now := m.now()
	fields := map[string]any{storage.FieldStatus: req.Target}
	switch req.Target {
	case models.StatusAwaitingRider:
		fields[storage.FieldAcceptedAt] = now
	case models.StatusPreparing:
		fields[storage.FieldPreparingAt] = now
	case models.StatusReady:
		fields[storage.FieldReadyAt] = now
	case models.StatusPickedUp:
		fields[storage.FieldPickedUpAt] = now
	case models.StatusOnTheWay:
		fields[storage.FieldOnTheWayAt] = now
	case models.StatusDelivered:
		fields[storage.FieldDeliveredAt] = now
	case models.StatusCancelled:
		fields[storage.FieldCancelledAt] = now
		fields[storage.FieldCancelledBy] = req.CancelledBy
		fields[storage.FieldCancelReason] = req.CancelReason
	case models.StatusRejected, models.StatusAutoRejected:
		fields[storage.FieldCancelledAt] = now
		fields[storage.FieldCancelReason] = req.CancelReason
	}

	if err := m.store.UpdateOrderFields(ctx, orderID, fields); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: order write: %v", models.ErrUpstreamUnavailable, err)
	}

	prev := proj.Status
	proj.Status = req.Target
	if req.Target == models.StatusDelivered {
		m.settleDeliveryLocked(ctx, proj, now)
	}
	if req.Target.Terminal() {
		m.orders.Remove(orderID)
		if proj.RiderID != "" {
			m.riders.UnbindOrder(proj.RiderID, orderID)
		}
	} else {
		m.orders.Upsert(proj)
	}
	m.mu.Unlock()

	m.publishStatus(proj, prev, now)
	if req.Target == models.StatusAwaitingRider && m.OnAwaitingRider != nil {
		m.OnAwaitingRider(proj)
	}
	return nil
}

// Rebuild reloads live orders from durable storage into the registry,
// used at startup after a crash or restart.
func (m *Machine) Rebuild(ctx context.Context) (int, error) {
	live, err := m.store.FindOrdersByStatus(ctx, models.LiveStatuses()...)
	if err != nil {
		return 0, fmt.Errorf("%w: rebuild: %v", models.ErrUpstreamUnavailable, err)
	}
	for _, o := range live {
		m.orders.Upsert(models.Projection(o))
	}
	return len(live), nil
}

// settleDeliveryLocked updates rider aggregates after a delivery.
// TodayEarnings resets when the delivery lands on a new rider-local
// calendar day. Stats write failures are logged, not propagated: the
// order itself is already durably delivered.
func (m *Machine) settleDeliveryLocked(ctx context.Context, proj models.OrderProjection, now time.Time) {
	if proj.RiderID == "" {
		return
	}
	profile, err := m.profiles.FindRider(ctx, proj.RiderID)
	if err != nil {
		m.logger.Warn("rider stats read failed", "rider_id", proj.RiderID, "error", err)
		return
	}
	stats := profile.Stats
	stats.Deliveries++
	stats.TotalEarnings += proj.RiderEarnings
	if sameDay(stats.LastDeliveryAt, now, m.dayLoc) {
		stats.TodayEarnings += proj.RiderEarnings
	} else {
		stats.TodayEarnings = proj.RiderEarnings
	}
	stats.LastDeliveryAt = now
	if err := m.profiles.UpdateRiderStats(ctx, proj.RiderID, stats); err != nil {
		m.logger.Warn("rider stats write failed", "rider_id", proj.RiderID, "error", err)
	}
}

func (m *Machine) publishStatus(proj models.OrderProjection, prev models.Status, at time.Time) {
	payload := map[string]any{
		"order_id": proj.OrderID,
		"status":   proj.Status,
		"at":       at,
	}
	if prev != "" {
		payload["previous"] = prev
	}
	ev := events.Event{Type: events.TypeOrderStatusChanged, Payload: payload}
	m.hub.Publish(events.OrderTopic(proj.OrderID), ev)
	m.hub.Publish(events.RestaurantTopic(proj.RestaurantID), ev)
}

func sameDay(a, b time.Time, loc *time.Location) bool {
	if a.IsZero() {
		return false
	}
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func newPin() string {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "0000"
	}
	return fmt.Sprintf("%04d", n.Int64())
}
