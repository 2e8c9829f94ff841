package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/food-dispatch/internal/events"
	"github.com/example/food-dispatch/internal/models"
	"github.com/example/food-dispatch/internal/payments"
	"github.com/example/food-dispatch/internal/registry"
	"github.com/example/food-dispatch/internal/storage"
)

type fakeVerifier struct {
	status string
	err    error
}

func (f *fakeVerifier) StatusByGatewayOrderID(ctx context.Context, id string) (string, error) {
	return f.status, f.err
}

// failingStore wraps a real store and fails every field update.
type failingStore struct {
	storage.OrderStore
}

func (f *failingStore) UpdateOrderFields(ctx context.Context, id string, fields map[string]any) error {
	return errors.New("connection reset")
}

type testEnv struct {
	machine  *Machine
	orders   *registry.OrderRegistry
	riders   *registry.RiderRegistry
	store    *storage.MemoryOrderStore
	profiles *storage.MemoryRiderStore
	hub      *events.Hub
}

func newTestEnv(t *testing.T, verifier payments.Verifier) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryOrderStore()
	profiles := storage.NewMemoryRiderStore()
	orders := registry.NewOrderRegistry()
	hub := events.NewHub(logger)
	riders := registry.NewRiderRegistry(profiles, store, orders, hub, nil, logger)
	m := NewMachine(nil, orders, riders, store, profiles, verifier, hub, logger, true)
	return &testEnv{machine: m, orders: orders, riders: riders, store: store, profiles: profiles, hub: hub}
}

func (e *testEnv) createCashOrder(t *testing.T) models.OrderProjection {
	t.Helper()
	proj, err := e.machine.CreateOrder(context.Background(), &models.Order{
		CustomerID:    "c1",
		RestaurantID:  "rest1",
		RestaurantLoc: models.Coord{Lat: 1, Lon: 1},
		DeliveryLoc:   models.Coord{Lat: 1.01, Lon: 1.01},
		PaymentMethod: models.PaymentCash,
		TotalAmount:   250,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return proj
}

// assignRider moves the order into rider_assigned the way a claim
// would, bypassing the matcher.
func (e *testEnv) assignRider(t *testing.T, orderID, riderID string) {
	t.Helper()
	if err := e.store.UpdateOrderFields(context.Background(), orderID, map[string]any{
		storage.FieldStatus:  models.StatusRiderAssigned,
		storage.FieldRiderID: riderID,
	}); err != nil {
		t.Fatalf("assign rider: %v", err)
	}
	proj, _ := e.orders.Get(orderID)
	proj.Status = models.StatusRiderAssigned
	proj.RiderID = riderID
	e.orders.Upsert(proj)
}

func TestCreateOrderCashStartsPending(t *testing.T) {
	e := newTestEnv(t, nil)
	proj := e.createCashOrder(t)
	if proj.Status != models.StatusPending {
		t.Fatalf("expected pending, got %s", proj.Status)
	}
	if len(proj.PickupPin) != 4 || len(proj.DeliveryPin) != 4 {
		t.Fatalf("expected 4-digit pins, got %q %q", proj.PickupPin, proj.DeliveryPin)
	}
	if _, err := e.store.FindOrder(context.Background(), proj.OrderID); err != nil {
		t.Fatalf("order not durable: %v", err)
	}
}

func TestCreateOrderOnlineStartsPendingPayment(t *testing.T) {
	e := newTestEnv(t, nil)
	proj, err := e.machine.CreateOrder(context.Background(), &models.Order{
		CustomerID:     "c1",
		RestaurantID:   "rest1",
		PaymentMethod:  models.PaymentOnline,
		GatewayOrderID: "pi_123",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if proj.Status != models.StatusPendingPayment {
		t.Fatalf("expected pending_payment, got %s", proj.Status)
	}
}

func TestConfirmPaymentSettledMovesToPending(t *testing.T) {
	e := newTestEnv(t, &fakeVerifier{status: payments.StatusSuccess})
	proj, _ := e.machine.CreateOrder(context.Background(), &models.Order{
		PaymentMethod:  models.PaymentOnline,
		GatewayOrderID: "pi_123",
		RestaurantID:   "rest1",
	})
	if err := e.machine.ConfirmPayment(context.Background(), proj.OrderID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	got, _ := e.orders.Get(proj.OrderID)
	if got.Status != models.StatusPending {
		t.Fatalf("expected pending, got %s", got.Status)
	}
	// duplicate confirmation is harmless
	if err := e.machine.ConfirmPayment(context.Background(), proj.OrderID); err != nil {
		t.Fatalf("duplicate confirm: %v", err)
	}
}

func TestConfirmPaymentUnsettledRefused(t *testing.T) {
	e := newTestEnv(t, &fakeVerifier{status: payments.StatusPending})
	proj, _ := e.machine.CreateOrder(context.Background(), &models.Order{
		PaymentMethod:  models.PaymentOnline,
		GatewayOrderID: "pi_123",
	})
	err := e.machine.ConfirmPayment(context.Background(), proj.OrderID)
	if !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	got, _ := e.orders.Get(proj.OrderID)
	if got.Status != models.StatusPendingPayment {
		t.Fatalf("order must stay pending_payment, got %s", got.Status)
	}
}

func TestConfirmPaymentGatewayDown(t *testing.T) {
	e := newTestEnv(t, &fakeVerifier{err: errors.New("timeout")})
	proj, _ := e.machine.CreateOrder(context.Background(), &models.Order{
		PaymentMethod:  models.PaymentOnline,
		GatewayOrderID: "pi_123",
	})
	err := e.machine.ConfirmPayment(context.Background(), proj.OrderID)
	if !errors.Is(err, models.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
}

func TestAdvanceHappyPath(t *testing.T) {
	e := newTestEnv(t, nil)
	proj := e.createCashOrder(t)
	ctx := context.Background()

	if err := e.machine.Advance(ctx, proj.OrderID, TransitionRequest{Target: models.StatusAwaitingRider}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	e.assignRider(t, proj.OrderID, "r1")
	steps := []TransitionRequest{
		{Target: models.StatusPreparing},
		{Target: models.StatusReady},
		{Target: models.StatusPickedUp, Pin: proj.PickupPin},
		{Target: models.StatusOnTheWay},
		{Target: models.StatusDelivered, Pin: proj.DeliveryPin},
	}
	for _, req := range steps {
		if err := e.machine.Advance(ctx, proj.OrderID, req); err != nil {
			t.Fatalf("advance to %s: %v", req.Target, err)
		}
	}
	if _, live := e.orders.Get(proj.OrderID); live {
		t.Fatal("delivered order must leave the registry")
	}
	stored, err := e.store.FindOrder(ctx, proj.OrderID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if stored.Status != models.StatusDelivered {
		t.Fatalf("expected delivered, got %s", stored.Status)
	}
	if stored.PickedUpAt == nil || stored.DeliveredAt == nil {
		t.Fatal("expected milestone timestamps recorded")
	}
}

func TestAdvanceSkipsPreparation(t *testing.T) {
	e := newTestEnv(t, nil)
	proj := e.createCashOrder(t)
	ctx := context.Background()
	if err := e.machine.Advance(ctx, proj.OrderID, TransitionRequest{Target: models.StatusAwaitingRider}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	e.assignRider(t, proj.OrderID, "r1")
	if err := e.machine.Advance(ctx, proj.OrderID, TransitionRequest{Target: models.StatusPickedUp, Pin: proj.PickupPin}); err != nil {
		t.Fatalf("direct pickup: %v", err)
	}
}

func TestAdvanceDuplicateIsNoop(t *testing.T) {
	e := newTestEnv(t, nil)
	proj := e.createCashOrder(t)
	ctx := context.Background()
	if err := e.machine.Advance(ctx, proj.OrderID, TransitionRequest{Target: models.StatusAwaitingRider}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := e.machine.Advance(ctx, proj.OrderID, TransitionRequest{Target: models.StatusAwaitingRider}); err != nil {
		t.Fatalf("duplicate must be a no-op, got %v", err)
	}
}

func TestAdvanceRejectsBackwardAndAssignment(t *testing.T) {
	e := newTestEnv(t, nil)
	proj := e.createCashOrder(t)
	ctx := context.Background()
	if err := e.machine.Advance(ctx, proj.OrderID, TransitionRequest{Target: models.StatusAwaitingRider}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := e.machine.Advance(ctx, proj.OrderID, TransitionRequest{Target: models.StatusPending}); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("backward move must fail, got %v", err)
	}
	if err := e.machine.Advance(ctx, proj.OrderID, TransitionRequest{Target: models.StatusRiderAssigned}); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("rider_assigned outside claim must fail, got %v", err)
	}
}

func TestAdvancePinGate(t *testing.T) {
	e := newTestEnv(t, nil)
	proj := e.createCashOrder(t)
	ctx := context.Background()
	if err := e.machine.Advance(ctx, proj.OrderID, TransitionRequest{Target: models.StatusAwaitingRider}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	e.assignRider(t, proj.OrderID, "r1")

	err := e.machine.Advance(ctx, proj.OrderID, TransitionRequest{Target: models.StatusPickedUp, Pin: "nope"})
	if !errors.Is(err, models.ErrPinMismatch) {
		t.Fatalf("expected ErrPinMismatch, got %v", err)
	}
	got, _ := e.orders.Get(proj.OrderID)
	if got.Status != models.StatusRiderAssigned {
		t.Fatalf("failed pin must not move the order, got %s", got.Status)
	}
	if err := e.machine.Advance(ctx, proj.OrderID, TransitionRequest{Target: models.StatusPickedUp, Pin: proj.PickupPin}); err != nil {
		t.Fatalf("correct pin: %v", err)
	}
}

func TestVerifyPin(t *testing.T) {
	e := newTestEnv(t, nil)
	proj := e.createCashOrder(t)
	if err := e.machine.VerifyPin(proj.OrderID, proj.PickupPin, PinKindPickup); err != nil {
		t.Fatalf("pickup pin: %v", err)
	}
	if err := e.machine.VerifyPin(proj.OrderID, "0000a", PinKindDelivery); !errors.Is(err, models.ErrPinMismatch) {
		t.Fatalf("expected ErrPinMismatch, got %v", err)
	}
	if err := e.machine.VerifyPin("missing", "1234", PinKindPickup); !errors.Is(err, models.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestCancelRecordsMetadataAndEvicts(t *testing.T) {
	e := newTestEnv(t, nil)
	proj := e.createCashOrder(t)
	ctx := context.Background()
	err := e.machine.Advance(ctx, proj.OrderID, TransitionRequest{
		Target:       models.StatusCancelled,
		CancelledBy:  models.CancelledByCustomer,
		CancelReason: "ordered by mistake",
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, live := e.orders.Get(proj.OrderID); live {
		t.Fatal("cancelled order must leave the registry")
	}
	stored, _ := e.store.FindOrder(ctx, proj.OrderID)
	if stored.CancelledBy != models.CancelledByCustomer || stored.CancelReason != "ordered by mistake" {
		t.Fatalf("cancel metadata not recorded: %+v", stored)
	}
	if stored.CancelledAt == nil {
		t.Fatal("expected cancelled_at timestamp")
	}
}

func TestAutoRejectOnlyFromPending(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()

	pending := e.createCashOrder(t)
	if err := e.machine.AutoReject(ctx, pending.OrderID); err != nil {
		t.Fatalf("auto-reject pending: %v", err)
	}
	stored, _ := e.store.FindOrder(ctx, pending.OrderID)
	if stored.Status != models.StatusAutoRejected {
		t.Fatalf("expected auto_rejected, got %s", stored.Status)
	}

	accepted := e.createCashOrder(t)
	if err := e.machine.Advance(ctx, accepted.OrderID, TransitionRequest{Target: models.StatusAwaitingRider}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := e.machine.AutoReject(ctx, accepted.OrderID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("acted-on order must not be auto-rejected, got %v", err)
	}
}

func TestFailedWriteAbortsTransition(t *testing.T) {
	e := newTestEnv(t, nil)
	proj := e.createCashOrder(t)

	broken := NewMachine(nil, e.orders, e.riders, &failingStore{OrderStore: e.store}, e.profiles, nil, e.hub, slog.New(slog.NewTextHandler(io.Discard, nil)), true)
	err := broken.Advance(context.Background(), proj.OrderID, TransitionRequest{Target: models.StatusAwaitingRider})
	if !errors.Is(err, models.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	got, _ := e.orders.Get(proj.OrderID)
	if got.Status != models.StatusPending {
		t.Fatalf("memory must not run ahead of the store, got %s", got.Status)
	}
}

func TestDeliverySettlesRiderStats(t *testing.T) {
	e := newTestEnv(t, nil)
	e.profiles.Put(models.RiderProfile{ID: "r1", Role: "rider"})
	ctx := context.Background()

	base := time.Date(2024, 6, 10, 14, 0, 0, 0, time.UTC)
	e.machine.SetClock(func() time.Time { return base }, time.UTC)

	deliver := func(earnings float64) {
		t.Helper()
		proj := e.createCashOrder(t)
		if err := e.machine.Advance(ctx, proj.OrderID, TransitionRequest{Target: models.StatusAwaitingRider}); err != nil {
			t.Fatalf("accept: %v", err)
		}
		e.assignRider(t, proj.OrderID, "r1")
		if err := e.store.UpdateOrderFields(ctx, proj.OrderID, map[string]any{storage.FieldRiderEarnings: earnings}); err != nil {
			t.Fatalf("seed earnings: %v", err)
		}
		p, _ := e.orders.Get(proj.OrderID)
		p.RiderEarnings = earnings
		e.orders.Upsert(p)
		if err := e.machine.Advance(ctx, proj.OrderID, TransitionRequest{Target: models.StatusPickedUp, Pin: proj.PickupPin}); err != nil {
			t.Fatalf("pickup: %v", err)
		}
		if err := e.machine.Advance(ctx, proj.OrderID, TransitionRequest{Target: models.StatusDelivered, Pin: proj.DeliveryPin}); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}

	deliver(40)
	deliver(35)
	p, _ := e.profiles.FindRider(ctx, "r1")
	if p.Stats.Deliveries != 2 || p.Stats.TotalEarnings != 75 || p.Stats.TodayEarnings != 75 {
		t.Fatalf("same-day stats wrong: %+v", p.Stats)
	}

	// next calendar day resets the daily aggregate only
	base = base.Add(24 * time.Hour)
	deliver(50)
	p, _ = e.profiles.FindRider(ctx, "r1")
	if p.Stats.Deliveries != 3 || p.Stats.TotalEarnings != 125 || p.Stats.TodayEarnings != 50 {
		t.Fatalf("cross-day stats wrong: %+v", p.Stats)
	}
}

func TestRebuildRestoresLiveOrders(t *testing.T) {
	e := newTestEnv(t, nil)
	live := e.createCashOrder(t)
	done := e.createCashOrder(t)
	ctx := context.Background()
	if err := e.machine.Advance(ctx, done.OrderID, TransitionRequest{
		Target: models.StatusRejected, CancelReason: "out of stock",
	}); err != nil {
		t.Fatalf("reject: %v", err)
	}

	// fresh registry fed from the same durable store
	orders := registry.NewOrderRegistry()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := events.NewHub(logger)
	riders := registry.NewRiderRegistry(e.profiles, e.store, orders, hub, nil, logger)
	m := NewMachine(nil, orders, riders, e.store, e.profiles, nil, hub, logger, true)

	n, err := m.Rebuild(ctx)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 live order restored, got %d", n)
	}
	if _, ok := orders.Get(live.OrderID); !ok {
		t.Fatal("live order missing after rebuild")
	}
	if _, ok := orders.Get(done.OrderID); ok {
		t.Fatal("terminal order must not be restored")
	}
}
