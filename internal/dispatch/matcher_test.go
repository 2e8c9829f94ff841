package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/food-dispatch/internal/events"
	"github.com/example/food-dispatch/internal/models"
	"github.com/example/food-dispatch/internal/registry"
	"github.com/example/food-dispatch/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSink struct {
	mu   sync.Mutex
	evts []events.Event
}

func (r *recordingSink) Deliver(topic string, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evts = append(r.evts, ev)
	return nil
}

func (r *recordingSink) ofType(eventType string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.evts {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type matcherEnv struct {
	matcher  *Matcher
	riders   *registry.RiderRegistry
	orders   *registry.OrderRegistry
	store    *storage.MemoryOrderStore
	profiles *storage.MemoryRiderStore
	hub      *events.Hub
}

func newMatcherEnv(t *testing.T) *matcherEnv {
	t.Helper()
	logger := testLogger()
	store := storage.NewMemoryOrderStore()
	profiles := storage.NewMemoryRiderStore()
	orders := registry.NewOrderRegistry()
	hub := events.NewHub(logger)
	riders := registry.NewRiderRegistry(profiles, store, orders, hub, nil, logger)
	m := NewMatcher(nil, riders, orders, store, hub, logger, 5.0, 8.0, 10.0, 10*time.Minute)
	return &matcherEnv{matcher: m, riders: riders, orders: orders, store: store, profiles: profiles, hub: hub}
}

func (e *matcherEnv) addRider(t *testing.T, id string, loc models.Coord) {
	t.Helper()
	e.profiles.Put(models.RiderProfile{ID: id, Name: id, Role: "rider"})
	if _, err := e.riders.Join(context.Background(), id, &loc); err != nil {
		t.Fatalf("join %s: %v", id, err)
	}
}

func (e *matcherEnv) openOrder(t *testing.T, id string) models.OrderProjection {
	t.Helper()
	o := &models.Order{
		ID:            id,
		RestaurantID:  "rest1",
		RestaurantLoc: models.Coord{Lat: 0, Lon: 0},
		DeliveryLoc:   models.Coord{Lat: 0.02, Lon: 0},
		Status:        models.StatusAwaitingRider,
		TotalAmount:   300,
		CreatedAt:     time.Now(),
	}
	if err := e.store.CreateOrder(context.Background(), o); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	proj := models.Projection(o)
	e.orders.Upsert(proj)
	return proj
}

func TestEarnings(t *testing.T) {
	if got := Earnings(0, 5.0, 8); got != 40 {
		t.Fatalf("metered payout: expected 40, got %v", got)
	}
	if got := Earnings(0, 3.3, 8); got != 26 {
		t.Fatalf("metered payout rounds: expected 26, got %v", got)
	}
	if got := Earnings(55, 5.0, 8); got != 55 {
		t.Fatalf("delivery fee overrides the meter: expected 55, got %v", got)
	}
}

func TestOnOrderReadyNotifiesRidersInRadius(t *testing.T) {
	e := newMatcherEnv(t)
	e.addRider(t, "near", models.Coord{Lat: 0.01, Lon: 0})
	e.addRider(t, "far", models.Coord{Lat: 1, Lon: 1})

	nearSink := &recordingSink{}
	farSink := &recordingSink{}
	e.hub.Subscribe(events.RiderTopic("near"), "near", nearSink)
	e.hub.Subscribe(events.RiderTopic("far"), "far", farSink)

	proj := e.openOrder(t, "o1")
	e.matcher.OnOrderReady(context.Background(), proj)

	if got := nearSink.ofType(events.TypeNewOrderAvailable); len(got) != 1 {
		t.Fatalf("expected 1 availability notice for the near rider, got %d", len(got))
	}
	if got := farSink.ofType(events.TypeNewOrderAvailable); len(got) != 0 {
		t.Fatalf("out-of-radius rider must not be notified, got %d", len(got))
	}

	// distance and earnings are persisted before anyone can claim
	stored, _ := e.store.FindOrder(context.Background(), "o1")
	if stored.DistanceKm <= 0 || stored.RiderEarnings <= 0 {
		t.Fatalf("expected distance and earnings persisted, got %v / %v", stored.DistanceKm, stored.RiderEarnings)
	}
}

func TestOnRiderJoinReplaysOpenOrdersOnce(t *testing.T) {
	e := newMatcherEnv(t)
	proj := e.openOrder(t, "o1")
	e.matcher.OnOrderReady(context.Background(), proj)

	e.addRider(t, "late", models.Coord{Lat: 0.01, Lon: 0})
	sink := &recordingSink{}
	e.hub.Subscribe(events.RiderTopic("late"), "late", sink)

	e.matcher.OnRiderJoin("late")
	e.matcher.OnRiderJoin("late")

	if got := sink.ofType(events.TypeNewOrderAvailable); len(got) != 1 {
		t.Fatalf("late joiner must see the order exactly once, got %d", len(got))
	}
}

func TestOnRiderJoinSkipsExpiredOrders(t *testing.T) {
	e := newMatcherEnv(t)
	old := e.openOrder(t, "stale")
	old.CreatedAt = time.Now().Add(-time.Hour)
	e.orders.Upsert(old)

	e.addRider(t, "late", models.Coord{Lat: 0.01, Lon: 0})
	sink := &recordingSink{}
	e.hub.Subscribe(events.RiderTopic("late"), "late", sink)

	e.matcher.OnRiderJoin("late")
	if got := sink.ofType(events.TypeNewOrderAvailable); len(got) != 0 {
		t.Fatalf("orders past the expiry window must not be replayed, got %d", len(got))
	}
}

func TestNotifySkipsOrdersClaimedSinceScan(t *testing.T) {
	e := newMatcherEnv(t)
	e.addRider(t, "winner", models.Coord{Lat: 0.01, Lon: 0})
	e.addRider(t, "late", models.Coord{Lat: 0.01, Lon: 0})

	proj := e.openOrder(t, "o1")
	e.matcher.OnOrderReady(context.Background(), proj)
	if err := e.matcher.Claim(context.Background(), "o1", "winner"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	sink := &recordingSink{}
	e.hub.Subscribe(events.RiderTopic("late"), "late", sink)

	// a stale dispatch of the pre-claim projection must not offer the
	// order again
	e.matcher.OnOrderReady(context.Background(), proj)
	if got := sink.ofType(events.TypeNewOrderAvailable); len(got) != 0 {
		t.Fatalf("claimed order must not be offered, got %d notices", len(got))
	}
	if got := sink.ofType(events.TypeOrderTaken); len(got) != 0 {
		t.Fatalf("no retraction should be owed to a rider never offered the order, got %d", len(got))
	}
}

func TestClaimRequiresKnownLocatedRider(t *testing.T) {
	e := newMatcherEnv(t)
	e.openOrder(t, "o1")
	if err := e.matcher.Claim(context.Background(), "o1", "ghost"); !errors.Is(err, models.ErrInvalidRider) {
		t.Fatalf("expected ErrInvalidRider, got %v", err)
	}
}

func TestClaimUnknownOrder(t *testing.T) {
	e := newMatcherEnv(t)
	e.addRider(t, "r1", models.Coord{Lat: 0.01, Lon: 0})
	if err := e.matcher.Claim(context.Background(), "missing", "r1"); !errors.Is(err, models.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestClaimBindsWinnerDurably(t *testing.T) {
	e := newMatcherEnv(t)
	e.addRider(t, "r1", models.Coord{Lat: 0.01, Lon: 0})
	proj := e.openOrder(t, "o1")
	acceptedAt := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	if err := e.store.UpdateOrderFields(context.Background(), "o1", map[string]any{storage.FieldAcceptedAt: acceptedAt}); err != nil {
		t.Fatalf("stamp acceptance: %v", err)
	}
	e.matcher.OnOrderReady(context.Background(), proj)

	if err := e.matcher.Claim(context.Background(), "o1", "r1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	stored, _ := e.store.FindOrder(context.Background(), "o1")
	if stored.Status != models.StatusRiderAssigned || stored.RiderID != "r1" {
		t.Fatalf("durable bind missing: %s / %s", stored.Status, stored.RiderID)
	}
	if stored.AcceptedAt == nil || !stored.AcceptedAt.Equal(acceptedAt) {
		t.Fatalf("restaurant acceptance time must survive the claim, got %v", stored.AcceptedAt)
	}
	live, _ := e.orders.Get("o1")
	if live.RiderID != "r1" || live.RiderLoc == nil {
		t.Fatalf("projection not updated: %+v", live)
	}
	rec, _ := e.riders.Get("r1")
	if len(rec.ActiveOrderIDs) != 1 || rec.ActiveOrderIDs[0] != "o1" {
		t.Fatalf("rider not bound: %v", rec.ActiveOrderIDs)
	}
}

func TestConcurrentClaimsExactlyOneWinner(t *testing.T) {
	e := newMatcherEnv(t)
	const n = 8
	riderIDs := make([]string, n)
	for i := range riderIDs {
		riderIDs[i] = "r" + string(rune('a'+i))
		e.addRider(t, riderIDs[i], models.Coord{Lat: 0.01, Lon: 0})
	}
	orderSink := &recordingSink{}
	e.hub.Subscribe(events.OrderTopic("o1"), "cust", orderSink)

	proj := e.openOrder(t, "o1")
	e.matcher.OnOrderReady(context.Background(), proj)

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i, id := range riderIDs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			errs[i] = e.matcher.Claim(context.Background(), "o1", id)
		}(i, id)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, models.ErrOrderAlreadyTaken):
			conflicts++
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	if wins != 1 || conflicts != n-1 {
		t.Fatalf("expected 1 winner and %d conflicts, got %d / %d", n-1, wins, conflicts)
	}
	if got := orderSink.ofType(events.TypeOrderAccepted); len(got) != 1 {
		t.Fatalf("expected exactly one order_accepted, got %d", len(got))
	}
	stored, _ := e.store.FindOrder(context.Background(), "o1")
	if stored.Status != models.StatusRiderAssigned || stored.RiderID == "" {
		t.Fatalf("store must show exactly one assignment: %s / %q", stored.Status, stored.RiderID)
	}
}

func TestClaimRetractsOfferFromLosersOnly(t *testing.T) {
	e := newMatcherEnv(t)
	e.addRider(t, "winner", models.Coord{Lat: 0.01, Lon: 0})
	e.addRider(t, "loser", models.Coord{Lat: 0.02, Lon: 0})

	winSink := &recordingSink{}
	loseSink := &recordingSink{}
	e.hub.Subscribe(events.RiderTopic("winner"), "winner", winSink)
	e.hub.Subscribe(events.RiderTopic("loser"), "loser", loseSink)

	proj := e.openOrder(t, "o1")
	e.matcher.OnOrderReady(context.Background(), proj)

	if err := e.matcher.Claim(context.Background(), "o1", "winner"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got := loseSink.ofType(events.TypeOrderTaken); len(got) != 1 {
		t.Fatalf("loser must see order_taken, got %d", len(got))
	}
	if got := winSink.ofType(events.TypeOrderTaken); len(got) != 0 {
		t.Fatalf("winner must not see order_taken, got %d", len(got))
	}
	if got := winSink.ofType(events.TypeOrderAcceptedConfirm); len(got) != 1 {
		t.Fatalf("winner must get a confirmation, got %d", len(got))
	}
}

// claimWriteTracker flags whether the durable claim write had happened
// by the time each event went out.
type claimWriteTracker struct {
	*storage.MemoryOrderStore
	mu      sync.Mutex
	written bool
}

func (p *claimWriteTracker) UpdateOrderFields(ctx context.Context, id string, fields map[string]any) error {
	err := p.MemoryOrderStore.UpdateOrderFields(ctx, id, fields)
	p.mu.Lock()
	if _, ok := fields[storage.FieldRiderID]; ok && err == nil {
		p.written = true
	}
	p.mu.Unlock()
	return err
}

type persistCheckSink struct {
	store *claimWriteTracker
	mu    sync.Mutex
	early []string
}

func (s *persistCheckSink) Deliver(topic string, ev events.Event) error {
	s.store.mu.Lock()
	written := s.store.written
	s.store.mu.Unlock()
	if !written {
		s.mu.Lock()
		s.early = append(s.early, ev.Type)
		s.mu.Unlock()
	}
	return nil
}

func TestClaimPersistsBeforePublishing(t *testing.T) {
	logger := testLogger()
	store := &claimWriteTracker{MemoryOrderStore: storage.NewMemoryOrderStore()}
	profiles := storage.NewMemoryRiderStore()
	orders := registry.NewOrderRegistry()
	hub := events.NewHub(logger)
	riders := registry.NewRiderRegistry(profiles, store, orders, hub, nil, logger)
	m := NewMatcher(nil, riders, orders, store, hub, logger, 5.0, 8.0, 10.0, 10*time.Minute)

	profiles.Put(models.RiderProfile{ID: "r1", Role: "rider"})
	if _, err := riders.Join(context.Background(), "r1", &models.Coord{Lat: 0.01, Lon: 0}); err != nil {
		t.Fatalf("join: %v", err)
	}
	o := &models.Order{ID: "o1", RestaurantID: "rest1", Status: models.StatusAwaitingRider, CreatedAt: time.Now()}
	if err := store.CreateOrder(context.Background(), o); err != nil {
		t.Fatalf("seed: %v", err)
	}
	orders.Upsert(models.Projection(o))

	check := &persistCheckSink{store: store}
	hub.Subscribe(events.OrderTopic("o1"), "watcher", check)
	hub.Subscribe(events.RiderTopic("r1"), "watcher", check)

	if err := m.Claim(context.Background(), "o1", "r1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(check.early) != 0 {
		t.Fatalf("events published before the durable write: %v", check.early)
	}
}

func TestClaimAbortsWhenStoreFails(t *testing.T) {
	logger := testLogger()
	store := storage.NewMemoryOrderStore()
	down := &downStore{MemoryOrderStore: store}
	profiles := storage.NewMemoryRiderStore()
	orders := registry.NewOrderRegistry()
	hub := events.NewHub(logger)
	riders := registry.NewRiderRegistry(profiles, store, orders, hub, nil, logger)
	m := NewMatcher(nil, riders, orders, down, hub, logger, 5.0, 8.0, 10.0, 10*time.Minute)

	profiles.Put(models.RiderProfile{ID: "r1", Role: "rider"})
	if _, err := riders.Join(context.Background(), "r1", &models.Coord{Lat: 0.01, Lon: 0}); err != nil {
		t.Fatalf("join: %v", err)
	}
	o := &models.Order{ID: "o1", RestaurantID: "rest1", Status: models.StatusAwaitingRider, CreatedAt: time.Now()}
	if err := store.CreateOrder(context.Background(), o); err != nil {
		t.Fatalf("seed: %v", err)
	}
	orders.Upsert(models.Projection(o))

	errSink := &recordingSink{}
	hub.Subscribe(events.RiderTopic("r1"), "r1", errSink)

	err := m.Claim(context.Background(), "o1", "r1")
	if !errors.Is(err, models.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	proj, _ := orders.Get("o1")
	if proj.Status != models.StatusAwaitingRider || proj.RiderID != "" {
		t.Fatalf("projection must be untouched after an aborted claim: %+v", proj)
	}
	if got := errSink.ofType(events.TypeOrderAcceptError); len(got) != 1 {
		t.Fatalf("expected an accept error notice, got %d", len(got))
	}
	// the order stays claimable once the store recovers
	if err := m.Claim(context.Background(), "o1", "r1"); !errors.Is(err, models.ErrUpstreamUnavailable) {
		t.Fatalf("expected repeat failure against the down store, got %v", err)
	}
}

type downStore struct {
	*storage.MemoryOrderStore
}

func (d *downStore) UpdateOrderFields(ctx context.Context, id string, fields map[string]any) error {
	return errors.New("connection refused")
}
