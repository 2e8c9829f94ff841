package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/food-dispatch/internal/events"
	"github.com/example/food-dispatch/internal/geo"
	"github.com/example/food-dispatch/internal/models"
	"github.com/example/food-dispatch/internal/observability"
	"github.com/example/food-dispatch/internal/storage"
)

// RiderRecord is the live pool entry for an available rider. Presence
// in the registry means eligible for dispatch; riders with assigned
// orders stay present so location routing keeps working, and are kept
// out of new candidate scans by order-state checks, not by membership.
type RiderRecord struct {
	ID             string
	Name           string
	Phone          string
	Loc            *models.Coord
	LastUpdate     time.Time
	ActiveOrderIDs []string
}

func (r *RiderRecord) hasOrder(orderID string) bool {
	for _, id := range r.ActiveOrderIDs {
		if id == orderID {
			return true
		}
	}
	return false
}

// LocationPublisher is the optional audit stream for location updates
// (Kafka in production, nil in tests).
type LocationPublisher interface {
	PublishRiderLocation(loc models.RiderLocation) error
}

type RiderRegistry struct {
	mu     sync.RWMutex
	riders map[string]*RiderRecord
	// departed remembers the coords and active orders of riders who
	// left or disconnected, so a rejoin is idempotent.
	departed map[string]*RiderRecord

	profiles  storage.RiderProfileStore
	store     storage.OrderStore
	orders    *OrderRegistry
	hub       *events.Hub
	publisher LocationPublisher
	logger    *slog.Logger
}

func NewRiderRegistry(profiles storage.RiderProfileStore, store storage.OrderStore, orders *OrderRegistry, hub *events.Hub, publisher LocationPublisher, logger *slog.Logger) *RiderRegistry {
	return &RiderRegistry{
		riders:    make(map[string]*RiderRecord),
		departed:  make(map[string]*RiderRecord),
		profiles:  profiles,
		store:     store,
		orders:    orders,
		hub:       hub,
		publisher: publisher,
		logger:    logger,
	}
}

// Join adds a rider to the pool. The identity must resolve to a rider
// profile. A rejoin after a disconnect keeps previously assigned
// orders and, if no coordinates are supplied, the last known ones.
func (r *RiderRegistry) Join(ctx context.Context, riderID string, loc *models.Coord) (RiderRecord, error) {
	profile, err := r.profiles.FindRider(ctx, riderID)
	if err != nil {
		if err == models.ErrInvalidRider {
			return RiderRecord{}, models.ErrInvalidRider
		}
		return RiderRecord{}, fmt.Errorf("%w: rider lookup: %v", models.ErrUpstreamUnavailable, err)
	}
	if profile.Role != "rider" {
		return RiderRecord{}, models.ErrInvalidRider
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, rejoining := r.riders[riderID]
	if !rejoining {
		if prev, ok := r.departed[riderID]; ok {
			rec = prev
			delete(r.departed, riderID)
		} else {
			rec = &RiderRecord{ID: riderID}
		}
		r.riders[riderID] = rec
		observability.RidersOnline.Inc()
	}
	rec.Name = profile.Name
	rec.Phone = profile.Phone
	if loc != nil {
		rec.Loc = &models.Coord{Lat: loc.Lat, Lon: loc.Lon}
		rec.LastUpdate = time.Now()
	}
	if rec.Loc == nil {
		// roll back the membership: a rider we cannot place is not
		// eligible for dispatch.
		delete(r.riders, riderID)
		if !rejoining {
			observability.RidersOnline.Dec()
		}
		return RiderRecord{}, models.ErrLocationRequired
	}
	return snapshot(rec), nil
}

// Leave removes the rider from the pool. Orders already assigned are
// not reassigned; a rider_left_pool event is published on each
// affected restaurant topic so operators can intervene.
func (r *RiderRegistry) Leave(riderID string) {
	r.mu.Lock()
	rec, ok := r.riders[riderID]
	if ok {
		delete(r.riders, riderID)
		r.departed[riderID] = rec
		observability.RidersOnline.Dec()
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	for _, orderID := range rec.ActiveOrderIDs {
		if p, live := r.orders.Get(orderID); live && p.RiderID == riderID {
			r.hub.Publish(events.RestaurantTopic(p.RestaurantID), events.Event{
				Type:    events.TypeRiderLeftPool,
				Payload: map[string]any{"order_id": orderID, "rider_id": riderID},
			})
		}
	}
	r.logger.Info("rider left pool", "rider_id", riderID, "active_orders", len(rec.ActiveOrderIDs))
}

// UpdateLocation refreshes the rider's coordinates and fans the fix
// out to every order still assigned to the rider, writing it through
// to durable storage first. Absent rider is a logged no-op.
func (r *RiderRegistry) UpdateLocation(ctx context.Context, riderID string, loc models.Coord) {
	now := time.Now()

	r.mu.Lock()
	rec, ok := r.riders[riderID]
	if !ok {
		r.mu.Unlock()
		r.logger.Info("location update for rider not in pool", "rider_id", riderID)
		return
	}
	rec.Loc = &models.Coord{Lat: loc.Lat, Lon: loc.Lon}
	rec.LastUpdate = now
	active := append([]string(nil), rec.ActiveOrderIDs...)
	r.mu.Unlock()

	if r.publisher != nil {
		if err := r.publisher.PublishRiderLocation(models.RiderLocation{RiderID: riderID, Lat: loc.Lat, Lon: loc.Lon, UpdatedAt: now}); err != nil {
			r.logger.Warn("location publish failed", "rider_id", riderID, "error", err)
		}
	}

	for _, orderID := range active {
		p, live := r.orders.Get(orderID)
		if !live || p.RiderID != riderID {
			// order finished or reassigned since the snapshot; never
			// broadcast a fix for an order this rider no longer holds
			continue
		}
		if err := r.store.UpdateOrderFields(ctx, orderID, map[string]any{
			storage.FieldRiderLat: loc.Lat,
			storage.FieldRiderLon: loc.Lon,
		}); err != nil {
			r.logger.Warn("location write-through failed", "order_id", orderID, "error", err)
			continue
		}
		if !r.orders.SetRiderLoc(orderID, riderID, loc) {
			// a transition finished the order while the coordinate
			// write was in flight; never resurrect its projection
			continue
		}
		r.hub.Publish(events.OrderTopic(orderID), events.Event{
			Type: events.TypeRiderLocationLive,
			Payload: map[string]any{
				"order_id": orderID,
				"rider_id": riderID,
				"loc":      loc,
				"at":       now,
			},
		})
	}
}

// ListCandidates returns every pool rider strictly within or exactly
// at radiusKm of origin. Riders without a usable coordinate are
// excluded. Order is unspecified; all candidates get notified.
func (r *RiderRegistry) ListCandidates(origin models.Coord, radiusKm float64) []RiderRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []RiderRecord
	for _, rec := range r.riders {
		if rec.Loc == nil {
			continue
		}
		if geo.DistanceKm(origin, *rec.Loc) <= radiusKm {
			out = append(out, snapshot(rec))
		}
	}
	return out
}

// Get returns a snapshot of the rider's pool entry.
func (r *RiderRegistry) Get(riderID string) (RiderRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.riders[riderID]
	if !ok {
		return RiderRecord{}, false
	}
	return snapshot(rec), true
}

// BindOrder appends the order to the rider's active set. Called by
// the matcher inside the claim critical section.
func (r *RiderRegistry) BindOrder(riderID, orderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.riders[riderID]; ok && !rec.hasOrder(orderID) {
		rec.ActiveOrderIDs = append(rec.ActiveOrderIDs, orderID)
	}
}

// UnbindOrder drops the order from the rider's active set, checking
// the departed shelf too so deliveries by a disconnected rider still
// clean up.
func (r *RiderRegistry) UnbindOrder(riderID, orderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range []*RiderRecord{r.riders[riderID], r.departed[riderID]} {
		if rec == nil {
			continue
		}
		kept := rec.ActiveOrderIDs[:0]
		for _, id := range rec.ActiveOrderIDs {
			if id != orderID {
				kept = append(kept, id)
			}
		}
		rec.ActiveOrderIDs = kept
	}
}

func snapshot(rec *RiderRecord) RiderRecord {
	cp := *rec
	if rec.Loc != nil {
		loc := *rec.Loc
		cp.Loc = &loc
	}
	cp.ActiveOrderIDs = append([]string(nil), rec.ActiveOrderIDs...)
	return cp
}
