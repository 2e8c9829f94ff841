package registry

import (
	"sync"
	"time"

	"github.com/example/food-dispatch/internal/models"
)

// OrderRegistry caches live order projections. Pure cache: all
// business rules live in the lifecycle machine and matcher.
type OrderRegistry struct {
	mu     sync.RWMutex
	orders map[string]models.OrderProjection
}

func NewOrderRegistry() *OrderRegistry {
	return &OrderRegistry{orders: make(map[string]models.OrderProjection)}
}

func (r *OrderRegistry) Upsert(p models.OrderProjection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[p.OrderID] = p
}

func (r *OrderRegistry) Get(orderID string) (models.OrderProjection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.orders[orderID]
	return p, ok
}

func (r *OrderRegistry) Remove(orderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.orders, orderID)
}

// SetRiderLoc updates only the cached rider position, and only while
// the order is still live and still assigned to this rider. Returns
// false when the order finished or was reassigned in the meantime, so
// callers never write a full snapshot back over a newer state.
func (r *OrderRegistry) SetRiderLoc(orderID, riderID string, loc models.Coord) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.orders[orderID]
	if !ok || p.RiderID != riderID {
		return false
	}
	p.RiderLoc = &models.Coord{Lat: loc.Lat, Lon: loc.Lon}
	r.orders[orderID] = p
	return true
}

// ListAwaitingRider returns orders open for claims and younger than
// maxAge, the catch-up read for late-joining riders.
func (r *OrderRegistry) ListAwaitingRider(maxAge time.Duration, now time.Time) []models.OrderProjection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.OrderProjection
	for _, p := range r.orders {
		if p.Status != models.StatusAwaitingRider {
			continue
		}
		if now.Sub(p.CreatedAt) > maxAge {
			continue
		}
		out = append(out, p)
	}
	return out
}

// ListStale returns orders still in the given status and older than
// age; the sweeper uses it to find never-actioned pending orders.
func (r *OrderRegistry) ListStale(status models.Status, age time.Duration, now time.Time) []models.OrderProjection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.OrderProjection
	for _, p := range r.orders {
		if p.Status == status && now.Sub(p.CreatedAt) > age {
			out = append(out, p)
		}
	}
	return out
}
