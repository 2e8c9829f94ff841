package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/food-dispatch/internal/models"
)

// Field keys accepted by UpdateOrderFields. Implementations map these
// to columns; unknown keys are an error so typos fail loudly.
const (
	FieldStatus        = "status"
	FieldRiderID       = "rider_id"
	FieldRiderLat      = "rider_lat"
	FieldRiderLon      = "rider_lon"
	FieldDistanceKm    = "distance_km"
	FieldRiderEarnings = "rider_earnings"
	FieldCancelledBy   = "cancelled_by"
	FieldCancelReason  = "cancel_reason"
	FieldAcceptedAt    = "accepted_at"
	FieldPreparingAt   = "preparing_at"
	FieldReadyAt       = "ready_at"
	FieldPickedUpAt    = "picked_up_at"
	FieldOnTheWayAt    = "on_the_way_at"
	FieldDeliveredAt   = "delivered_at"
	FieldCancelledAt   = "cancelled_at"
)

// OrderStore is the durable order collaborator. Every lifecycle
// transition writes through it before the in-memory projection is
// allowed to change.
type OrderStore interface {
	CreateOrder(ctx context.Context, o *models.Order) error
	FindOrder(ctx context.Context, id string) (*models.Order, error)
	UpdateOrderFields(ctx context.Context, id string, fields map[string]any) error
	FindOrdersByStatus(ctx context.Context, statuses ...models.Status) ([]*models.Order, error)
}

// RiderProfileStore is the durable rider identity collaborator, read
// on pool join and written after deliveries.
type RiderProfileStore interface {
	FindRider(ctx context.Context, id string) (*models.RiderProfile, error)
	UpdateRiderStats(ctx context.Context, id string, stats models.RiderStats) error
}

// MemoryOrderStore backs tests and driverless local runs.
type MemoryOrderStore struct {
	mu     sync.RWMutex
	orders map[string]*models.Order
}

func NewMemoryOrderStore() *MemoryOrderStore {
	return &MemoryOrderStore{orders: make(map[string]*models.Order)}
}

func (m *MemoryOrderStore) CreateOrder(ctx context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryOrderStore) FindOrder(ctx context.Context, id string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, models.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryOrderStore) UpdateOrderFields(ctx context.Context, id string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return models.ErrOrderNotFound
	}
	return applyOrderFields(o, fields)
}

func (m *MemoryOrderStore) FindOrdersByStatus(ctx context.Context, statuses ...models.Status) ([]*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[models.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []*models.Order
	for _, o := range m.orders {
		if want[o.Status] {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func applyOrderFields(o *models.Order, fields map[string]any) error {
	for k, v := range fields {
		switch k {
		case FieldStatus:
			o.Status = v.(models.Status)
		case FieldRiderID:
			o.RiderID = v.(string)
		case FieldRiderLat:
			if o.RiderLoc == nil {
				o.RiderLoc = &models.Coord{}
			}
			o.RiderLoc.Lat = v.(float64)
		case FieldRiderLon:
			if o.RiderLoc == nil {
				o.RiderLoc = &models.Coord{}
			}
			o.RiderLoc.Lon = v.(float64)
		case FieldDistanceKm:
			o.DistanceKm = v.(float64)
		case FieldRiderEarnings:
			o.RiderEarnings = v.(float64)
		case FieldCancelledBy:
			o.CancelledBy = v.(models.CancelActor)
		case FieldCancelReason:
			o.CancelReason = v.(string)
		case FieldAcceptedAt:
			o.AcceptedAt = timePtr(v)
		case FieldPreparingAt:
			o.PreparingAt = timePtr(v)
		case FieldReadyAt:
			o.ReadyAt = timePtr(v)
		case FieldPickedUpAt:
			o.PickedUpAt = timePtr(v)
		case FieldOnTheWayAt:
			o.OnTheWayAt = timePtr(v)
		case FieldDeliveredAt:
			o.DeliveredAt = timePtr(v)
		case FieldCancelledAt:
			o.CancelledAt = timePtr(v)
		default:
			return errUnknownField(k)
		}
	}
	return nil
}

func timePtr(v any) *time.Time {
	t := v.(time.Time)
	return &t
}

func errUnknownField(k string) error {
	return fmt.Errorf("unknown order field %q", k)
}
