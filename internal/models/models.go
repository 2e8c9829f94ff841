package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type PaymentMethod string

const (
	PaymentCash   PaymentMethod = "cash"
	PaymentOnline PaymentMethod = "online"
)

type CancelActor string

const (
	CancelledByCustomer   CancelActor = "customer"
	CancelledByRestaurant CancelActor = "restaurant"
	CancelledByRider      CancelActor = "rider"
	CancelledByAdmin      CancelActor = "admin"
)

type OrderItem struct {
	Name     string  `json:"name"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

// Order is the durable record, source of truth for everything the
// in-memory projections cache. Terminal orders are kept for audit.
type Order struct {
	ID            string
	CustomerID    string
	RestaurantID  string
	RestaurantLoc Coord
	DeliveryLoc   Coord
	DeliveryAddr  string
	Items         []OrderItem
	TotalAmount   float64
	DeliveryFee   float64
	PaymentMethod PaymentMethod
	// GatewayOrderID links to the payment gateway record consulted
	// at the pending_payment boundary.
	GatewayOrderID string
	PickupPin      string
	DeliveryPin    string

	Status        Status
	RiderID       string
	RiderLoc      *Coord
	DistanceKm    float64
	RiderEarnings float64

	CancelledBy  CancelActor
	CancelReason string

	CreatedAt   time.Time
	AcceptedAt  *time.Time
	PreparingAt *time.Time
	ReadyAt     *time.Time
	PickedUpAt  *time.Time
	OnTheWayAt  *time.Time
	DeliveredAt *time.Time
	CancelledAt *time.Time

	Rating        int
	RatingComment string
}

// OrderProjection is the live in-memory view of an order, held in the
// order registry only between creation and a terminal state. Pins are
// carried for transition checks but never serialized outward.
type OrderProjection struct {
	OrderID       string        `json:"order_id"`
	Status        Status        `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	RestaurantID  string        `json:"restaurant_id"`
	RestaurantLoc Coord         `json:"restaurant_loc"`
	CustomerID    string        `json:"customer_id"`
	DeliveryLoc   Coord         `json:"delivery_loc"`
	RiderID       string        `json:"rider_id,omitempty"`
	RiderLoc      *Coord        `json:"rider_loc,omitempty"`
	PaymentMethod PaymentMethod `json:"payment_method"`
	TotalAmount   float64       `json:"total_amount"`
	DeliveryFee   float64       `json:"delivery_fee"`
	DistanceKm    float64       `json:"distance_km"`
	RiderEarnings float64       `json:"rider_earnings"`
	Items         []OrderItem   `json:"items"`

	PickupPin   string `json:"-"`
	DeliveryPin string `json:"-"`
}

// Projection derives the cached view from a durable order.
func Projection(o *Order) OrderProjection {
	return OrderProjection{
		OrderID:       o.ID,
		Status:        o.Status,
		CreatedAt:     o.CreatedAt,
		RestaurantID:  o.RestaurantID,
		RestaurantLoc: o.RestaurantLoc,
		CustomerID:    o.CustomerID,
		DeliveryLoc:   o.DeliveryLoc,
		RiderID:       o.RiderID,
		RiderLoc:      o.RiderLoc,
		PaymentMethod: o.PaymentMethod,
		TotalAmount:   o.TotalAmount,
		DeliveryFee:   o.DeliveryFee,
		DistanceKm:    o.DistanceKm,
		RiderEarnings: o.RiderEarnings,
		Items:         o.Items,
		PickupPin:     o.PickupPin,
		DeliveryPin:   o.DeliveryPin,
	}
}

// RiderStats are the aggregate counters updated after each delivery.
// TodayEarnings resets on the rider-local calendar day boundary.
type RiderStats struct {
	Deliveries     int       `json:"deliveries"`
	TotalEarnings  float64   `json:"total_earnings"`
	TodayEarnings  float64   `json:"today_earnings"`
	LastDeliveryAt time.Time `json:"last_delivery_at"`
}

// RiderProfile is the durable rider identity consulted on pool join
// and written back after deliveries.
type RiderProfile struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	Phone string     `json:"phone"`
	Role  string     `json:"role"`
	Stats RiderStats `json:"stats"`
}

// RiderLocation is the wire shape published on the location ingest
// topic and consumed by the geo-mirror consumer.
type RiderLocation struct {
	RiderID   string    `json:"rider_id"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	UpdatedAt time.Time `json:"updated_at"`
}
