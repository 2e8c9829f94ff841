package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/example/food-dispatch/internal/lifecycle"
	"github.com/example/food-dispatch/internal/models"
)

// Explicit request/response shapes per operation; wire payloads are
// validated here before anything reaches the engine.

type joinPoolRequest struct {
	RiderID string   `json:"rider_id"`
	Lat     *float64 `json:"lat"`
	Lon     *float64 `json:"lon"`
}

func (r joinPoolRequest) validate() error {
	if r.RiderID == "" {
		return errors.New("rider_id is required")
	}
	if (r.Lat == nil) != (r.Lon == nil) {
		return errors.New("lat and lon must be supplied together")
	}
	return nil
}

func (r joinPoolRequest) coord() *models.Coord {
	if r.Lat == nil {
		return nil
	}
	return &models.Coord{Lat: *r.Lat, Lon: *r.Lon}
}

type leavePoolRequest struct {
	RiderID string `json:"rider_id"`
}

type updateLocationRequest struct {
	RiderID string  `json:"rider_id"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

func (r updateLocationRequest) validate() error {
	if r.RiderID == "" {
		return errors.New("rider_id is required")
	}
	if r.Lat < -90 || r.Lat > 90 || r.Lon < -180 || r.Lon > 180 {
		return errors.New("coordinates out of range")
	}
	return nil
}

type createOrderRequest struct {
	CustomerID    string             `json:"customer_id"`
	RestaurantID  string             `json:"restaurant_id"`
	RestaurantLoc models.Coord       `json:"restaurant_loc"`
	DeliveryLoc   models.Coord       `json:"delivery_loc"`
	DeliveryAddr  string             `json:"delivery_addr"`
	Items         []models.OrderItem `json:"items"`
	TotalAmount   float64            `json:"total_amount"`
	DeliveryFee   float64            `json:"delivery_fee"`
	PaymentMethod string             `json:"payment_method"`
	GatewayRef    string             `json:"gateway_order_id"`
}

func (r createOrderRequest) validate() error {
	if r.CustomerID == "" || r.RestaurantID == "" {
		return errors.New("customer_id and restaurant_id are required")
	}
	if len(r.Items) == 0 {
		return errors.New("order must have at least one item")
	}
	switch models.PaymentMethod(r.PaymentMethod) {
	case models.PaymentCash, models.PaymentOnline:
	default:
		return fmt.Errorf("unknown payment method %q", r.PaymentMethod)
	}
	if models.PaymentMethod(r.PaymentMethod) == models.PaymentOnline && r.GatewayRef == "" {
		return errors.New("gateway_order_id is required for online payment")
	}
	return nil
}

type claimOrderRequest struct {
	RiderID string `json:"rider_id"`
}

type advanceStatusRequest struct {
	Target       string `json:"target"`
	Pin          string `json:"pin,omitempty"`
	CancelledBy  string `json:"cancelled_by,omitempty"`
	CancelReason string `json:"cancel_reason,omitempty"`
}

type verifyPinRequest struct {
	Pin  string `json:"pin"`
	Kind string `json:"kind"`
}

func (r verifyPinRequest) validate() error {
	switch r.Kind {
	case lifecycle.PinKindPickup, lifecycle.PinKindDelivery:
		return nil
	}
	return fmt.Errorf("unknown pin kind %q", r.Kind)
}

type errorResponse struct {
	Error string `json:"error"`
}

var errNoTopics = errors.New("at least one topic is required")

func errBadBody(err error) error {
	if err != nil {
		return err
	}
	return errors.New("invalid request body")
}

func parseNearbyQuery(latS, lonS, radiusS string) (lat, lon, radiusKm float64, err error) {
	if lat, err = strconv.ParseFloat(latS, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid lat: %w", err)
	}
	if lon, err = strconv.ParseFloat(lonS, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid lon: %w", err)
	}
	radiusKm = 5
	if radiusS != "" {
		if radiusKm, err = strconv.ParseFloat(radiusS, 64); err != nil {
			return 0, 0, 0, fmt.Errorf("invalid radius_km: %w", err)
		}
	}
	return lat, lon, radiusKm, nil
}

// statusForError maps the dispatch error taxonomy onto HTTP codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidRider):
		return http.StatusForbidden
	case errors.Is(err, models.ErrPinMismatch):
		return http.StatusForbidden
	case errors.Is(err, models.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrOrderAlreadyTaken), errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, models.ErrLocationRequired):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
