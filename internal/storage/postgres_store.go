package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/food-dispatch/internal/models"
)

// pgColumns whitelists the updatable columns so UpdateOrderFields can
// build SET clauses without string interpolation of caller input.
var pgColumns = map[string]string{
	FieldStatus:        "status",
	FieldRiderID:       "rider_id",
	FieldRiderLat:      "rider_lat",
	FieldRiderLon:      "rider_lon",
	FieldDistanceKm:    "distance_km",
	FieldRiderEarnings: "rider_earnings",
	FieldCancelledBy:   "cancelled_by",
	FieldCancelReason:  "cancel_reason",
	FieldAcceptedAt:    "accepted_at",
	FieldPreparingAt:   "preparing_at",
	FieldReadyAt:       "ready_at",
	FieldPickedUpAt:    "picked_up_at",
	FieldOnTheWayAt:    "on_the_way_at",
	FieldDeliveredAt:   "delivered_at",
	FieldCancelledAt:   "cancelled_at",
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) CreateOrder(ctx context.Context, o *models.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO orders(
		id, customer_id, restaurant_id, restaurant_lat, restaurant_lon,
		delivery_lat, delivery_lon, delivery_addr, items, total_amount,
		delivery_fee, payment_method, gateway_order_id, pickup_pin,
		delivery_pin, status, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		o.ID, o.CustomerID, o.RestaurantID, o.RestaurantLoc.Lat, o.RestaurantLoc.Lon,
		o.DeliveryLoc.Lat, o.DeliveryLoc.Lon, o.DeliveryAddr, items, o.TotalAmount,
		o.DeliveryFee, string(o.PaymentMethod), o.GatewayOrderID, o.PickupPin,
		o.DeliveryPin, string(o.Status), o.CreatedAt)
	return err
}

func (p *PostgresStore) FindOrder(ctx context.Context, id string) (*models.Order, error) {
	row := p.db.QueryRowContext(ctx, selectOrder+` WHERE id=$1`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) UpdateOrderFields(ctx context.Context, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	sets := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields)+1)
	i := 1
	for k, v := range fields {
		col, ok := pgColumns[k]
		if !ok {
			return errUnknownField(k)
		}
		if s, isStatus := v.(models.Status); isStatus {
			v = string(s)
		}
		if a, isActor := v.(models.CancelActor); isActor {
			v = string(a)
		}
		sets = append(sets, fmt.Sprintf("%s=$%d", col, i))
		args = append(args, v)
		i++
	}
	args = append(args, id)
	q := fmt.Sprintf(`UPDATE orders SET %s WHERE id=$%d`, strings.Join(sets, ", "), i)
	res, err := p.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrOrderNotFound
	}
	return nil
}

func (p *PostgresStore) FindOrdersByStatus(ctx context.Context, statuses ...models.Status) ([]*models.Order, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	ph := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		ph[i] = fmt.Sprintf("$%d", i+1)
		args[i] = string(s)
	}
	rows, err := p.db.QueryContext(ctx, selectOrder+` WHERE status IN (`+strings.Join(ph, ",")+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) FindRider(ctx context.Context, id string) (*models.RiderProfile, error) {
	var r models.RiderProfile
	var lastDelivery sql.NullTime
	err := p.db.QueryRowContext(ctx, `SELECT id, name, phone, role, deliveries,
		total_earnings, today_earnings, last_delivery_at FROM riders WHERE id=$1`, id).
		Scan(&r.ID, &r.Name, &r.Phone, &r.Role, &r.Stats.Deliveries,
			&r.Stats.TotalEarnings, &r.Stats.TodayEarnings, &lastDelivery)
	if err == sql.ErrNoRows {
		return nil, models.ErrInvalidRider
	}
	if err != nil {
		return nil, err
	}
	if lastDelivery.Valid {
		r.Stats.LastDeliveryAt = lastDelivery.Time
	}
	return &r, nil
}

func (p *PostgresStore) UpdateRiderStats(ctx context.Context, id string, stats models.RiderStats) error {
	res, err := p.db.ExecContext(ctx, `UPDATE riders SET deliveries=$1, total_earnings=$2,
		today_earnings=$3, last_delivery_at=$4 WHERE id=$5`,
		stats.Deliveries, stats.TotalEarnings, stats.TodayEarnings, stats.LastDeliveryAt, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrInvalidRider
	}
	return nil
}

const selectOrder = `SELECT id, customer_id, restaurant_id, restaurant_lat, restaurant_lon,
	delivery_lat, delivery_lon, delivery_addr, items, total_amount, delivery_fee,
	payment_method, gateway_order_id, pickup_pin, delivery_pin, status, rider_id,
	rider_lat, rider_lon, distance_km, rider_earnings, cancelled_by, cancel_reason,
	created_at, accepted_at, preparing_at, ready_at, picked_up_at, on_the_way_at,
	delivered_at, cancelled_at FROM orders`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var o models.Order
	var items []byte
	var method, status, cancelledBy, cancelReason, riderID sql.NullString
	var riderLat, riderLon sql.NullFloat64
	var acceptedAt, preparingAt, readyAt, pickedUpAt, onTheWayAt, deliveredAt, cancelledAt sql.NullTime
	err := row.Scan(&o.ID, &o.CustomerID, &o.RestaurantID, &o.RestaurantLoc.Lat, &o.RestaurantLoc.Lon,
		&o.DeliveryLoc.Lat, &o.DeliveryLoc.Lon, &o.DeliveryAddr, &items, &o.TotalAmount, &o.DeliveryFee,
		&method, &o.GatewayOrderID, &o.PickupPin, &o.DeliveryPin, &status, &riderID,
		&riderLat, &riderLon, &o.DistanceKm, &o.RiderEarnings, &cancelledBy, &cancelReason,
		&o.CreatedAt, &acceptedAt, &preparingAt, &readyAt, &pickedUpAt, &onTheWayAt,
		&deliveredAt, &cancelledAt)
	if err != nil {
		return nil, err
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &o.Items); err != nil {
			return nil, err
		}
	}
	o.PaymentMethod = models.PaymentMethod(method.String)
	o.Status = models.Status(status.String)
	o.RiderID = riderID.String
	o.CancelledBy = models.CancelActor(cancelledBy.String)
	o.CancelReason = cancelReason.String
	if riderLat.Valid && riderLon.Valid {
		o.RiderLoc = &models.Coord{Lat: riderLat.Float64, Lon: riderLon.Float64}
	}
	o.AcceptedAt = nullTimePtr(acceptedAt)
	o.PreparingAt = nullTimePtr(preparingAt)
	o.ReadyAt = nullTimePtr(readyAt)
	o.PickedUpAt = nullTimePtr(pickedUpAt)
	o.OnTheWayAt = nullTimePtr(onTheWayAt)
	o.DeliveredAt = nullTimePtr(deliveredAt)
	o.CancelledAt = nullTimePtr(cancelledAt)
	return &o, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
