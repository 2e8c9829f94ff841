package geo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/food-dispatch/internal/models"
)

// RiderPoint is a rider position read back from the mirror.
type RiderPoint struct {
	RiderID   string       `json:"rider_id"`
	Loc       models.Coord `json:"loc"`
	DistKm    float64      `json:"dist_km"`
	UpdatedAt time.Time    `json:"updated_at,omitempty"`
}

// RiderGeoMirror keeps rider coordinates in a Redis GEO set so
// out-of-process consumers (ops tooling, analytics) can query nearby
// riders without touching the in-memory registry. The registry stays
// authoritative for dispatch; this is a mirror only.
type RiderGeoMirror struct {
	client *redis.Client
	key    string
}

func NewRiderGeoMirror(addr, password, key string) *RiderGeoMirror {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RiderGeoMirror{client: c, key: key}
}

func (m *RiderGeoMirror) Upsert(ctx context.Context, riderID string, c models.Coord, at time.Time) error {
	if _, err := m.client.GeoAdd(ctx, m.key, &redis.GeoLocation{Longitude: c.Lon, Latitude: c.Lat, Name: riderID}).Result(); err != nil {
		return err
	}
	return m.client.HSet(ctx, metaKey(riderID), map[string]interface{}{
		"updated": at.UTC().Format(time.RFC3339),
	}).Err()
}

func (m *RiderGeoMirror) Nearby(ctx context.Context, origin models.Coord, radiusKm float64, limit int) ([]RiderPoint, error) {
	res, err := m.client.GeoRadius(ctx, m.key, origin.Lon, origin.Lat, &redis.GeoRadiusQuery{
		Radius: radiusKm, Unit: "km", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]RiderPoint, 0, len(res))
	for _, g := range res {
		p := RiderPoint{RiderID: g.Name, DistKm: g.Dist}
		p.Loc.Lat = g.Latitude
		p.Loc.Lon = g.Longitude
		if meta, err := m.client.HGetAll(ctx, metaKey(g.Name)).Result(); err == nil {
			if v, ok := meta["updated"]; ok {
				if ts, err := time.Parse(time.RFC3339, v); err == nil {
					p.UpdatedAt = ts
				}
			}
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *RiderGeoMirror) Ping(ctx context.Context) error { return m.client.Ping(ctx).Err() }

func (m *RiderGeoMirror) Close() error { return m.client.Close() }

func metaKey(id string) string { return "rider:meta:" + id }
