package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/food-dispatch/internal/dispatch"
	"github.com/example/food-dispatch/internal/events"
	"github.com/example/food-dispatch/internal/geo"
	"github.com/example/food-dispatch/internal/lifecycle"
	"github.com/example/food-dispatch/internal/models"
	"github.com/example/food-dispatch/internal/registry"
)

type Server struct {
	logger    *slog.Logger
	riders    *registry.RiderRegistry
	orders    *registry.OrderRegistry
	machine   *lifecycle.Machine
	matcher   *dispatch.Matcher
	hub       *events.Hub
	geoMirror *geo.RiderGeoMirror // nil when Redis is not configured
	mux       *mux.Router
}

func NewServer(logger *slog.Logger, riders *registry.RiderRegistry, orders *registry.OrderRegistry,
	machine *lifecycle.Machine, matcher *dispatch.Matcher, hub *events.Hub, geoMirror *geo.RiderGeoMirror) *Server {
	s := &Server{
		logger:    logger,
		riders:    riders,
		orders:    orders,
		machine:   machine,
		matcher:   matcher,
		hub:       hub,
		geoMirror: geoMirror,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/riders/join", s.handleJoinPool).Methods("POST")
	s.mux.HandleFunc("/api/v1/riders/leave", s.handleLeavePool).Methods("POST")
	s.mux.HandleFunc("/api/v1/riders/location", s.handleUpdateLocation).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders", s.handleCreateOrder).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders/awaiting", s.handleListAwaiting).Methods("GET")
	s.mux.HandleFunc("/api/v1/orders/{order_id}", s.handleGetOrder).Methods("GET")
	s.mux.HandleFunc("/api/v1/orders/{order_id}/claim", s.handleClaimOrder).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders/{order_id}/status", s.handleAdvanceStatus).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders/{order_id}/confirm-payment", s.handleConfirmPayment).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders/{order_id}/verify-pin", s.handleVerifyPin).Methods("POST")
	s.mux.HandleFunc("/internal/riders/nearby", s.handleNearby).Methods("GET")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{client_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleJoinPool(w http.ResponseWriter, r *http.Request) {
	var req joinPoolRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := s.riders.Join(r.Context(), req.RiderID, req.coord())
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	// replay open orders so the late joiner sees eligible work
	s.matcher.OnRiderJoin(req.RiderID)
	writeJSON(w, http.StatusOK, map[string]any{
		"rider_id":      rec.ID,
		"loc":           rec.Loc,
		"active_orders": rec.ActiveOrderIDs,
	})
}

func (s *Server) handleLeavePool(w http.ResponseWriter, r *http.Request) {
	var req leavePoolRequest
	if err := decode(r, &req); err != nil || req.RiderID == "" {
		writeError(w, http.StatusBadRequest, errBadBody(err))
		return
	}
	s.riders.Leave(req.RiderID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateLocation(w http.ResponseWriter, r *http.Request) {
	var req updateLocationRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.riders.UpdateLocation(r.Context(), req.RiderID, models.Coord{Lat: req.Lat, Lon: req.Lon})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	order := &models.Order{
		CustomerID:     req.CustomerID,
		RestaurantID:   req.RestaurantID,
		RestaurantLoc:  req.RestaurantLoc,
		DeliveryLoc:    req.DeliveryLoc,
		DeliveryAddr:   req.DeliveryAddr,
		Items:          req.Items,
		TotalAmount:    req.TotalAmount,
		DeliveryFee:    req.DeliveryFee,
		PaymentMethod:  models.PaymentMethod(req.PaymentMethod),
		GatewayOrderID: req.GatewayRef,
	}
	proj, err := s.machine.CreateOrder(r.Context(), order)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, proj)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	proj, ok := s.orders.Get(mux.Vars(r)["order_id"])
	if !ok {
		writeError(w, http.StatusNotFound, models.ErrOrderNotFound)
		return
	}
	writeJSON(w, http.StatusOK, proj)
}

func (s *Server) handleListAwaiting(w http.ResponseWriter, r *http.Request) {
	projs := s.orders.ListAwaitingRider(s.matcher.ExpiryWindow(), time.Now())
	if projs == nil {
		projs = []models.OrderProjection{}
	}
	writeJSON(w, http.StatusOK, projs)
}

func (s *Server) handleClaimOrder(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["order_id"]
	var req claimOrderRequest
	if err := decode(r, &req); err != nil || req.RiderID == "" {
		writeError(w, http.StatusBadRequest, errBadBody(err))
		return
	}
	if err := s.matcher.Claim(r.Context(), orderID, req.RiderID); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": orderID, "rider_id": req.RiderID, "status": models.StatusRiderAssigned})
}

func (s *Server) handleAdvanceStatus(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["order_id"]
	var req advanceStatusRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tr := lifecycle.TransitionRequest{
		Target:       models.Status(req.Target),
		Pin:          req.Pin,
		CancelledBy:  models.CancelActor(req.CancelledBy),
		CancelReason: req.CancelReason,
	}
	if err := s.machine.Advance(r.Context(), orderID, tr); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	if tr.Target.Terminal() {
		s.matcher.DropOrder(orderID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": orderID, "status": tr.Target})
}

func (s *Server) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["order_id"]
	if err := s.machine.ConfirmPayment(r.Context(), orderID); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": orderID, "status": models.StatusPending})
}

func (s *Server) handleVerifyPin(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["order_id"]
	var req verifyPinRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.machine.VerifyPin(orderID, req.Pin, req.Kind); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": orderID, "verified": true})
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, lon, radius, err := parseNearbyQuery(q.Get("lat"), q.Get("lon"), q.Get("radius_km"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	origin := models.Coord{Lat: lat, Lon: lon}
	if s.geoMirror != nil {
		points, err := s.geoMirror.Nearby(r.Context(), origin, radius, 50)
		if err == nil {
			writeJSON(w, http.StatusOK, points)
			return
		}
		s.logger.Warn("geo mirror query failed, falling back to registry", "error", err)
	}
	cands := s.riders.ListCandidates(origin, radius)
	points := make([]geo.RiderPoint, 0, len(cands))
	for _, c := range cands {
		points = append(points, geo.RiderPoint{RiderID: c.ID, Loc: *c.Loc, DistKm: geo.DistanceKm(origin, *c.Loc), UpdatedAt: c.LastUpdate})
	}
	writeJSON(w, http.StatusOK, points)
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// handleWS upgrades the connection and subscribes it to the topics
// named in the query string, e.g. /ws/c1?topics=order_42,rider_7.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	clientID := mux.Vars(r)["client_id"]
	topics := splitTopics(r.URL.Query().Get("topics"))
	if len(topics) == 0 {
		writeError(w, http.StatusBadRequest, errNoTopics)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sink := events.NewWSSink(conn)
	for _, t := range topics {
		s.hub.Subscribe(t, clientID, sink)
	}
	go func() {
		defer func() {
			for _, t := range topics {
				s.hub.Unsubscribe(t, clientID)
			}
			_ = sink.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := "bad request"
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func splitTopics(v string) []string {
	var out []string
	for _, t := range strings.Split(v, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
