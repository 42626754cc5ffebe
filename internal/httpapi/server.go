package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/HungMe117/irrigation-system/internal/actuator"
	"github.com/HungMe117/irrigation-system/internal/model"
	"github.com/HungMe117/irrigation-system/internal/notify"
	"github.com/HungMe117/irrigation-system/internal/store"
)

// ValveController is the command surface consumed from the HTTP layer.
type ValveController interface {
	SetValve(ctx context.Context, gatewayID uuid.UUID, command, source, reason string) error
}

type Server struct {
	repo   *store.Repo
	valves ValveController
	hub    *notify.Hub
}

func New(repo *store.Repo, valves ValveController, hub *notify.Hub) *Server {
	return &Server{repo: repo, valves: valves, hub: hub}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	// Authenticated at the API gateway; see deployment notes.
	r.Get("/api/stream/ws", s.handleStreamWS)

	r.Route("/api", func(r chi.Router) {
		r.Route("/gateways", func(r chi.Router) {
			r.Get("/", s.handleListGateways)
			r.Post("/", s.handleCreateGateway)
			r.Put("/{id}", s.handleUpdateGateway)
			r.Delete("/{id}", s.handleDeleteGateway)
		})
		r.Route("/nodes", func(r chi.Router) {
			r.Get("/", s.handleListNodes)
			r.Post("/", s.handleCreateNode)
			r.Put("/{id}", s.handleUpdateNode)
			r.Delete("/{id}", s.handleDeleteNode)
		})
		r.Route("/control", func(r chi.Router) {
			r.Post("/gateways/{id}/valve", s.handleSetValve)
			r.Post("/nodes/{id}/active", s.handleToggleNodeActive)
		})
		r.Route("/data", func(r chi.Router) {
			r.Get("/latest", s.handleLatestData)
			r.Get("/history", s.handleReadingHistory)
			r.Get("/watering-logs", s.handleWateringLogs)
		})
	})

	return r
}

// --- control ---

func (s *Server) handleSetValve(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid gateway id")
		return
	}

	var req struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	command := strings.ToUpper(strings.TrimSpace(req.Command))
	if command == "" {
		command = model.ValveClose
	}

	err = s.valves.SetValve(r.Context(), id, command, model.SourceManual, "manual command from operator")
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "valve_status": command})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "gateway not found")
	case errors.Is(err, actuator.ErrInvalidCommand):
		writeError(w, http.StatusBadRequest, "command must be OPEN or CLOSE")
	case errors.Is(err, actuator.ErrTransportUnavailable):
		writeError(w, http.StatusServiceUnavailable, "transport unavailable, command not delivered")
	default:
		slog.Error("set valve failed", "gateway_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleToggleNodeActive(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid node id")
		return
	}
	var req struct {
		IsActive *bool `json:"is_active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IsActive == nil {
		writeError(w, http.StatusBadRequest, "is_active required")
		return
	}
	if err := s.repo.SetNodeActive(r.Context(), id, *req.IsActive); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "node not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
}

// --- gateway admin ---

type gatewayRequest struct {
	ClientID             *string   `json:"client_id"`
	Location             *string   `json:"location"`
	Description          *string   `json:"description"`
	MinMoistureThreshold *int      `json:"min_moisture_threshold"`
	MaxWateringDuration  *int      `json:"max_watering_duration"`
	WateringSchedule     *[]string `json:"watering_schedule"`
	Latitude             *float64  `json:"latitude"`
	Longitude            *float64  `json:"longitude"`
}

func (req *gatewayRequest) apply(g *model.Gateway) {
	if req.ClientID != nil {
		g.ClientID = strings.TrimSpace(*req.ClientID)
	}
	if req.Location != nil {
		g.Location = *req.Location
	}
	if req.Description != nil {
		g.Description = *req.Description
	}
	if req.MinMoistureThreshold != nil {
		g.MinMoistureThreshold = *req.MinMoistureThreshold
	}
	if req.MaxWateringDuration != nil {
		g.MaxWateringDuration = *req.MaxWateringDuration
	}
	if req.WateringSchedule != nil {
		g.SetScheduleTimes(*req.WateringSchedule)
	}
	if req.Latitude != nil {
		g.Latitude = *req.Latitude
	}
	if req.Longitude != nil {
		g.Longitude = *req.Longitude
	}
}

func (s *Server) handleListGateways(w http.ResponseWriter, r *http.Request) {
	rows, err := s.repo.ListGateways(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleCreateGateway(w http.ResponseWriter, r *http.Request) {
	var req gatewayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.ClientID == nil || strings.TrimSpace(*req.ClientID) == "" {
		writeError(w, http.StatusBadRequest, "client_id required")
		return
	}
	g := &model.Gateway{}
	req.apply(g)
	if err := s.repo.CreateGateway(r.Context(), g); err != nil {
		writeError(w, http.StatusInternalServerError, "create gateway failed")
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleUpdateGateway(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid gateway id")
		return
	}
	var req gatewayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	g, err := s.repo.GetGateway(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "gateway not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	req.apply(g)
	if err := s.repo.SaveGateway(r.Context(), g); err != nil {
		writeError(w, http.StatusInternalServerError, "update gateway failed")
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleDeleteGateway(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid gateway id")
		return
	}
	if err := s.repo.DeleteGateway(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "delete gateway failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
}

// --- node admin ---

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	rows, err := s.repo.ListNodes(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceEUI        string    `json:"device_eui"`
		GatewayID        uuid.UUID `json:"gateway_id"`
		ConnectedGateway string    `json:"connected_gateway"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.DeviceEUI) == "" || req.GatewayID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "device_eui and gateway_id required")
		return
	}
	// Every node must reference a live gateway.
	if _, err := s.repo.GetGateway(r.Context(), req.GatewayID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "gateway does not exist")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	n := &model.SensorNode{
		DeviceEUI:        strings.TrimSpace(req.DeviceEUI),
		GatewayID:        req.GatewayID,
		ConnectedGateway: req.ConnectedGateway,
		IsActive:         true,
		IsAutoMode:       true,
	}
	if err := s.repo.CreateNode(r.Context(), n); err != nil {
		writeError(w, http.StatusInternalServerError, "create node failed")
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (s *Server) handleUpdateNode(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid node id")
		return
	}
	var req struct {
		GatewayID        *uuid.UUID `json:"gateway_id"`
		ConnectedGateway *string    `json:"connected_gateway"`
		IsAutoMode       *bool      `json:"is_auto_mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	n, err := s.repo.GetNode(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "node not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if req.GatewayID != nil {
		if _, err := s.repo.GetGateway(r.Context(), *req.GatewayID); err != nil {
			writeError(w, http.StatusBadRequest, "gateway does not exist")
			return
		}
		n.GatewayID = *req.GatewayID
	}
	if req.ConnectedGateway != nil {
		n.ConnectedGateway = *req.ConnectedGateway
	}
	if req.IsAutoMode != nil {
		n.IsAutoMode = *req.IsAutoMode
	}
	if err := s.repo.SaveNode(r.Context(), n); err != nil {
		writeError(w, http.StatusInternalServerError, "update node failed")
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid node id")
		return
	}
	if err := s.repo.DeleteNode(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "delete node failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
}

// --- dashboard data ---

type nodeSnapshot struct {
	NodeID       uuid.UUID `json:"node_id"`
	GatewayID    uuid.UUID `json:"gateway_id"`
	DeviceEUI    string    `json:"device_eui"`
	Location     string    `json:"location"`
	SoilMoisture float64   `json:"soil_moisture"`
	AirHumidity  float64   `json:"air_humidity"`
	Temperature  float64   `json:"temperature"`
	ValveStatus  string    `json:"valve_status"`
	IsOnline     bool      `json:"is_online"`
	LastUpdate   time.Time `json:"last_update"`
}

func (s *Server) handleLatestData(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	nodes, err := s.repo.ListNodes(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]nodeSnapshot, 0, len(nodes))
	for _, n := range nodes {
		snap := nodeSnapshot{
			NodeID:      n.ID,
			GatewayID:   n.GatewayID,
			DeviceEUI:   n.DeviceEUI,
			ValveStatus: n.LastValveStatus,
			IsOnline:    n.IsOnline,
			LastUpdate:  n.UpdatedAt,
		}
		if gw, err := s.repo.GetGateway(ctx, n.GatewayID); err == nil {
			snap.Location = gw.Location
		}
		if latest, err := s.repo.LatestReading(ctx, n.ID); err == nil && latest != nil {
			snap.SoilMoisture = latest.SoilMoisture
			snap.AirHumidity = latest.AirHumidity
			snap.Temperature = latest.Temperature
			snap.LastUpdate = latest.Timestamp
		}
		out = append(out, snap)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReadingHistory(w http.ResponseWriter, r *http.Request) {
	nodeID := uuid.Nil
	if raw := r.URL.Query().Get("node_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid node_id")
			return
		}
		nodeID = id
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := s.repo.ListReadings(r.Context(), nodeID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleWateringLogs(w http.ResponseWriter, r *http.Request) {
	gatewayID := uuid.Nil
	if raw := r.URL.Query().Get("gateway_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid gateway_id")
			return
		}
		gatewayID = id
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := s.repo.ListWateringEvents(r.Context(), gatewayID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// --- websocket stream ---

func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch, cancel := s.hub.Subscribe()
	defer cancel()

	// Read pump just to detect disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Periodic ping to keep intermediaries alive.
	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(2*time.Second)); err != nil {
				return
			}
		case evt, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(evt); err != nil {
				slog.Debug("ws write failed", "error", err)
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "code": status})
}
