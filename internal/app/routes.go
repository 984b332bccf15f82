package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bletracker/go-mqtt-server/internal/model"
	"bletracker/go-mqtt-server/internal/store"
)

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.HandleFunc("/readyz", a.handleReadyz)
	mux.Handle("/ws", a.hub)
	mux.HandleFunc("/api/live-map", a.handleLiveMap)
	mux.HandleFunc("/api/maps", a.handleCreateMap)
	mux.HandleFunc("/api/maps/active", a.handleActiveMap)
	mux.HandleFunc("/api/maps/{id}/activate", a.handleActivateMap)
	mux.HandleFunc("/api/maps/{id}/zones", a.handleCreateZone)
	mux.HandleFunc("/api/gateways/{id}/position", a.handlePlaceGateway)
	mux.HandleFunc("/api/beacons/{id}/observations", a.handleBeaconObservations)
	mux.HandleFunc("/api/beacons/{id}/assignment", a.handleAssignment)
	mux.HandleFunc("/api/employees", a.handleCreateEmployee)
	mux.HandleFunc("/api/assets", a.handleCreateAsset)
	mux.HandleFunc("/api/admin/wipe", a.handleWipeDatabase)
	return mux
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if a.store == nil || !a.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		a.logger.Warn("readiness: store ping failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"degraded"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleLiveMap(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) || !a.requireStore(w) {
		return
	}

	snap, err := a.engine.Snapshot(r.Context())
	if err != nil {
		a.logger.Error("failed to build live map", "error", err)
		http.Error(w, "failed to build live map", http.StatusInternalServerError)
		return
	}
	if snap.Map == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active map"})
		return
	}
	a.encode(w, http.StatusOK, snap)
}

func (a *App) handleCreateMap(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) || !a.requireStore(w) {
		return
	}

	var req struct {
		Name     string `json:"name"`
		ImageURL string `json:"imageUrl"`
		Width    int    `json:"width"`
		Height   int    `json:"height"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || req.Width < 0 || req.Height < 0 {
		http.Error(w, "name required and dimensions must be non-negative", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	fp, err := a.store.CreateFloorPlan(ctx, model.FloorPlan{Name: req.Name, ImageURL: req.ImageURL, Width: req.Width, Height: req.Height})
	if err != nil {
		a.logger.Error("failed to create floor plan", "error", err)
		http.Error(w, "failed to create map", http.StatusInternalServerError)
		return
	}
	a.encode(w, http.StatusCreated, fp)
}

func (a *App) handleActiveMap(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	a.encode(w, http.StatusOK, struct {
		Map *model.FloorPlan `json:"map"`
	}{Map: a.broadcaster.ActiveMap()})
}

func (a *App) handleActivateMap(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) || !a.requireStore(w) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	fp, err := a.store.SetActiveFloorPlan(ctx, r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "map not found", http.StatusNotFound)
		return
	}
	if err != nil {
		a.logger.Error("failed to activate floor plan", "map", r.PathValue("id"), "error", err)
		http.Error(w, "failed to activate map", http.StatusInternalServerError)
		return
	}

	if err := a.broadcaster.SetActiveMap(r.Context(), &fp); err != nil {
		a.logger.Error("failed to announce active map", "map", fp.ID, "error", err)
	}
	a.logger.Info("active map changed", "map", fp.ID, "name", fp.Name)
	a.encode(w, http.StatusOK, fp)
}

func (a *App) handleCreateZone(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) || !a.requireStore(w) {
		return
	}

	var req struct {
		Name   string  `json:"name"`
		X      float64 `json:"x"`
		Y      float64 `json:"y"`
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Name) == "" || req.Width < 0 || req.Height < 0 {
		http.Error(w, "name required and extents must be non-negative", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	z, err := a.store.CreateZone(ctx, model.Zone{
		FloorPlanID: r.PathValue("id"),
		Name:        strings.TrimSpace(req.Name),
		X:           req.X,
		Y:           req.Y,
		Width:       req.Width,
		Height:      req.Height,
	})
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "map not found", http.StatusNotFound)
		return
	}
	if err != nil {
		a.logger.Error("failed to create zone", "map", r.PathValue("id"), "error", err)
		http.Error(w, "failed to create zone", http.StatusInternalServerError)
		return
	}
	a.encode(w, http.StatusCreated, z)
}

func (a *App) handlePlaceGateway(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPut) || !a.requireStore(w) {
		return
	}

	var req struct {
		Name      string  `json:"name"`
		MapID     string  `json:"mapId"`
		X         float64 `json:"x"`
		Y         float64 `json:"y"`
		ZoneLabel string  `json:"zoneLabel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if req.MapID != "" {
		if _, err := a.store.FloorPlan(ctx, req.MapID); err != nil {
			a.writeLookupError(w, "map", err)
			return
		}
	}

	g, err := a.store.PlaceGateway(ctx, r.PathValue("id"), store.GatewayPlacement{
		Name:        strings.TrimSpace(req.Name),
		FloorPlanID: req.MapID,
		Location:    model.Location{X: req.X, Y: req.Y},
		ZoneLabel:   strings.TrimSpace(req.ZoneLabel),
	})
	if err != nil {
		a.writeLookupError(w, "gateway", err)
		return
	}
	a.encode(w, http.StatusOK, g)
}

func (a *App) handleBeaconObservations(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) || !a.requireStore(w) {
		return
	}

	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			if parsed > 0 && parsed <= store.MaxRecentObservations {
				limit = parsed
			}
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	id := r.PathValue("id")
	if _, err := a.store.Beacon(ctx, id); err != nil {
		a.writeLookupError(w, "beacon", err)
		return
	}

	observations, err := a.store.RecentObservations(ctx, id, limit)
	if err != nil {
		a.logger.Error("failed to load observations", "beacon", id, "error", err)
		http.Error(w, "failed to load observations", http.StatusInternalServerError)
		return
	}

	a.encode(w, http.StatusOK, struct {
		Observations []model.GatewayObservation `json:"observations"`
	}{Observations: observations})
}

func (a *App) handleAssignment(w http.ResponseWriter, r *http.Request) {
	if !a.requireStore(w) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	id := r.PathValue("id")
	switch r.Method {
	case http.MethodPost:
		var req struct {
			Kind     string `json:"kind"`
			TargetID string `json:"targetId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		kind := store.BindingKind(strings.ToLower(strings.TrimSpace(req.Kind)))
		if (kind != store.BindEmployee && kind != store.BindAsset) || req.TargetID == "" {
			http.Error(w, "kind must be employee or asset and targetId is required", http.StatusBadRequest)
			return
		}
		if err := a.store.AssignBeacon(ctx, id, kind, req.TargetID); err != nil {
			a.writeLookupError(w, "beacon or "+string(kind), err)
			return
		}
		a.logger.Info("beacon assigned", "beacon", id, "kind", kind, "target", req.TargetID)
	case http.MethodDelete:
		if err := a.store.UnassignBeacon(ctx, id); err != nil {
			a.writeLookupError(w, "beacon", err)
			return
		}
		a.logger.Info("beacon unassigned", "beacon", id)
	default:
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	b, err := a.store.Beacon(ctx, id)
	if err != nil {
		a.writeLookupError(w, "beacon", err)
		return
	}
	a.encode(w, http.StatusOK, b)
}

func (a *App) handleCreateEmployee(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) || !a.requireStore(w) {
		return
	}

	var req model.Employee
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		http.Error(w, "employee_id required", http.StatusBadRequest)
		return
	}
	req.ID = ""

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	e, err := a.store.CreateEmployee(ctx, req)
	if err != nil {
		a.logger.Error("failed to create employee", "code", req.Code, "error", err)
		http.Error(w, "failed to create employee", http.StatusInternalServerError)
		return
	}
	a.encode(w, http.StatusCreated, e)
}

func (a *App) handleCreateAsset(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) || !a.requireStore(w) {
		return
	}

	var req model.Asset
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		http.Error(w, "asset_name required", http.StatusBadRequest)
		return
	}
	req.ID = ""

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	asset, err := a.store.CreateAsset(ctx, req)
	if err != nil {
		a.logger.Error("failed to create asset", "name", req.Name, "error", err)
		http.Error(w, "failed to create asset", http.StatusInternalServerError)
		return
	}
	a.encode(w, http.StatusCreated, asset)
}

func (a *App) handleWipeDatabase(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) || !a.requireStore(w) {
		return
	}

	var body struct {
		Confirm string `json:"confirm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if strings.ToLower(strings.TrimSpace(body.Confirm)) != "wipe" {
		http.Error(w, "confirmation required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := a.store.WipeObservations(ctx); err != nil {
		a.logger.Error("wipe: failed", "error", err)
		http.Error(w, "failed to wipe data", http.StatusInternalServerError)
		return
	}
	a.ingestor.ClearDedup()

	a.logger.Warn("wipe: observations and ingestion errors cleared")
	w.WriteHeader(http.StatusNoContent)
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func (a *App) requireStore(w http.ResponseWriter) bool {
	if a.store == nil {
		http.Error(w, "store not initialized", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func (a *App) writeLookupError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, what+" not found", http.StatusNotFound)
		return
	}
	a.logger.Error("request failed", "resource", what, "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func (a *App) encode(w http.ResponseWriter, status int, v any) {
	if err := writeJSON(w, status, v); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}
