package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/TiM00R/ThermostatLocalServer/internal/command"
	"github.com/TiM00R/ThermostatLocalServer/internal/discovery"
	"github.com/TiM00R/ThermostatLocalServer/internal/model"
	"github.com/TiM00R/ThermostatLocalServer/internal/poller"
	"github.com/TiM00R/ThermostatLocalServer/internal/store"
	"github.com/TiM00R/ThermostatLocalServer/internal/syncer"
	"github.com/TiM00R/ThermostatLocalServer/internal/weather"
)

// Server exposes the local control surface. Everything here is LAN-facing;
// authentication for off-site access happens at the central server.
type Server struct {
	Repo        *store.Repository
	Cache       *store.StateCache
	Executor    *command.Executor
	Discovery   *discovery.Service
	Weather     *weather.Service
	Sync        *syncer.Service
	Poller      *poller.Poller
	PromHandler http.Handler
	Middleware  func(http.Handler) http.Handler
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))
	if s.Middleware != nil {
		r.Use(s.Middleware)
	}

	r.Get("/health", s.handleHealth)
	if s.PromHandler != nil {
		r.Handle("/metrics", s.PromHandler)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/thermostats", s.handleListThermostats)
		r.Route("/thermostats/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetThermostat)
			r.Get("/status", s.handleGetStatus)
			r.Post("/temperature", s.handleSetTemperature)
			r.Post("/mode", s.handleSetMode)
			r.Post("/away_temp", s.handleSetAwayTemp)
		})

		r.Post("/discovery/scan", s.handleDiscoveryScan)
		r.Get("/discovery/status", s.handleDiscoveryStatus)

		r.Get("/weather/status", s.handleWeatherStatus)
		r.Get("/weather/current", s.handleWeatherCurrent)
		r.Post("/weather/update", s.handleWeatherUpdate)

		r.Get("/system/health", s.handleSystemHealth)
		r.Get("/system/sync/status", s.handleSyncStatus)
		r.Get("/system/sync/checkpoints", s.handleSyncCheckpoints)
		r.Get("/system/sync/stats", s.handleSyncStats)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.Repo.Ping(r.Context()) == nil
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	body := map[string]any{"ok": dbOK, "database": dbOK}
	if s.Poller != nil {
		if t := s.Poller.LastTick(); !t.IsZero() {
			body["last_poll"] = t
		}
	}
	writeJSON(w, status, body)
}

type thermostatDTO struct {
	ID         uuid.UUID           `json:"id"`
	IP         string              `json:"ip"`
	Name       string              `json:"name"`
	Model      string              `json:"model"`
	APIVersion string              `json:"api_version,omitempty"`
	FWVersion  string              `json:"fw_version,omitempty"`
	AwayTemp   float64             `json:"away_temp"`
	Enabled    bool                `json:"enabled"`
	LastSeen   *time.Time          `json:"last_seen,omitempty"`
	State      *model.CurrentState `json:"state,omitempty"`
}

func (s *Server) handleListThermostats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	devices, err := s.Repo.ListDevices(ctx)
	if err != nil {
		slog.Error("thermostat list query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load thermostats")
		return
	}
	items := make([]thermostatDTO, 0, len(devices))
	for _, d := range devices {
		dto := deviceDTO(d)
		if st, err := s.currentState(r, d.ID); err == nil {
			dto.State = st
		}
		items = append(items, dto)
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleGetThermostat(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.device(w, r)
	if !ok {
		return
	}
	dto := deviceDTO(*dev)
	if st, err := s.currentState(r, dev.ID); err == nil {
		dto.State = st
	}
	writeJSON(w, http.StatusOK, dto)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.device(w, r)
	if !ok {
		return
	}
	st, err := s.currentState(r, dev.ID)
	if err != nil {
		slog.Error("state lookup failed", "device", dev.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load state")
		return
	}
	if st == nil {
		writeError(w, http.StatusNotFound, "no reading yet")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type setTemperatureRequest struct {
	THeat float64 `json:"t_heat"`
	Hold  *int    `json:"hold"`
}

func (s *Server) handleSetTemperature(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.device(w, r)
	if !ok {
		return
	}
	var req setTemperatureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	hold := 1
	if req.Hold != nil {
		hold = *req.Hold
	}
	if hold != 0 && hold != 1 {
		writeError(w, http.StatusBadRequest, "hold must be 0 or 1")
		return
	}
	// Setting a target implies HEAT mode on a heat-only unit.
	extra, err := s.Executor.SetState(r.Context(), dev.ID.String(), 1, hold, &req.THeat)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, extra)
}

type setModeRequest struct {
	TMode int      `json:"tmode"`
	THeat *float64 `json:"t_heat"`
	Hold  *int     `json:"hold"`
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.device(w, r)
	if !ok {
		return
	}
	var req setModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.TMode != 0 && req.TMode != 1 {
		writeError(w, http.StatusBadRequest, "tmode must be 0 or 1")
		return
	}
	hold := 0
	if req.Hold != nil {
		hold = *req.Hold
	}
	if hold != 0 && hold != 1 {
		writeError(w, http.StatusBadRequest, "hold must be 0 or 1")
		return
	}
	var heat *float64
	if req.TMode == 1 {
		if req.THeat == nil {
			writeError(w, http.StatusBadRequest, "t_heat is required for HEAT mode")
			return
		}
		heat = req.THeat
	}
	extra, err := s.Executor.SetState(r.Context(), dev.ID.String(), req.TMode, hold, heat)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, extra)
}

type setAwayTempRequest struct {
	AwayTemp float64 `json:"away_temp"`
}

func (s *Server) handleSetAwayTemp(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.device(w, r)
	if !ok {
		return
	}
	var req setAwayTempRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	extra, err := s.Executor.SetAwayTemp(r.Context(), dev.ID.String(), req.AwayTemp)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, extra)
}

type scanRequest struct {
	UDP      *bool    `json:"udp"`
	TCPScan  bool     `json:"tcp_scan"`
	IPRanges []string `json:"ip_ranges"`
}

func (s *Server) handleDiscoveryScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
	}
	opts := discovery.Options{UDP: true, TCPScan: req.TCPScan, IPRanges: req.IPRanges}
	if req.UDP != nil {
		opts.UDP = *req.UDP
	}

	// The scan outlives the request; progress is available on /discovery/status.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := s.Discovery.Run(ctx, opts); err != nil && !errors.Is(err, discovery.ErrAlreadyRunning) {
			slog.Error("discovery scan failed", "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{"started": true})
}

func (s *Server) handleDiscoveryStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Discovery.Snapshot())
}

func (s *Server) handleWeatherStatus(w http.ResponseWriter, r *http.Request) {
	if s.Weather == nil || !s.Weather.Enabled() {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": true, "reading": s.Weather.Current()})
}

func (s *Server) handleWeatherCurrent(w http.ResponseWriter, r *http.Request) {
	if s.Weather == nil || !s.Weather.Enabled() {
		writeError(w, http.StatusNotFound, "weather is not configured")
		return
	}
	cur := s.Weather.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"temp_f":      cur.TempF,
		"conditions":  cur.Conditions,
		"source":      cur.Source,
		"observed_at": cur.ObservedAt,
	})
}

// handleSystemHealth reports per-component health for dashboards; /health
// stays minimal for load-balancer style checks.
func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.Repo.Ping(r.Context()) == nil
	body := map[string]any{
		"database":     dbOK,
		"sync_enabled": s.Sync != nil,
		"weather":      s.Weather != nil && s.Weather.Enabled(),
	}
	if s.Poller != nil {
		body["last_poll"] = s.Poller.LastTick()
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

func (s *Server) handleWeatherUpdate(w http.ResponseWriter, r *http.Request) {
	if s.Weather == nil || !s.Weather.Enabled() {
		writeError(w, http.StatusConflict, "weather is not configured")
		return
	}
	s.Weather.Refresh(r.Context())
	writeJSON(w, http.StatusOK, s.Weather.Current())
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if s.Sync == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	stats := s.Sync.GetStats()
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":         true,
		"last_immediate":  stats.LastImmediateAt,
		"last_fallback":   stats.LastFallbackAt,
		"last_minute":     stats.LastMinuteAt,
		"upload_failures": stats.UploadFailures,
	})
}

func (s *Server) handleSyncStats(w http.ResponseWriter, r *http.Request) {
	if s.Sync == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, s.Sync.GetStats())
}

func (s *Server) handleSyncCheckpoints(w http.ResponseWriter, r *http.Request) {
	cps, err := s.Repo.ListCheckpoints(r.Context())
	if err != nil {
		slog.Error("checkpoint query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load checkpoints")
		return
	}
	writeJSON(w, http.StatusOK, cps)
}

// device loads the thermostat named in the URL, writing the error response
// itself when the lookup fails.
func (s *Server) device(w http.ResponseWriter, r *http.Request) (*model.Thermostat, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid thermostat id")
		return nil, false
	}
	dev, err := s.Repo.GetDevice(r.Context(), id)
	if err != nil {
		slog.Error("thermostat lookup failed", "device", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load thermostat")
		return nil, false
	}
	if dev == nil {
		writeError(w, http.StatusNotFound, "unknown thermostat")
		return nil, false
	}
	return dev, true
}

// currentState prefers the cache and falls back to the database.
func (s *Server) currentState(r *http.Request, id uuid.UUID) (*model.CurrentState, error) {
	if s.Cache != nil {
		if st, err := s.Cache.Get(r.Context(), id); err == nil && st != nil {
			return st, nil
		}
	}
	return s.Repo.GetCurrentState(r.Context(), id)
}

func deviceDTO(d model.Thermostat) thermostatDTO {
	dto := thermostatDTO{
		ID:         d.ID,
		IP:         d.IP,
		Name:       d.Name,
		Model:      d.Model,
		APIVersion: d.APIVersion,
		FWVersion:  d.FWVersion,
		AwayTemp:   d.AwayTemp,
		Enabled:    d.Enabled,
	}
	if !d.LastSeen.IsZero() {
		ls := d.LastSeen
		dto.LastSeen = &ls
	}
	return dto
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
