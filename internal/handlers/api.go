// Package handlers exposes the read API over the persisted telemetry plus
// the operator alert-resolve mutation. Everything reads from the database;
// handlers never call vendor APIs.
package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/stringwatch/stringwatch/internal/api"
	"github.com/stringwatch/stringwatch/internal/database"
	"github.com/stringwatch/stringwatch/internal/middleware"
	"github.com/stringwatch/stringwatch/internal/services"
)

// Default and maximum list sizes for alert queries
const (
	defaultAlertLimit = 100
	maxAlertLimit     = 1000
)

// APIHandler serves the HTTP API
type APIHandler struct {
	db     *gorm.DB
	alerts *services.AlertService
	auth   *middleware.JWTAuthMiddleware
}

// NewAPIHandler creates the API handler
func NewAPIHandler(db *gorm.DB, alerts *services.AlertService, auth *middleware.JWTAuthMiddleware) *APIHandler {
	return &APIHandler{db: db, alerts: alerts, auth: auth}
}

// SetupRoutes sets up all API routes
func (h *APIHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("POST /auth/login", h.handleLogin)

	mux.HandleFunc("GET /api/plants", h.handleListPlants)
	mux.HandleFunc("GET /api/plants/{plantId}/devices", h.handleListPlantDevices)
	mux.HandleFunc("GET /api/alerts", h.handleListAlerts)
	mux.HandleFunc("GET /api/devices/{deviceId}/aggregates/hourly", h.handleHourlyAggregates)
	mux.HandleFunc("GET /api/devices/{deviceId}/aggregates/daily", h.handleDailyAggregates)

	mux.HandleFunc("POST /api/alerts/{alertId}/resolve", h.handleResolveAlert)
}

func (h *APIHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	api.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *APIHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !h.auth.ValidateCredentials(req.Username, req.Password) {
		log.Printf("[API] Failed login attempt for %q from %s", req.Username, r.RemoteAddr)
		api.RespondError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	token, err := h.auth.GenerateToken(req.Username)
	if err != nil {
		api.RespondError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (h *APIHandler) handleListPlants(w http.ResponseWriter, r *http.Request) {
	plants, err := database.ListPlants(h.db, r.URL.Query().Get("provider"))
	if err != nil {
		api.RespondError(w, http.StatusInternalServerError, "Failed to list plants")
		return
	}
	api.RespondJSON(w, http.StatusOK, plants)
}

func (h *APIHandler) handleListPlantDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := database.ListDevicesByPlant(h.db, r.PathValue("plantId"))
	if err != nil {
		api.RespondError(w, http.StatusInternalServerError, "Failed to list devices")
		return
	}
	api.RespondJSON(w, http.StatusOK, devices)
}

func (h *APIHandler) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" && status != "open" && status != "resolved" {
		api.RespondError(w, http.StatusBadRequest, "status must be open or resolved")
		return
	}

	limit := defaultAlertLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			api.RespondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
		if limit > maxAlertLimit {
			limit = maxAlertLimit
		}
	}

	alerts, err := database.ListAlerts(h.db, status, limit)
	if err != nil {
		api.RespondError(w, http.StatusInternalServerError, "Failed to list alerts")
		return
	}
	api.RespondJSON(w, http.StatusOK, alerts)
}

// windowParam reads a positive integer query parameter with a default
func windowParam(r *http.Request, name string, fallback int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 1 {
		return 0, false
	}
	return parsed, true
}

func (h *APIHandler) handleHourlyAggregates(w http.ResponseWriter, r *http.Request) {
	hours, ok := windowParam(r, "hours", 24)
	if !ok {
		api.RespondError(w, http.StatusBadRequest, "hours must be a positive integer")
		return
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	aggs, err := database.HourlyAggregatesForDevice(h.db, r.PathValue("deviceId"), since)
	if err != nil {
		api.RespondError(w, http.StatusInternalServerError, "Failed to load aggregates")
		return
	}
	api.RespondJSON(w, http.StatusOK, aggs)
}

func (h *APIHandler) handleDailyAggregates(w http.ResponseWriter, r *http.Request) {
	days, ok := windowParam(r, "days", 30)
	if !ok {
		api.RespondError(w, http.StatusBadRequest, "days must be a positive integer")
		return
	}
	since := time.Now().AddDate(0, 0, -days)
	aggs, err := database.DailyAggregatesForDevice(h.db, r.PathValue("deviceId"), since)
	if err != nil {
		api.RespondError(w, http.StatusInternalServerError, "Failed to load aggregates")
		return
	}
	api.RespondJSON(w, http.StatusOK, aggs)
}

func (h *APIHandler) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	alertID, err := strconv.ParseUint(r.PathValue("alertId"), 10, 32)
	if err != nil {
		api.RespondError(w, http.StatusBadRequest, "Invalid alert id")
		return
	}

	resolvedBy := middleware.GetUserFromContext(r.Context())
	if resolvedBy == "" {
		resolvedBy = "operator"
	}

	alert, err := h.alerts.Resolve(uint(alertID), resolvedBy, time.Now())
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			api.RespondError(w, http.StatusNotFound, "Alert not found")
			return
		}
		api.RespondError(w, http.StatusInternalServerError, "Failed to resolve alert")
		return
	}
	api.RespondJSON(w, http.StatusOK, alert)
}
