package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

type HealthResponse struct {
	Status        string             `json:"status"`
	Version       string             `json:"version"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	StoreType     string             `json:"store_type"`
	Checks        map[string]string  `json:"checks"`
	FileWatcher   *WatcherStatusData `json:"file_watcher,omitempty"`
}

// ConnectionStatus is satisfied by transports that hold a broker connection.
type ConnectionStatus interface {
	IsConnected() bool
}

type HealthHandler struct {
	sessions  SessionService
	live      LiveDataSource
	mqtt      ConnectionStatus
	storeType string
	version   string
	startTime time.Time
}

// NewHealthHandler builds the health endpoint. live and mqtt may be nil.
func NewHealthHandler(sessions SessionService, live LiveDataSource, mqtt ConnectionStatus, storeType, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		sessions:  sessions,
		live:      live,
		mqtt:      mqtt,
		storeType: storeType,
		version:   version,
		startTime: startTime,
	}
}

// ServeHTTP reports "unhealthy" (503) when the primary store is unreachable,
// and "degraded" when it is up but deliveries are parked in the fallback or
// the broker connection is down.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	degrade := func() {
		if status == "healthy" {
			status = "degraded"
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.sessions.Ping(ctx); err != nil {
		checks["store"] = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["store"] = "ok"
	}

	var watcher *WatcherStatusData
	if h.live != nil {
		if n := h.live.FallbackSessionCount(); n > 0 {
			checks["fallback"] = strconv.Itoa(n) + " pending"
			degrade()
		} else {
			checks["fallback"] = "empty"
		}
		if watcher = h.live.WatcherStatus(); watcher != nil {
			checks["file_watcher"] = watcher.Status
		} else {
			checks["file_watcher"] = "not_configured"
		}
	}

	if h.mqtt != nil {
		if h.mqtt.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			degrade()
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	resp := HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		StoreType:     h.storeType,
		Checks:        checks,
		FileWatcher:   watcher,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(resp)
}
