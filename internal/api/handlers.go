package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sentryops/camdash/internal/alerts"
	"github.com/sentryops/camdash/internal/devices"
	"github.com/sentryops/camdash/internal/peer"
)

// AlertService is the slice of the alert store the API needs.
type AlertService interface {
	List() []*alerts.Alert
	Get(id string) (*alerts.Alert, bool)
	Confirm(id string) (*alerts.Alert, error)
	Dismiss(id string) (*alerts.Alert, error)
	TriggerSiren(id string) (*alerts.Alert, error)
}

// SessionService reports per-device media session state.
type SessionService interface {
	SessionState(deviceID string) (peer.State, bool)
}

// StreamService reports per-device subscriber counts.
type StreamService interface {
	SubscriberCounts() map[string]int
}

// RosterService lists known devices.
type RosterService interface {
	List() []devices.Device
	Get(id string) (devices.Device, bool)
}

type Handler struct {
	Alerts   AlertService
	Sessions SessionService
	Streams  StreamService
	Roster   RosterService
}

func NewHandler(alertSvc AlertService, sessions SessionService, streams StreamService, roster RosterService) *Handler {
	return &Handler{
		Alerts:   alertSvc,
		Sessions: sessions,
		Streams:  streams,
		Roster:   roster,
	}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/api/v1/alerts", h.ListAlerts)
	r.Get("/api/v1/alerts/{id}", h.GetAlert)
	r.Post("/api/v1/alerts/{id}/confirm", h.ConfirmAlert)
	r.Post("/api/v1/alerts/{id}/dismiss", h.DismissAlert)
	r.Post("/api/v1/alerts/{id}/siren", h.TriggerSiren)
	r.Get("/api/v1/devices", h.ListDevices)
	r.Get("/api/v1/devices/{id}/session", h.GetDeviceSession)
	r.Get("/healthz", h.Healthz)
}

func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.Alerts.List())
}

func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	alert, ok := h.Alerts.Get(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "alert not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(alert)
}

func (h *Handler) ConfirmAlert(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, chi.URLParam(r, "id"), h.Alerts.Confirm)
}

func (h *Handler) DismissAlert(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, chi.URLParam(r, "id"), h.Alerts.Dismiss)
}

func (h *Handler) TriggerSiren(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, chi.URLParam(r, "id"), h.Alerts.TriggerSiren)
}

func (h *Handler) resolve(w http.ResponseWriter, id string, fn func(string) (*alerts.Alert, error)) {
	alert, err := fn(id)
	if err != nil {
		if errors.Is(err, alerts.ErrNotFound) {
			http.Error(w, "alert not found", http.StatusNotFound)
			return
		}
		http.Error(w, "alert update failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(alert)
}

// DeviceView is the roster entry joined with live session info.
type DeviceView struct {
	devices.Device
	SessionState string `json:"sessionState"`
	Subscribers  int    `json:"subscribers"`
}

func (h *Handler) deviceView(d devices.Device, subs map[string]int) DeviceView {
	view := DeviceView{Device: d, SessionState: "OFFLINE"}
	if state, ok := h.Sessions.SessionState(d.ID); ok {
		view.SessionState = state.String()
	}
	view.Subscribers = subs[d.ID]
	return view
}

func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	subs := h.Streams.SubscriberCounts()
	list := h.Roster.List()
	out := make([]DeviceView, 0, len(list))
	for _, d := range list {
		out = append(out, h.deviceView(d, subs))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (h *Handler) GetDeviceSession(w http.ResponseWriter, r *http.Request) {
	d, ok := h.Roster.Get(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.deviceView(d, h.Streams.SubscriberCounts()))
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
