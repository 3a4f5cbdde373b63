package shipmentsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/BearBump/ShipRecon/internal/integrations/provider"
	"github.com/BearBump/ShipRecon/internal/models"
	"github.com/BearBump/ShipRecon/internal/services/shipments"
	"github.com/BearBump/ShipRecon/internal/storage/pgshipment"
)

// Shipments is the slice of the service layer the REST surface needs.
type Shipments interface {
	Register(ctx context.Context, userID int64, in shipments.RegisterInput) (*models.UserShipment, error)
	DetectCarriers(ctx context.Context, trackingNumber string) ([]provider.CarrierCandidate, error)
	Refresh(ctx context.Context, userID int64, shipmentID uint64) (*models.Shipment, bool, error)
	GetShipment(ctx context.Context, shipmentID uint64) (*models.Shipment, error)
	List(ctx context.Context, userID int64, includeArchived bool) ([]*models.UserShipment, error)
	Events(ctx context.Context, shipmentID uint64, limit, offset int) ([]*models.ShipmentEvent, error)
	MuteToggle(ctx context.Context, userID int64, shipmentID uint64) (bool, error)
	Rename(ctx context.Context, userID int64, shipmentID uint64, itemName string) error
	Archive(ctx context.Context, userID int64, shipmentID uint64) error
	Restore(ctx context.Context, userID int64, shipmentID uint64) error
	Remove(ctx context.Context, userID int64, shipmentID uint64) error
}

// Budget counts mutating requests per key within a window.
type Budget interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type API struct {
	svc Shipments

	budget       Budget
	budgetLimit  int64
	budgetWindow time.Duration
}

func New(svc Shipments) *API {
	return &API{svc: svc}
}

// WithRegisterBudget caps how many registrations one user may start per
// window. No budget means no cap.
func (a *API) WithRegisterBudget(b Budget, limit int64, window time.Duration) *API {
	a.budget = b
	a.budgetLimit = limit
	a.budgetWindow = window
	return a
}

func (a *API) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		r.Get("/carriers/detect", a.handleDetectCarriers)

		r.Route("/shipments", func(r chi.Router) {
			r.Post("/", a.handleRegister)
			r.Route("/{shipmentID}", func(r chi.Router) {
				r.Get("/", a.handleGetShipment)
				r.Get("/events", a.handleEvents)
				r.Post("/refresh", a.handleRefresh)
				r.Post("/mute", a.handleMuteToggle)
				r.Post("/archive", a.handleArchive)
				r.Post("/restore", a.handleRestore)
				r.Patch("/name", a.handleRename)
			})
		})

		r.Route("/users/{userID}/shipments", func(r chi.Router) {
			r.Get("/", a.handleList)
			r.Delete("/{shipmentID}", a.handleRemove)
		})
	})
	return r
}

type registerRequest struct {
	UserID         int64  `json:"userId"`
	TrackingNumber string `json:"trackingNumber"`
	CarrierCode    string `json:"carrierCode"`
	ItemName       string `json:"itemName"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.UserID == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "userId is required")
		return
	}
	if req.TrackingNumber == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "trackingNumber is required")
		return
	}

	if a.budget != nil {
		ok, _, err := a.budget.Allow(r.Context(), fmt.Sprintf("add:%d", req.UserID), a.budgetLimit, a.budgetWindow)
		if err == nil && !ok {
			writeError(w, http.StatusTooManyRequests, "too_many_requests", "registration budget exhausted, try again later")
			return
		}
	}

	us, err := a.svc.Register(r.Context(), req.UserID, shipments.RegisterInput{
		TrackingNumber: req.TrackingNumber,
		CarrierCode:    req.CarrierCode,
		ItemName:       req.ItemName,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserShipmentDTO(us))
}

func (a *API) handleDetectCarriers(w http.ResponseWriter, r *http.Request) {
	number := r.URL.Query().Get("trackingNumber")
	if number == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "trackingNumber query parameter is required")
		return
	}
	cands, err := a.svc.DetectCarriers(r.Context(), number)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": cands})
}

type userRequest struct {
	UserID int64 `json:"userId"`
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	id, ok := shipmentID(w, r)
	if !ok {
		return
	}
	req, ok := decodeUser(w, r)
	if !ok {
		return
	}

	sh, changed, err := a.svc.Refresh(r.Context(), req.UserID, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"changed":  changed,
		"shipment": toShipmentDTO(sh),
	})
}

func (a *API) handleGetShipment(w http.ResponseWriter, r *http.Request) {
	id, ok := shipmentID(w, r)
	if !ok {
		return
	}
	sh, err := a.svc.GetShipment(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toShipmentDTO(sh))
}

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := shipmentID(w, r)
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	evs, err := a.svc.Events(r.Context(), id, limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	out := make([]eventDTO, 0, len(evs))
	for _, e := range evs {
		out = append(out, toEventDTO(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (a *API) handleMuteToggle(w http.ResponseWriter, r *http.Request) {
	id, ok := shipmentID(w, r)
	if !ok {
		return
	}
	req, ok := decodeUser(w, r)
	if !ok {
		return
	}
	muted, err := a.svc.MuteToggle(r.Context(), req.UserID, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"muted": muted})
}

func (a *API) handleArchive(w http.ResponseWriter, r *http.Request) {
	id, ok := shipmentID(w, r)
	if !ok {
		return
	}
	req, ok := decodeUser(w, r)
	if !ok {
		return
	}
	if err := a.svc.Archive(r.Context(), req.UserID, id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": models.StateArchived})
}

func (a *API) handleRestore(w http.ResponseWriter, r *http.Request) {
	id, ok := shipmentID(w, r)
	if !ok {
		return
	}
	req, ok := decodeUser(w, r)
	if !ok {
		return
	}
	if err := a.svc.Restore(r.Context(), req.UserID, id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": models.StateActive})
}

type renameRequest struct {
	UserID   int64  `json:"userId"`
	ItemName string `json:"itemName"`
}

func (a *API) handleRename(w http.ResponseWriter, r *http.Request) {
	id, ok := shipmentID(w, r)
	if !ok {
		return
	}
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.UserID == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "userId is required")
		return
	}
	if req.ItemName == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "itemName is required")
		return
	}
	if err := a.svc.Rename(r.Context(), req.UserID, id, req.ItemName); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"itemName": req.ItemName})
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}
	includeArchived := r.URL.Query().Get("includeArchived") == "true"

	items, err := a.svc.List(r.Context(), userID, includeArchived)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	out := make([]userShipmentDTO, 0, len(items))
	for _, us := range items {
		out = append(out, toUserShipmentDTO(us))
	}
	writeJSON(w, http.StatusOK, map[string]any{"shipments": out})
}

func (a *API) handleRemove(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}
	id, ok := shipmentID(w, r)
	if !ok {
		return
	}
	if err := a.svc.Remove(r.Context(), userID, id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": true})
}

func shipmentID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "shipmentID"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid shipment id")
		return 0, false
	}
	return id, true
}

func pathUserID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid user id")
		return 0, false
	}
	return id, true
}

func decodeUser(w http.ResponseWriter, r *http.Request) (userRequest, bool) {
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return req, false
	}
	if req.UserID == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "userId is required")
		return req, false
	}
	return req, true
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// writeServiceError maps the engine's error taxonomy onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	var cd *shipments.CooldownError
	switch {
	case errors.As(err, &cd):
		w.Header().Set("Retry-After", strconv.Itoa(int(cd.RetryAfter.Seconds())+1))
		writeError(w, http.StatusTooManyRequests, "refresh_cooldown", cd.Error())
	case errors.Is(err, shipments.ErrTooManyActive):
		writeError(w, http.StatusConflict, "limit_reached", "active shipment limit reached, remove one first")
	case errors.Is(err, pgshipment.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "shipment not found")
	case errors.Is(err, provider.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, "provider_not_configured", "tracking provider credentials are not configured")
	case errors.Is(err, provider.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "provider_rate_limited", "tracking provider rate limit hit, try again later")
	case errors.Is(err, provider.ErrProviderUnavailable):
		writeError(w, http.StatusBadGateway, "provider_unavailable", "tracking provider is unavailable")
	case errors.Is(err, provider.ErrMalformedPayload):
		writeError(w, http.StatusBadGateway, "provider_error", "tracking provider rejected the request")
	default:
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
