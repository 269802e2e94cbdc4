package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/Qazaq159/taxi-dispatch/internal/auth"
	"github.com/Qazaq159/taxi-dispatch/internal/directory"
	"github.com/Qazaq159/taxi-dispatch/internal/ride/dispatch"
	"github.com/Qazaq159/taxi-dispatch/internal/ride/domain"
	"github.com/Qazaq159/taxi-dispatch/internal/ride/repository"
	"github.com/Qazaq159/taxi-dispatch/internal/ride/service"
)

// HTTP exposes the ride and driver-presence endpoints.
type HTTP struct {
	svc       *service.Service
	directory domain.DriverDirectory
	secret    string
}

// NewHTTP constructs a handler.
func NewHTTP(svc *service.Service, dir domain.DriverDirectory, jwtSecret string) *HTTP {
	return &HTTP{svc: svc, directory: dir, secret: jwtSecret}
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(h.secret, auth.RolePassenger))
		r.Post("/v1/rides", h.createRide)
		r.Post("/v1/rides/{id}/boost", h.boostFare)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(h.secret, auth.RoleDriver))
		r.Post("/v1/rides/{id}/accept", h.acceptRide)
		r.Post("/v1/rides/{id}/reject", h.rejectRide)
		r.Post("/v1/rides/{id}/enroute", h.driverEnroute)
		r.Post("/v1/rides/{id}/arrived", h.driverArrived)
		r.Post("/v1/rides/{id}/start", h.startRide)
		r.Post("/v1/rides/{id}/complete", h.completeRide)
		r.Post("/v1/drivers/location", h.driverLocation)
		r.Post("/v1/drivers/online", h.driverOnline)
		r.Get("/v1/drivers/me", h.driverMe)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(h.secret, auth.RolePassenger, auth.RoleDriver))
		r.Get("/v1/rides/{id}", h.getRide)
		r.Get("/v1/rides/{id}/history", h.rideHistory)
		r.Post("/v1/rides/{id}/cancel", h.cancelRide)
		r.Post("/v1/rides/{id}/rating", h.rateRide)
	})

	return r
}

type createRideRequest struct {
	PickupAddress      string          `json:"pickup_address"`
	Pickup             domain.GeoPoint `json:"pickup"`
	DestinationAddress string          `json:"destination_address"`
	Destination        domain.GeoPoint `json:"destination"`
}

func (h *HTTP) createRide(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.CallerID(r.Context())
	if !ok {
		http.Error(w, "invalid subject", http.StatusUnauthorized)
		return
	}
	var payload createRideRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := h.svc.CreateRide(r.Context(), r.Header.Get("Idempotency-Key"), service.CreateRideRequest{
		PassengerID:        caller,
		PickupAddress:      payload.PickupAddress,
		Pickup:             payload.Pickup,
		DestinationAddress: payload.DestinationAddress,
		Destination:        payload.Destination,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *HTTP) getRide(w http.ResponseWriter, r *http.Request) {
	caller, id, ok := h.callerAndRide(w, r)
	if !ok {
		return
	}
	ride, err := h.svc.GetRide(r.Context(), id, caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rideToView(ride))
}

func (h *HTTP) rideHistory(w http.ResponseWriter, r *http.Request) {
	caller, id, ok := h.callerAndRide(w, r)
	if !ok {
		return
	}
	history, err := h.svc.History(r.Context(), id, caller)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]historyView, 0, len(history))
	for _, entry := range history {
		out = append(out, historyView{Status: entry.Status, Notes: entry.Notes, CreatedAt: entry.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTP) boostFare(w http.ResponseWriter, r *http.Request) {
	caller, id, ok := h.callerAndRide(w, r)
	if !ok {
		return
	}
	resp, err := h.svc.BoostFare(r.Context(), id, caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTP) acceptRide(w http.ResponseWriter, r *http.Request) {
	caller, id, ok := h.callerAndRide(w, r)
	if !ok {
		return
	}
	ride, err := h.svc.AcceptRide(r.Context(), id, caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rideToView(ride))
}

func (h *HTTP) rejectRide(w http.ResponseWriter, r *http.Request) {
	caller, id, ok := h.callerAndRide(w, r)
	if !ok {
		return
	}
	if err := h.svc.RejectRide(r.Context(), id, caller); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) driverEnroute(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.DriverEnroute)
}

func (h *HTTP) driverArrived(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.DriverArrived)
}

func (h *HTTP) startRide(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.StartRide)
}

func (h *HTTP) completeRide(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.CompleteRide)
}

func (h *HTTP) cancelRide(w http.ResponseWriter, r *http.Request) {
	caller, id, ok := h.callerAndRide(w, r)
	if !ok {
		return
	}
	var payload struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	ride, err := h.svc.CancelRide(r.Context(), id, caller, payload.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rideToView(ride))
}

func (h *HTTP) rateRide(w http.ResponseWriter, r *http.Request) {
	caller, id, ok := h.callerAndRide(w, r)
	if !ok {
		return
	}
	var payload struct {
		Stars   int    `json:"stars"`
		Comment string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := h.svc.RateRide(r.Context(), id, caller, service.RateRideRequest{Stars: payload.Stars, Comment: payload.Comment})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTP) driverLocation(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.CallerID(r.Context())
	if !ok {
		http.Error(w, "invalid subject", http.StatusUnauthorized)
		return
	}
	var point domain.GeoPoint
	if err := json.NewDecoder(r.Body).Decode(&point); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.directory.UpsertLocation(r.Context(), caller, point); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) driverOnline(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.CallerID(r.Context())
	if !ok {
		http.Error(w, "invalid subject", http.StatusUnauthorized)
		return
	}
	var payload struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.directory.SetOnline(r.Context(), caller, payload.Online); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) driverMe(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.CallerID(r.Context())
	if !ok {
		http.Error(w, "invalid subject", http.StatusUnauthorized)
		return
	}
	driver, err := h.directory.GetDriver(r.Context(), caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, driverView{
		ID:            driver.ID,
		Online:        driver.Online,
		Verified:      driver.Verified,
		TotalRides:    driver.TotalRides,
		AverageRating: driver.AverageRating,
	})
}

func (h *HTTP) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, rideID, driverID uuid.UUID) (domain.Ride, error)) {
	caller, id, ok := h.callerAndRide(w, r)
	if !ok {
		return
	}
	ride, err := fn(r.Context(), id, caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rideToView(ride))
}

func (h *HTTP) callerAndRide(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	caller, ok := auth.CallerID(r.Context())
	if !ok {
		http.Error(w, "invalid subject", http.StatusUnauthorized)
		return uuid.Nil, uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return uuid.Nil, uuid.Nil, false
	}
	return caller, id, true
}

type rideView struct {
	ID                 uuid.UUID         `json:"id"`
	PassengerID        uuid.UUID         `json:"passenger_id"`
	DriverID           *uuid.UUID        `json:"driver_id,omitempty"`
	PickupAddress      string            `json:"pickup_address"`
	DestinationAddress string            `json:"destination_address"`
	Status             domain.RideStatus `json:"status"`
	DisplayCost        int64             `json:"display_cost"`
	FareBoosts         int               `json:"fare_boosts"`
	CreatedAt          time.Time         `json:"created_at"`
	AcceptedAt         *time.Time        `json:"accepted_at,omitempty"`
	StartedAt          *time.Time        `json:"started_at,omitempty"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty"`
	CancelledAt        *time.Time        `json:"cancelled_at,omitempty"`
	CancellationReason string            `json:"cancellation_reason,omitempty"`
	DurationMinutes    *int              `json:"duration_minutes,omitempty"`
}

type historyView struct {
	Status    domain.RideStatus `json:"status"`
	Notes     string            `json:"notes,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

type driverView struct {
	ID            uuid.UUID `json:"id"`
	Online        bool      `json:"online"`
	Verified      bool      `json:"verified"`
	TotalRides    int       `json:"total_rides"`
	AverageRating float64   `json:"average_rating"`
}

func rideToView(ride domain.Ride) rideView {
	view := rideView{
		ID:                 ride.ID,
		PassengerID:        ride.PassengerID,
		DriverID:           ride.DriverID,
		PickupAddress:      ride.PickupAddress,
		DestinationAddress: ride.DestinationAddress,
		Status:             ride.Status,
		DisplayCost:        ride.DisplayCost(),
		FareBoosts:         ride.FareBoosts,
		CreatedAt:          ride.CreatedAt,
		AcceptedAt:         ride.AcceptedAt,
		StartedAt:          ride.StartedAt,
		CompletedAt:        ride.CompletedAt,
		CancelledAt:        ride.CancelledAt,
		CancellationReason: ride.CancellationReason,
	}
	if mins, ok := ride.DurationMinutes(); ok {
		view.DurationMinutes = &mins
	}
	return view
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrPermissionDenied):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, domain.ErrRideNotFound), errors.Is(err, directory.ErrDriverNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, service.ErrBoostLimit),
		errors.Is(err, repository.ErrAlreadyRated),
		errors.Is(err, dispatch.ErrOfferGone),
		errors.Is(err, dispatch.ErrDriverBusy):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
