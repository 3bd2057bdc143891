// README: Trip endpoints: start a batch, deliver stops, complete.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"fleetdispatch/internal/http/middleware"
	"fleetdispatch/internal/modules/dispatch"
	"fleetdispatch/internal/types"
)

const idempotencyHeader = "Idempotency-Key"

type TripHandler struct {
	dispatch *dispatch.Service
}

func NewTripHandler(svc *dispatch.Service) *TripHandler {
	return &TripHandler{dispatch: svc}
}

type startTripRequest struct {
	VehicleID      types.ID   `json:"vehicle_id"`
	RequestIDs     []types.ID `json:"request_ids"`
	IdempotencyKey string     `json:"idempotency_key"`
}

func (h *TripHandler) Start(c *gin.Context) {
	var body startTripRequest
	if err := bindOptional(c, &body); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid json body")
		return
	}
	key := body.IdempotencyKey
	if key == "" {
		key = c.GetHeader(idempotencyHeader)
	}
	t, err := h.dispatch.StartTrip(c.Request.Context(), dispatch.StartTripCommand{
		DriverID:       callerID(c),
		VehicleID:      body.VehicleID,
		RequestIDs:     body.RequestIDs,
		IdempotencyKey: key,
	})
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, toTripView(t))
}

// Get returns a trip to its driver or to a passenger riding on it.
func (h *TripHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	t, err := h.dispatch.GetTrip(ctx, pathID(c))
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	caller := callerID(c)
	if t.DriverID != caller && !h.rides(c, t, caller) {
		writeDispatchError(c, dispatch.ErrForbidden)
		return
	}
	writeJSON(c, http.StatusOK, toTripView(t))
}

func (h *TripHandler) rides(c *gin.Context, t *dispatch.Trip, passenger types.ID) bool {
	if middleware.CallerRole(c) != middleware.RolePassenger {
		return false
	}
	for _, s := range t.Stops {
		r, err := h.dispatch.Get(c.Request.Context(), s.RequestID)
		if err == nil && r.PassengerID == passenger {
			return true
		}
	}
	return false
}

type deliverRequest struct {
	RequestID types.ID `json:"request_id"`
	Index     *int     `json:"index"`
}

func (h *TripHandler) Deliver(c *gin.Context) {
	var body deliverRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid json body")
		return
	}
	if body.RequestID == "" && body.Index == nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "request_id or index required")
		return
	}
	ref := dispatch.StopRef{RequestID: body.RequestID, Index: -1}
	if body.Index != nil {
		ref.Index = *body.Index
	}
	t, err := h.dispatch.MarkDelivered(c.Request.Context(), dispatch.DeliverCommand{
		TripID:   pathID(c),
		DriverID: callerID(c),
		Stop:     ref,
	})
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toTripView(t))
}

func (h *TripHandler) Complete(c *gin.Context) {
	t, err := h.dispatch.CompleteTrip(c.Request.Context(), dispatch.CompleteTripCommand{
		TripID:   pathID(c),
		DriverID: callerID(c),
	})
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toTripView(t))
}
