// README: Base handler utilities (JSON helpers, error mapping, response views).
package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"fleetdispatch/internal/http/middleware"
	"fleetdispatch/internal/modules/dispatch"
	"fleetdispatch/internal/modules/fleet"
	"fleetdispatch/internal/modules/session"
	"fleetdispatch/internal/types"
)

type errorResponse struct {
	Code    string             `json:"code"`
	Message string             `json:"message"`
	Pending []dispatch.StopRef `json:"pending,omitempty"`
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, code, msg string) {
	writeJSON(c, status, errorResponse{Code: code, Message: msg})
}

// writeDispatchError maps service errors onto the wire error taxonomy.
func writeDispatchError(c *gin.Context, err error) {
	var incomplete *dispatch.DeliveriesIncompleteError
	switch {
	case errors.As(err, &incomplete):
		writeJSON(c, http.StatusConflict, errorResponse{
			Code:    "DELIVERIES_INCOMPLETE",
			Message: err.Error(),
			Pending: incomplete.Pending,
		})
	case errors.Is(err, dispatch.ErrDeliveriesIncomplete):
		writeError(c, http.StatusConflict, "DELIVERIES_INCOMPLETE", err.Error())
	case errors.Is(err, dispatch.ErrAlreadyAccepted):
		writeError(c, http.StatusConflict, "CONFLICT_ALREADY_ACCEPTED", err.Error())
	case errors.Is(err, dispatch.ErrCapacityExceeded):
		writeError(c, http.StatusConflict, "CAPACITY_EXCEEDED", err.Error())
	case errors.Is(err, dispatch.ErrNotPending):
		writeError(c, http.StatusConflict, "NOT_PENDING", err.Error())
	case errors.Is(err, dispatch.ErrInvalidState):
		writeError(c, http.StatusConflict, "INVALID_STATE", err.Error())
	case errors.Is(err, dispatch.ErrNoAcceptedRequests):
		writeError(c, http.StatusConflict, "NO_ACCEPTED_REQUESTS", err.Error())
	case errors.Is(err, dispatch.ErrActiveRequest):
		writeError(c, http.StatusConflict, "ACTIVE_REQUEST", err.Error())
	case errors.Is(err, dispatch.ErrNotFound),
		errors.Is(err, dispatch.ErrTripNotFound),
		errors.Is(err, dispatch.ErrStopNotFound),
		errors.Is(err, session.ErrNoSession):
		writeError(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, dispatch.ErrForbidden),
		errors.Is(err, fleet.ErrDriverNotFound):
		writeError(c, http.StatusForbidden, "FORBIDDEN", err.Error())
	case errors.Is(err, dispatch.ErrBadRequest),
		errors.Is(err, dispatch.ErrNoVehicle),
		errors.Is(err, session.ErrBadRequest),
		errors.Is(err, fleet.ErrVehicleNotFound),
		errors.Is(err, fleet.ErrInactive):
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	default:
		middleware.GetLogger(c).Error("request failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

// bindOptional decodes a JSON body when one is present.
func bindOptional(c *gin.Context, v any) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func pathID(c *gin.Context) types.ID {
	return types.ID(c.Param("id"))
}

func callerID(c *gin.Context) types.ID {
	return types.ID(middleware.CallerUID(c))
}

type requestView struct {
	ID               types.ID  `json:"id"`
	PassengerID      types.ID  `json:"passenger_id"`
	PassengerName    string    `json:"passenger_name"`
	PassengerContact string    `json:"passenger_contact,omitempty"`
	Origin           string    `json:"origin"`
	Destination      string    `json:"destination"`
	OtherDestination string    `json:"other_destination,omitempty"`
	Status           string    `json:"status"`
	DriverID         *types.ID `json:"driver_id,omitempty"`
	DriverName       string    `json:"driver_name,omitempty"`
	VehicleID        *types.ID `json:"vehicle_id,omitempty"`
	VehicleLabel     string    `json:"vehicle_label,omitempty"`
	TripID           *types.ID `json:"trip_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`

	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	RejectedAt  *time.Time `json:"rejected_at,omitempty"`
}

func toRequestView(r *dispatch.TripRequest) requestView {
	return requestView{
		ID:               r.ID,
		PassengerID:      r.PassengerID,
		PassengerName:    r.PassengerName,
		PassengerContact: r.PassengerContact,
		Origin:           r.Origin,
		Destination:      r.Destination,
		OtherDestination: r.OtherDestination,
		Status:           string(r.Status),
		DriverID:         r.DriverID,
		DriverName:       r.DriverName,
		VehicleID:        r.VehicleID,
		VehicleLabel:     r.VehicleLabel,
		TripID:           r.TripID,
		CreatedAt:        r.CreatedAt,
		AcceptedAt:       r.AcceptedAt,
		StartedAt:        r.StartedAt,
		CompletedAt:      r.CompletedAt,
		CancelledAt:      r.CancelledAt,
		RejectedAt:       r.RejectedAt,
	}
}

func toRequestViews(reqs []*dispatch.TripRequest) []requestView {
	out := make([]requestView, len(reqs))
	for i, r := range reqs {
		out[i] = toRequestView(r)
	}
	return out
}

type stopView struct {
	Index          int        `json:"index"`
	RequestID      types.ID   `json:"request_id"`
	PassengerName  string     `json:"passenger_name"`
	Destination    string     `json:"destination"`
	DeliveryStatus string     `json:"delivery_status"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
}

type tripView struct {
	ID           types.ID   `json:"id"`
	DriverID     types.ID   `json:"driver_id"`
	DriverName   string     `json:"driver_name"`
	VehicleID    types.ID   `json:"vehicle_id"`
	VehicleLabel string     `json:"vehicle_label"`
	Status       string     `json:"status"`
	Stops        []stopView `json:"stops"`
	DepartedAt   time.Time  `json:"departed_at"`
	ArrivedAt    *time.Time `json:"arrived_at,omitempty"`
}

func toTripView(t *dispatch.Trip) tripView {
	stops := make([]stopView, len(t.Stops))
	for i, s := range t.Stops {
		stops[i] = stopView{
			Index:          i,
			RequestID:      s.RequestID,
			PassengerName:  s.PassengerName,
			Destination:    s.Destination,
			DeliveryStatus: string(s.DeliveryStatus),
			DeliveredAt:    s.DeliveredAt,
		}
	}
	return tripView{
		ID:           t.ID,
		DriverID:     t.DriverID,
		DriverName:   t.DriverName,
		VehicleID:    t.VehicleID,
		VehicleLabel: t.VehicleLabel,
		Status:       string(t.Status),
		Stops:        stops,
		DepartedAt:   t.DepartedAt,
		ArrivedAt:    t.ArrivedAt,
	}
}

type responseView struct {
	DriverID    types.ID  `json:"driver_id"`
	Response    string    `json:"response"`
	Destination string    `json:"destination"`
	RespondedAt time.Time `json:"responded_at"`
}
