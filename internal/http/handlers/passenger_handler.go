// README: Passenger endpoints: submit, cancel and list own requests.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"fleetdispatch/internal/http/middleware"
	"fleetdispatch/internal/modules/dispatch"
)

type PassengerHandler struct {
	dispatch *dispatch.Service
}

func NewPassengerHandler(svc *dispatch.Service) *PassengerHandler {
	return &PassengerHandler{dispatch: svc}
}

type submitRequest struct {
	Destination      string `json:"destination"`
	OtherDestination string `json:"other_destination"`
	Contact          string `json:"contact"`
}

func (h *PassengerHandler) Submit(c *gin.Context) {
	var body submitRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid json body")
		return
	}
	contact := body.Contact
	if contact == "" {
		contact = middleware.CallerClaim(c, "email")
	}
	r, err := h.dispatch.Submit(c.Request.Context(), dispatch.SubmitCommand{
		PassengerID:      callerID(c),
		PassengerName:    middleware.CallerClaim(c, "name"),
		PassengerContact: contact,
		Destination:      body.Destination,
		OtherDestination: body.OtherDestination,
	})
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, toRequestView(r))
}

func (h *PassengerHandler) Cancel(c *gin.Context) {
	r, err := h.dispatch.Cancel(c.Request.Context(), dispatch.CancelCommand{
		RequestID:   pathID(c),
		PassengerID: callerID(c),
	})
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toRequestView(r))
}

func (h *PassengerHandler) MyRequests(c *gin.Context) {
	reqs, err := h.dispatch.ListByPassenger(c.Request.Context(), callerID(c))
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"requests": toRequestViews(reqs)})
}
