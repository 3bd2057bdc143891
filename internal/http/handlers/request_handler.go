// README: Request lookups shared by drivers and passengers.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"fleetdispatch/internal/http/middleware"
	"fleetdispatch/internal/modules/dispatch"
)

type RequestHandler struct {
	dispatch *dispatch.Service
}

func NewRequestHandler(svc *dispatch.Service) *RequestHandler {
	return &RequestHandler{dispatch: svc}
}

// Get returns a request. Passengers only see their own.
func (h *RequestHandler) Get(c *gin.Context) {
	r, err := h.dispatch.Get(c.Request.Context(), pathID(c))
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	if middleware.CallerRole(c) != middleware.RoleDriver && r.PassengerID != callerID(c) {
		writeDispatchError(c, dispatch.ErrForbidden)
		return
	}
	writeJSON(c, http.StatusOK, toRequestView(r))
}

// Responses lists the driver answers recorded for a request, oldest first.
func (h *RequestHandler) Responses(c *gin.Context) {
	resps, err := h.dispatch.ListResponses(c.Request.Context(), pathID(c))
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	out := make([]responseView, len(resps))
	for i, r := range resps {
		out[i] = responseView{
			DriverID:    r.DriverID,
			Response:    string(r.Response),
			Destination: r.Destination,
			RespondedAt: r.RespondedAt,
		}
	}
	writeJSON(c, http.StatusOK, gin.H{"responses": out})
}
