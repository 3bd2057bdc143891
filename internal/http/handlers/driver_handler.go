// README: Driver endpoints: pending pool and its stream, accept/reject, accepted set and vehicle session.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"fleetdispatch/internal/http/middleware"
	"fleetdispatch/internal/modules/dispatch"
	"fleetdispatch/internal/modules/pool"
	"fleetdispatch/internal/modules/session"
	"fleetdispatch/internal/types"
)

type DriverHandler struct {
	dispatch *dispatch.Service
	sessions *session.Service
	hub      *pool.Hub
	upgrader websocket.Upgrader
}

func NewDriverHandler(svc *dispatch.Service, sessions *session.Service, hub *pool.Hub) *DriverHandler {
	return &DriverHandler{
		dispatch: svc,
		sessions: sessions,
		hub:      hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *DriverHandler) Pool(c *gin.Context) {
	reqs, err := h.dispatch.ListPending(c.Request.Context())
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, pool.Snapshot(reqs))
}

// PoolStream upgrades to a WebSocket that carries a snapshot followed by
// added/removed updates.
func (h *DriverHandler) PoolStream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		middleware.GetLogger(c).Info("pool stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	log := middleware.GetLogger(c)
	log.Info("pool stream opened", "driver_id", middleware.CallerUID(c))
	err = h.hub.Serve(c.Request.Context(), conn, func(ctx context.Context) (pool.Update, error) {
		reqs, err := h.dispatch.ListPending(ctx)
		if err != nil {
			return pool.Update{}, err
		}
		return pool.Snapshot(reqs), nil
	})
	log.Info("pool stream closed", "driver_id", middleware.CallerUID(c), "reason", err)
}

type acceptRequest struct {
	VehicleID types.ID `json:"vehicle_id"`
}

func (h *DriverHandler) Accept(c *gin.Context) {
	var body acceptRequest
	if err := bindOptional(c, &body); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid json body")
		return
	}
	r, err := h.dispatch.Accept(c.Request.Context(), dispatch.AcceptCommand{
		RequestID: pathID(c),
		DriverID:  callerID(c),
		VehicleID: body.VehicleID,
	})
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toRequestView(r))
}

func (h *DriverHandler) Reject(c *gin.Context) {
	r, err := h.dispatch.Reject(c.Request.Context(), dispatch.RejectCommand{
		RequestID: pathID(c),
		DriverID:  callerID(c),
	})
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toRequestView(r))
}

func (h *DriverHandler) Accepted(c *gin.Context) {
	reqs, err := h.dispatch.ListAccepted(c.Request.Context(), callerID(c))
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"requests": toRequestViews(reqs)})
}

// Vehicles lists what a driver can pick for PUT /drivers/me/session.
func (h *DriverHandler) Vehicles(c *gin.Context) {
	vs, err := h.sessions.Vehicles(c.Request.Context())
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"vehicles": vs})
}

type selectVehicleRequest struct {
	VehicleID types.ID `json:"vehicle_id"`
}

func (h *DriverHandler) SelectVehicle(c *gin.Context) {
	var body selectVehicleRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid json body")
		return
	}
	sess, err := h.sessions.Select(c.Request.Context(), callerID(c), body.VehicleID)
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, sess)
}

func (h *DriverHandler) CurrentSession(c *gin.Context) {
	sess, err := h.sessions.Current(c.Request.Context(), callerID(c))
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, sess)
}

func (h *DriverHandler) EndSession(c *gin.Context) {
	if err := h.sessions.Clear(c.Request.Context(), callerID(c)); err != nil {
		writeDispatchError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *DriverHandler) ActiveTrip(c *gin.Context) {
	t, err := h.dispatch.ActiveTrip(c.Request.Context(), callerID(c))
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toTripView(t))
}
