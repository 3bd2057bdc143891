// README: HTTP router registration.
package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleetdispatch/internal/http/handlers"
	"fleetdispatch/internal/http/middleware"
	"fleetdispatch/internal/infra"
	"fleetdispatch/internal/modules/dispatch"
	"fleetdispatch/internal/modules/pool"
	"fleetdispatch/internal/modules/session"
)

type RouterDeps struct {
	Dispatch *dispatch.Service
	Sessions *session.Service
	Hub      *pool.Hub
	// Verifier checks Firebase ID tokens. When nil, TrustHeaders must be set.
	Verifier     infra.TokenVerifier
	TrustHeaders bool
	Logger       *slog.Logger
	Registry     *prometheus.Registry
}

func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Tracing(), middleware.Logging(deps.Logger), middleware.Recovery())
	if deps.Registry != nil {
		r.Use(middleware.Metrics(deps.Registry))
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{Registry: deps.Registry})))
	}
	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	api := r.Group("/api")
	if deps.TrustHeaders || deps.Verifier == nil {
		api.Use(middleware.TrustedHeaders())
	} else {
		api.Use(middleware.Auth(deps.Verifier))
	}
	passenger := middleware.RequireRole(middleware.RolePassenger)
	driver := middleware.RequireRole(middleware.RoleDriver)

	requests := handlers.NewRequestHandler(deps.Dispatch)
	passengers := handlers.NewPassengerHandler(deps.Dispatch)
	drivers := handlers.NewDriverHandler(deps.Dispatch, deps.Sessions, deps.Hub)
	trips := handlers.NewTripHandler(deps.Dispatch)

	api.POST("/requests", passenger, passengers.Submit)
	api.GET("/requests/:id", requests.Get)
	api.GET("/requests/:id/responses", driver, requests.Responses)
	api.POST("/requests/:id/cancel", passenger, passengers.Cancel)
	api.POST("/requests/:id/accept", driver, drivers.Accept)
	api.POST("/requests/:id/reject", driver, drivers.Reject)
	api.GET("/passengers/me/requests", passenger, passengers.MyRequests)

	api.GET("/drivers/pool", driver, drivers.Pool)
	api.GET("/drivers/pool/stream", driver, drivers.PoolStream)
	api.GET("/drivers/me/accepted", driver, drivers.Accepted)
	api.GET("/vehicles", driver, drivers.Vehicles)
	api.PUT("/drivers/me/session", driver, drivers.SelectVehicle)
	api.GET("/drivers/me/session", driver, drivers.CurrentSession)
	api.DELETE("/drivers/me/session", driver, drivers.EndSession)
	api.GET("/drivers/me/trip", driver, drivers.ActiveTrip)

	api.POST("/trips", driver, trips.Start)
	api.GET("/trips/:id", trips.Get)
	api.POST("/trips/:id/deliveries", driver, trips.Deliver)
	api.POST("/trips/:id/complete", driver, trips.Complete)

	return r
}
