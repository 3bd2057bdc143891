// README: Driver session: the vehicle a driver is operating, held server side with an expiry.
package session

import (
	"errors"
	"time"

	"fleetdispatch/internal/types"
)

var (
	ErrNoSession  = errors.New("no active driver session")
	ErrBadRequest = errors.New("bad request")
)

type Session struct {
	DriverID     types.ID  `json:"driver_id"`
	VehicleID    types.ID  `json:"vehicle_id"`
	VehicleLabel string    `json:"vehicle_label"`
	SelectedAt   time.Time `json:"selected_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}
