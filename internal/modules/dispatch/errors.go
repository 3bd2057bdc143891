// README: Dispatch error taxonomy.
package dispatch

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound             = errors.New("request not found")
	ErrTripNotFound         = errors.New("trip not found")
	ErrStopNotFound         = errors.New("stop not found")
	ErrAlreadyAccepted      = errors.New("request already accepted")
	ErrCapacityExceeded     = errors.New("vehicle capacity exceeded")
	ErrNotPending           = errors.New("request is not pending")
	ErrInvalidState         = errors.New("invalid state transition")
	ErrDeliveriesIncomplete = errors.New("deliveries incomplete")
	ErrNoAcceptedRequests   = errors.New("no accepted requests")
	ErrActiveRequest        = errors.New("passenger has an open request")
	ErrForbidden            = errors.New("forbidden")
	ErrBadRequest           = errors.New("bad request")
	ErrNoVehicle            = errors.New("no vehicle selected")
)

// DeliveriesIncompleteError lists the stops that block completion.
type DeliveriesIncompleteError struct {
	Pending []StopRef
}

func (e *DeliveriesIncompleteError) Error() string {
	ids := make([]string, len(e.Pending))
	for i, p := range e.Pending {
		ids[i] = string(p.RequestID)
	}
	return fmt.Sprintf("%s: [%s]", ErrDeliveriesIncomplete, strings.Join(ids, ", "))
}

func (e *DeliveriesIncompleteError) Is(target error) bool {
	return target == ErrDeliveriesIncomplete
}
