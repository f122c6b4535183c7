package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrPathTimeout means no route to the sender appeared within the lookup timeout.
	ErrPathTimeout = errors.New("path lookup timed out")
	// ErrIdentityUnknown means a route exists but the sender's identity cannot be recalled.
	ErrIdentityUnknown = errors.New("identity not recalled")
	ErrCostTooHigh     = errors.New("cost_too_high")
	ErrDeliveryFailed  = errors.New("delivery failed")
)

// Rejection is a deliberate refusal to reply. Reason is one of the
// sentinel errors above.
type Rejection struct {
	Reason error
	Cost   int
	Max    int
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%v: stamp cost %d exceeds max %d", r.Reason, r.Cost, r.Max)
}

func (r *Rejection) Unwrap() error { return r.Reason }
