package stakes

import "errors"

var (
	// ErrInvalidAmount is returned when the stake amount is below the
	// configured platform minimum.
	ErrInvalidAmount = errors.New("stake amount below minimum")

	// ErrInvalidTransition is returned for lifecycle operations on a
	// stake whose state does not permit them.
	ErrInvalidTransition = errors.New("invalid stake state transition")

	// ErrNotFound is returned when the stake does not exist.
	ErrNotFound = errors.New("stake not found")

	// ErrGatewayUnavailable is returned when gateway funding was
	// requested but no payment gateway is configured.
	ErrGatewayUnavailable = errors.New("payment gateway not configured")
)
