package admission

import "errors"

// Validation errors are terminal: the request is wrong and retrying it
// unchanged cannot succeed.
var (
	ErrEmptyOrder         = errors.New("admission: order items cannot be empty")
	ErrInvalidQuantity    = errors.New("admission: quantity must be greater than zero")
	ErrProductUnavailable = errors.New("admission: product not available for sale")
	ErrInsufficientStock  = errors.New("admission: insufficient stock")
	ErrOrderNotFound      = errors.New("admission: order not found")
)

// Contention errors are retryable by the client.
var (
	ErrLockNotAcquired  = errors.New("admission: could not acquire user lock")
	ErrDuplicateRequest = errors.New("admission: duplicate order request")
)
