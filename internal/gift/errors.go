package gift

import "errors"

var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientApproval = errors.New("insufficient approval")
	ErrNotFound             = errors.New("gift not found")
	ErrAlreadyResolved      = errors.New("gift already resolved")
	ErrExpired              = errors.New("gift has expired")
	ErrNotExpired           = errors.New("gift has not expired")
	ErrBadCode              = errors.New("claim code does not match")
	ErrTransferFailed       = errors.New("asset transfer failed")
	// ErrTransferUnconfirmed means a transfer was submitted but its outcome
	// is unknown. It must not be retried or treated as a failure.
	ErrTransferUnconfirmed = errors.New("asset transfer not yet confirmed")
	ErrUnauthorized        = errors.New("caller is not allowed to do this")
	// ErrDepositPending is returned for gifts whose deposit has not settled.
	ErrDepositPending = errors.New("gift deposit not yet confirmed")

	// ErrConflict is returned by stores when a compare-and-swap transition
	// finds the record in a different state than expected.
	ErrConflict = errors.New("gift state changed concurrently")
)
