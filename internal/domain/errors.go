package domain

import "errors"

// Caller-visible failures of the trolley core. None of them are retried internally.
var (
	ErrInvalidArgument = errors.New("invalid argument")

	ErrTrolleyNotFound = errors.New("trolley not found")
	ErrTrolleyInactive = errors.New("trolley is inactive")
	ErrTrolleyBusy     = errors.New("trolley already has an active session")

	ErrSessionNotFound = errors.New("session not found")
	ErrSessionInactive = errors.New("session is no longer active")
	ErrSessionExpired  = errors.New("session expired")

	ErrProductNotFound = errors.New("product not found")
	ErrProductInactive = errors.New("product is inactive")
	ErrItemNotFound    = errors.New("item not found in cart")
	ErrCartEmpty       = errors.New("cart is empty")

	ErrNoPayment         = errors.New("no payment created for session")
	ErrAlreadyPaid       = errors.New("payment already completed")
	ErrIllegalTransition = errors.New("illegal payment status transition")

	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user with this phone already exists")

	ErrBusy = errors.New("trolley is busy, retry later")
)

var businessErrors = []error{
	ErrInvalidArgument,
	ErrTrolleyNotFound, ErrTrolleyInactive, ErrTrolleyBusy,
	ErrSessionNotFound, ErrSessionInactive, ErrSessionExpired,
	ErrProductNotFound, ErrProductInactive, ErrItemNotFound, ErrCartEmpty,
	ErrNoPayment, ErrAlreadyPaid, ErrIllegalTransition,
	ErrUserNotFound, ErrUserExists,
	ErrBusy,
}

// IsBusinessError reports whether err is one of the caller-visible failures above,
// as opposed to a storage or transport fault.
func IsBusinessError(err error) bool {
	for _, target := range businessErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
