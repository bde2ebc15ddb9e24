package domain

import "errors"

var (
	ErrBelowMinQty         = errors.New("quantity below token minimum")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNotFilled           = errors.New("order not confirmed filled")
	ErrTargetNotFound      = errors.New("target not found")
	ErrOrderNotActive      = errors.New("order not active")
	ErrNotFound            = errors.New("not found")
	ErrNoClient            = errors.New("no exchange client for user")
)

// IsSizingError reports errors that skip a user without retry or alert.
func IsSizingError(err error) bool {
	return errors.Is(err, ErrBelowMinQty) || errors.Is(err, ErrInsufficientBalance)
}
