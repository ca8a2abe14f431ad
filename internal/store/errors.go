package store

import "errors"

// Business-rule sentinel errors. ProtocolHandler matches these with
// errors.Is (after unwrapping any github.com/pkg/errors context) to decide
// which short message to echo back on the wire; internal/matching,
// internal/cancel, and internal/query return them unchanged or wrapped.
var (
	ErrAccountExists     = errors.New("Account already exists")
	ErrInvalidAccountID  = errors.New("Invalid id")
	ErrAccountNotFound   = errors.New("Account not found")
	ErrInvalidAmount     = errors.New("Amount must be positive")
	ErrOrderNotFound     = errors.New("Order not found")
	ErrAlreadyCanceled   = errors.New("Order already canceled")
	ErrNothingToCancel   = errors.New("Order has no remaining quantity")
	ErrPermissionDenied  = errors.New("Permission denied")
	ErrInsufficientFunds = errors.New("Insufficient funds")
	ErrInsufficientShares = errors.New("Insufficient shares")
)
