package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidOrder      = errors.New("invalid order parameters")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrExhaustedRetries  = errors.New("exhausted retries")
	ErrPartialOrReject   = errors.New("order partially filled or rejected")
	ErrDuplicatePosition = errors.New("position already open for market")
	ErrRiskLimitExceeded = errors.New("risk limit exceeded")
	ErrNoSuchPosition    = errors.New("no open position for market")
)
