package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound           = errors.New("entity not found")
	ErrAlreadyExists      = errors.New("entity already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrOperationFailed    = errors.New("storage operation failed")
	ErrInvalidExecContext = errors.New("invalid transaction execution context")
	ErrReadDatabaseRow    = errors.New("failed to read database row")

	// Pipeline errors
	ErrVerificationFailed = errors.New("webhook signature verification failed")
	ErrNormalization      = errors.New("payload does not match any known provider shape")
	ErrPlanMappingMissing = errors.New("no plan mapped for provider product")
	ErrTerminalState      = errors.New("event already reached a terminal state")
	ErrDeliveryExhausted  = errors.New("delivery exhausted all retry attempts")
	ErrSubscriptionLocked = errors.New("subscription is locked by another worker")
)
