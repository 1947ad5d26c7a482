package loyalty

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the loyalty service.
var (
	ErrUnauthenticated        = errors.New("unauthenticated")
	ErrMemberNotFound         = errors.New("member not found")
	ErrRewardNotFound         = errors.New("reward not found")
	ErrRewardInactive         = errors.New("reward inactive")
	ErrInsufficientPoints     = errors.New("insufficient points")
	ErrRuleProvisioningFailed = errors.New("rule provisioning failed")
	ErrBeginFailed            = errors.New("redemption begin failed")
	ErrCodeIssuanceFailed     = errors.New("code issuance failed")
	ErrCommitFailed           = errors.New("redemption commit failed")
	ErrCompensationFailed     = errors.New("redemption compensation failed")
	ErrBalanceUnavailable     = errors.New("balance unavailable")
	ErrDuplicateReason        = errors.New("duplicate ledger reason")
	ErrEntryNotFound          = errors.New("ledger entry not found")
	ErrRedemptionNotFound     = errors.New("redemption not found")
	ErrRedemptionNotPending   = errors.New("redemption not pending")
	ErrInvalidSagaTransition  = errors.New("invalid saga transition")
	ErrInvalidMemberID        = errors.New("invalid member id")
	ErrInvalidRewardID        = errors.New("invalid reward id")
	ErrInvalidRedemptionID    = errors.New("invalid redemption id")
	ErrInvalidEmail           = errors.New("invalid email")
	ErrInvalidReason          = errors.New("invalid ledger reason")
	ErrInvalidDeltaPoints     = errors.New("invalid delta points")
	ErrInvalidDiscountType    = errors.New("invalid discount type")
	ErrInvalidDiscountValue   = errors.New("invalid discount value")
	ErrInvalidRedemptionState = errors.New("invalid redemption status")
	ErrInvalidMetadataJSON    = errors.New("invalid metadata json")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
