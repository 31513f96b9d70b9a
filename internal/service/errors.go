package service

import (
	"errors"
	"fmt"
)

// ErrProviderAccountMissing means the workspace has no payment account
// configured for the active environment. Fatal to the request, never
// retried.
var ErrProviderAccountMissing = errors.New("no payment account configured for this environment")

// ErrFanResolutionTimeout means the payment webhook did not land within
// the bounded wait. The client retries the upsell step.
var ErrFanResolutionTimeout = errors.New("timed out waiting for payment confirmation")

// ErrCartLocked means a client edit arrived after the cart converted.
var ErrCartLocked = errors.New("checkout already completed")

// ErrUpsellClosed means the upsell window already resolved.
var ErrUpsellClosed = errors.New("upsell offer no longer available")

// ValidationError rejects bad client input before any side effect.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// PaymentProviderError wraps a provider failure verbatim so the buyer
// can retry payment. Never swallowed; money is involved.
type PaymentProviderError struct {
	Op  string
	Err error
}

func (e *PaymentProviderError) Error() string {
	return fmt.Sprintf("payment provider %s failed: %v", e.Op, e.Err)
}

func (e *PaymentProviderError) Unwrap() error {
	return e.Err
}

// PartialRefundError reports that the main refund went through but the
// upsell refund did not. The first refund is not reverted.
type PartialRefundError struct {
	RefundedAmount int64
	Err            error
}

func (e *PartialRefundError) Error() string {
	return fmt.Sprintf("main charge refunded but upsell refund failed: %v", e.Err)
}

func (e *PartialRefundError) Unwrap() error {
	return e.Err
}
