package contract

import "errors"

var (
	ErrValidation       = errors.New("validation failed")
	ErrEnqueue          = errors.New("enqueue failed")
	ErrInvokeTransient  = errors.New("reasoning invoke failed (transient)")
	ErrInvokePermanent  = errors.New("reasoning invoke failed (permanent)")
	ErrDeliveryFailed   = errors.New("delivery failed")
	ErrDeliveryRejected = errors.New("delivery rejected by destination")
	ErrQueueClosed      = errors.New("queue closed")
	ErrNotFound         = errors.New("not found")
)
