package reward

import (
	"errors"
	"fmt"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrQuotaExhausted     = errors.New("quota exhausted")
	ErrQuotaChanged       = errors.New("quota changed")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrAuth               = errors.New("authentication failed")
)

// Reason codes used on the wire for each error kind.
const (
	ReasonValidation         = "validation"
	ReasonQuotaExhausted     = "quota_exhausted"
	ReasonQuotaChanged       = "quota_changed"
	ReasonStorageUnavailable = "storage_unavailable"
	ReasonAuth               = "auth"
)

// ValidationError reports a missing or malformed registration field.
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

func (e *ValidationError) Unwrap() error { return ErrValidation }

// RejectionError is returned when the quota re-check at write time does not
// confirm the claimed tier. Kind is ErrQuotaExhausted or ErrQuotaChanged.
type RejectionError struct {
	Kind      error
	Claimed   Tier
	Resolved  *Tier
	Remaining Snapshot
}

func (e *RejectionError) Error() string {
	if e.Resolved != nil {
		return fmt.Sprintf("%v: claimed %s, now %s", e.Kind, e.Claimed.Key, e.Resolved.Key)
	}
	return fmt.Sprintf("%v: claimed %s", e.Kind, e.Claimed.Key)
}

func (e *RejectionError) Unwrap() error { return e.Kind }

// Reason maps an error to its wire reason code, or "" for unknown errors.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return ReasonValidation
	case errors.Is(err, ErrQuotaExhausted):
		return ReasonQuotaExhausted
	case errors.Is(err, ErrQuotaChanged):
		return ReasonQuotaChanged
	case errors.Is(err, ErrStorageUnavailable):
		return ReasonStorageUnavailable
	case errors.Is(err, ErrAuth):
		return ReasonAuth
	}
	return ""
}

// KindForReason is the inverse of Reason.
func KindForReason(reason string) error {
	switch reason {
	case ReasonValidation:
		return ErrValidation
	case ReasonQuotaExhausted:
		return ErrQuotaExhausted
	case ReasonQuotaChanged:
		return ErrQuotaChanged
	case ReasonStorageUnavailable:
		return ErrStorageUnavailable
	case ReasonAuth:
		return ErrAuth
	}
	return nil
}
