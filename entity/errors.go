package entity

import "errors"

// Sentinel errors of the entitlement core. Callers match them with errors.Is
// and render or map them; the text never reaches end users directly.
var (
	// ErrNotFound: no record for the given secret, code, or id.
	ErrNotFound = errors.New("not found")
	// ErrConflict: the operation would violate a uniqueness rule, or the
	// caller already performed it (duplicate redemption, existing plan key).
	ErrConflict = errors.New("conflict")
	// ErrExpired: the key or gift card is past its expiry timestamp.
	ErrExpired = errors.New("expired")
	// ErrExhausted: the gift card has no redemption slots left.
	ErrExhausted = errors.New("exhausted")
	// ErrInactive: the key or gift card was deactivated.
	ErrInactive = errors.New("inactive")
	// ErrIneligible: the caller does not meet the referral threshold.
	ErrIneligible = errors.New("ineligible")
	// ErrValidation: the input itself is malformed.
	ErrValidation = errors.New("validation failed")
	// ErrStoreUnavailable: transient store failure, the only retryable one.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Terminal reports whether err is a final answer rather than a transient
// failure worth retrying.
func Terminal(err error) bool {
	return err != nil && !errors.Is(err, ErrStoreUnavailable)
}
