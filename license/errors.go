package license

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidFormat rejects a malformed key before any network call.
	ErrInvalidFormat = errors.New("license key format invalid")

	// ErrLicenseInvalid is the authoritative rejection. No offline
	// fallback applies to it.
	ErrLicenseInvalid = errors.New("license key invalid")

	// ErrAuthorityUnreachable is internal: the validator absorbs it into
	// a degraded grant instead of surfacing it to callers.
	ErrAuthorityUnreachable = errors.New("license authority unreachable")
)

// QuotaExceededError carries enough detail for the caller to act.
type QuotaExceededError struct {
	Current int64
	Limit   int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("monthly usage limit exceeded (%d/%d)", e.Current, e.Limit)
}

// BatchTooLargeError rejects a batch operation whose item count exceeds
// the tier's batch size.
type BatchTooLargeError struct {
	Size  int64
	Limit int64
}

func (e *BatchTooLargeError) Error() string {
	return fmt.Sprintf("batch size %d exceeds limit %d", e.Size, e.Limit)
}
