package contract

import "errors"

var (
	ErrBadEncoding      = errors.New("bad encoding")
	ErrVerification     = errors.New("verification failed")
	ErrIdentityMismatch = errors.New("identity mismatch")
	ErrResolution       = errors.New("resolution failed")
	ErrUnauthorizedCode = errors.New("unauthorized code")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotRegistered    = errors.New("caller is not a registered worker")
	ErrCodeRevoked      = errors.New("worker codehash is no longer approved")
	ErrNotFound         = errors.New("not found")
	ErrOverwriteRefused = errors.New("worker overwrite refused")
	ErrOwnerMismatch    = errors.New("state was initialized with a different owner")
)
