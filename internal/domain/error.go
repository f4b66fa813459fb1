package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound        = errors.New("entity not found")
	ErrAlreadyExists   = errors.New("entity already exists")
	ErrInvalidArgument = errors.New("invalid argument")

	// Auth
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")

	// Referral business failures. These are user-displayable.
	ErrCodeNotFound    = errors.New("referral code not found")
	ErrCodeExpired     = errors.New("referral code has expired")
	ErrCodeExhausted   = errors.New("referral code has reached its usage limit")
	ErrCodeRevoked     = errors.New("referral code has been revoked")
	ErrAlreadyReferred = errors.New("user has already been referred")
	ErrSelfReferral    = errors.New("users cannot redeem their own referral code")

	// Operational failures. Never shown to clients verbatim.
	ErrGenerationExhausted = errors.New("referral code generation exhausted retry budget")
	ErrStoreFailure        = errors.New("referral store failure")
	ErrInvalidExecContext  = errors.New("invalid exec context")
)

// IsBusinessFailure reports whether err is a rule violation the caller
// can act on, as opposed to an infrastructure problem.
func IsBusinessFailure(err error) bool {
	switch {
	case errors.Is(err, ErrCodeNotFound),
		errors.Is(err, ErrCodeExpired),
		errors.Is(err, ErrCodeExhausted),
		errors.Is(err, ErrCodeRevoked),
		errors.Is(err, ErrAlreadyReferred),
		errors.Is(err, ErrSelfReferral),
		errors.Is(err, ErrInvalidArgument):
		return true
	}
	return false
}
