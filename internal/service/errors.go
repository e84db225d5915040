package service

import "errors"

// Validation errors: rejected locally, retrying with the same input cannot
// succeed.
var (
	ErrChallengeNotFound  = errors.New("challenge not found")
	ErrChallengeExpired   = errors.New("challenge expired")
	ErrChallengeMismatch  = errors.New("challenge mismatch")
	ErrCredentialNotFound = errors.New("credential not found")
	ErrVerificationFailed = errors.New("verification failed")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionRevoked     = errors.New("session revoked")
	ErrSessionExpired     = errors.New("session expired")
	ErrTokenMismatch      = errors.New("token mismatch")
	ErrInvalidToken       = errors.New("invalid token")
	ErrInvalidVerifier    = errors.New("invalid code verifier")
	ErrInvalidRequest     = errors.New("invalid request")
)

// Security-incident errors: always paired with an audit entry and, for
// reuse, a cascading revocation of every session the user holds. Reported
// outward as a generic authentication failure; the distinct kind drives
// audit logging and remediation internally.
var (
	ErrReuseDetected     = errors.New("refresh token reuse detected")
	ErrCounterRegression = errors.New("signature counter regression")
)
