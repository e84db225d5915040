package domain

import (
	"time"
)

// Challenge purposes. Step-up challenges are scoped to a single action via
// StepUpPurpose so a grant can never be satisfied by a challenge issued for
// a different action.
const (
	PurposeRegistration   = "registration"
	PurposeAuthentication = "authentication"
	stepUpPurposePrefix   = "step_up:"
)

// StepUpPurpose returns the challenge purpose for a step-up action
func StepUpPurpose(action string) string {
	return stepUpPurposePrefix + action
}

// Challenge is a single-use cryptographic nonce bound to (owner, purpose).
// At most one live challenge exists per (OwnerKey, Purpose); issuing a new
// one overwrites the old.
type Challenge struct {
	OwnerKey  string    `json:"owner_key" bson:"owner_key"`
	Purpose   string    `json:"purpose" bson:"purpose"`
	Value     string    `json:"value" bson:"value"` // base64url, >=32 random bytes
	ExpiresAt time.Time `json:"expires_at" bson:"expires_at"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// IsExpired checks if the challenge has expired
func (c *Challenge) IsExpired() bool {
	return time.Now().After(c.ExpiresAt)
}
