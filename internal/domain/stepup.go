package domain

import (
	"time"
)

// StepUpGrant is an ephemeral proof that the user completed a fresh strong
// authentication for one specific action. Expiry is checked by wall clock at
// read time; there is no stored "expired" state.
type StepUpGrant struct {
	UserID    string    `json:"user_id" bson:"user_id"`
	Action    string    `json:"action" bson:"action"`
	GrantedAt time.Time `json:"granted_at" bson:"granted_at"`
	ExpiresAt time.Time `json:"expires_at" bson:"expires_at"`
}

// IsExpired checks if the grant has expired
func (g *StepUpGrant) IsExpired() bool {
	return time.Now().After(g.ExpiresAt)
}

// Covers reports whether the grant is live and was issued for exactly this action
func (g *StepUpGrant) Covers(action string) bool {
	return g.Action == action && !g.IsExpired()
}
