package domain

import (
	"time"

	"github.com/google/uuid"
)

// RefreshSession is one logical device-login lineage. Exactly one token id
// is current at any time; rotation swaps it atomically. Sessions are never
// deleted, only revoked, so the lineage stays available for audit.
type RefreshSession struct {
	ID             string    `json:"id" bson:"_id"`
	UserID         string    `json:"user_id" bson:"user_id"`
	CurrentTokenID string    `json:"current_token_id" bson:"current_token_id"`
	RotatedFrom    string    `json:"rotated_from,omitempty" bson:"rotated_from,omitempty"` // lineage only, never an ownership edge
	Revoked        bool      `json:"revoked" bson:"revoked"`
	CreatedAt      time.Time `json:"created_at" bson:"created_at"`
	ExpiresAt      time.Time `json:"expires_at" bson:"expires_at"`
}

// IsExpired checks if the session has expired
func (s *RefreshSession) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// UsedToken records a token id that was once current for a session and has
// since been rotated away. The index is short-lived; it only needs to cover
// the window in which a stolen-then-replayed token is plausible, and it is
// what lets the reuse detector tell "known, superseded" apart from "never
// issued".
type UsedToken struct {
	TokenID   string    `json:"token_id" bson:"_id"`
	SessionID string    `json:"session_id" bson:"session_id"`
	UserID    string    `json:"user_id" bson:"user_id"`
	RotatedAt time.Time `json:"rotated_at" bson:"rotated_at"`
	ExpiresAt time.Time `json:"expires_at" bson:"expires_at"`
}

// NewTokenID mints an opaque token identifier
func NewTokenID() string {
	return uuid.New().String()
}

// NewSessionID mints a session identifier
func NewSessionID() string {
	return uuid.New().String()
}
