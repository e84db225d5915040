package domain

import (
	"time"
)

// Credential is one WebAuthn public-key credential bound to a user.
// The ID is the raw credential id as returned by the authenticator,
// base64url-encoded for storage.
type Credential struct {
	ID              string     `json:"id" bson:"_id"`
	UserID          string     `json:"user_id" bson:"user_id"`
	PublicKey       []byte     `json:"public_key" bson:"public_key"` // COSE-encoded
	AttestationType string     `json:"attestation_type" bson:"attestation_type"`
	SignatureCount  uint32     `json:"signature_count" bson:"signature_count"`
	Transports      []string   `json:"transports" bson:"transports"`
	Flags           uint8      `json:"flags" bson:"flags"`
	AAGUID          []byte     `json:"aaguid" bson:"aaguid"`
	Label           string     `json:"label,omitempty" bson:"label,omitempty"`
	CreatedAt       time.Time  `json:"created_at" bson:"created_at"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty" bson:"last_used_at,omitempty"`
}

// Credential flag bits as stored (mirrors the authenticator data flags byte)
const (
	FlagUserPresent    uint8 = 0x01
	FlagUserVerified   uint8 = 0x04
	FlagBackupEligible uint8 = 0x08
	FlagBackupState    uint8 = 0x10
)
