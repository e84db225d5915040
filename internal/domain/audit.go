package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Audit event types
const (
	AuditCredentialRegistered = "credential.registered"
	AuditCredentialRevoked    = "credential.revoked"
	AuditLogin                = "user.login"
	AuditLoginFailed          = "user.login_failed"
	AuditLogout               = "user.logout"
	AuditTokenRefresh         = "token.refresh"
	AuditTokenReuse           = "refresh_token_reuse"
	AuditCounterRegression    = "credential.counter_regression"
	AuditSessionsRevoked      = "session.revoked_all"
	AuditStepUpGranted        = "step_up.granted"
	AuditStepUpFailed         = "step_up.failed"
	AuditCodeExchanged        = "oauth.code_exchanged"
)

// GenesisHash is the prev_hash of the first entry in every user's chain.
var GenesisHash = hex.EncodeToString(make([]byte, sha256.Size))

// AuditEntry is one append-only row in a user's hash chain. EventData is
// opaque to the chain logic; the hash covers the exact bytes as persisted,
// so callers must not rewrite the raw message after append.
type AuditEntry struct {
	ID        int64           `json:"id" bson:"_id"`
	UserID    string          `json:"user_id" bson:"user_id"`
	EventType string          `json:"event_type" bson:"event_type"`
	EventData json.RawMessage `json:"event_data" bson:"event_data"`
	PrevHash  string          `json:"prev_hash" bson:"prev_hash"`
	EntryHash string          `json:"entry_hash" bson:"entry_hash"`
	CreatedAt time.Time       `json:"created_at" bson:"created_at"`
}

// ComputeEntryHash computes the chain hash for an entry from its recorded
// fields. The layout is fixed: NUL-separated user_id, event_type, raw event
// data bytes, hex prev hash and the RFC3339Nano UTC timestamp. Changing this
// layout invalidates every existing chain.
func ComputeEntryHash(userID, eventType string, eventData []byte, prevHash string, createdAt time.Time) string {
	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(eventType))
	h.Write([]byte{0})
	h.Write(eventData)
	h.Write([]byte{0})
	h.Write([]byte(prevHash))
	h.Write([]byte{0})
	h.Write([]byte(createdAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}

// Hash recomputes the entry's hash from its recorded fields
func (e *AuditEntry) Hash() string {
	return ComputeEntryHash(e.UserID, e.EventType, e.EventData, e.PrevHash, e.CreatedAt)
}
