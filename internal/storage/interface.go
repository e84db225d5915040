package storage

import (
	"context"
	"errors"
	"time"

	"github.com/openquill/go-auth-backend/internal/domain"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrConflict      = errors.New("conflict")
	ErrDatabase      = errors.New("database error")
)

// CredentialStore defines the interface for WebAuthn credential storage
type CredentialStore interface {
	// Create creates a new credential
	Create(ctx context.Context, credential *domain.Credential) error

	// GetByID retrieves a credential by its id
	GetByID(ctx context.Context, id string) (*domain.Credential, error)

	// GetAllByUser retrieves all credentials for a user
	GetAllByUser(ctx context.Context, userID string) ([]*domain.Credential, error)

	// UpdateCounter persists the signature counter and last-used timestamp
	// after a fully verified assertion
	UpdateCounter(ctx context.Context, id string, counter uint32, usedAt time.Time) error

	// UpdateLabel renames a credential
	UpdateLabel(ctx context.Context, id, userID, label string) error

	// Delete removes a credential (explicit user revocation)
	Delete(ctx context.Context, id, userID string) error
}

// ChallengeStore defines the interface for single-use challenge storage.
// Consume must be atomic: check-and-delete in one logical step so two
// concurrent consumers can never both succeed.
type ChallengeStore interface {
	// Put stores a challenge, overwriting any live challenge for the same
	// (owner_key, purpose)
	Put(ctx context.Context, challenge *domain.Challenge) error

	// Consume atomically deletes and returns the challenge for
	// (owner_key, purpose) if its value matches. Expiry is not checked
	// here; the caller compares ExpiresAt against the wall clock after the
	// delete so a second consumer still fails closed with ErrNotFound.
	// A challenge with a different value returns ErrConflict and is left
	// in place.
	Consume(ctx context.Context, ownerKey, purpose, value string) (*domain.Challenge, error)

	// DeleteExpired removes all expired challenges
	DeleteExpired(ctx context.Context) error
}

// SessionStore defines the interface for refresh session storage
type SessionStore interface {
	// Create creates a new refresh session
	Create(ctx context.Context, session *domain.RefreshSession) error

	// GetByID retrieves a session by id
	GetByID(ctx context.Context, id string) (*domain.RefreshSession, error)

	// Rotate atomically swaps currentTokenID for newTokenID on the given
	// session, provided the session is unrevoked, unexpired and its current
	// token id equals currentTokenID. Returns ErrConflict when the
	// conditional swap does not match; exactly one of two racing callers
	// can succeed.
	Rotate(ctx context.Context, sessionID, currentTokenID, newTokenID string) error

	// Revoke marks a session revoked. Sessions are never deleted.
	Revoke(ctx context.Context, sessionID string) error

	// RevokeAllForUser revokes every session belonging to a user and
	// returns the number of sessions revoked
	RevokeAllForUser(ctx context.Context, userID string) (int64, error)

	// MarkTokenUsed records a superseded token id in the used-token index
	MarkTokenUsed(ctx context.Context, used *domain.UsedToken) error

	// GetUsedToken looks up a token id in the used-token index
	GetUsedToken(ctx context.Context, tokenID string) (*domain.UsedToken, error)

	// DeleteExpiredUsedTokens prunes the used-token index
	DeleteExpiredUsedTokens(ctx context.Context) error
}

// AuditStore defines the interface for append-only audit storage. Append
// ordering per user is the caller's responsibility (the audit service
// serializes per-user appends); the store only persists and reads back in
// creation order.
type AuditStore interface {
	// Append writes a new entry and assigns its id
	Append(ctx context.Context, entry *domain.AuditEntry) error

	// GetTail returns the most recent entry for a user, or ErrNotFound
	// when the chain is empty
	GetTail(ctx context.Context, userID string) (*domain.AuditEntry, error)

	// GetAllByUser returns all entries for a user in creation order
	GetAllByUser(ctx context.Context, userID string) ([]*domain.AuditEntry, error)
}

// GrantStore defines the interface for step-up grant storage
type GrantStore interface {
	// Put stores a grant, overwriting any existing grant for the same
	// (user_id, action)
	Put(ctx context.Context, grant *domain.StepUpGrant) error

	// Get retrieves the grant for (user_id, action)
	Get(ctx context.Context, userID, action string) (*domain.StepUpGrant, error)

	// DeleteAllForUser removes every grant a user holds
	DeleteAllForUser(ctx context.Context, userID string) error

	// DeleteExpired removes all expired grants
	DeleteExpired(ctx context.Context) error
}

// OAuthStore defines the interface for PKCE/PAR state. Both collections are
// single-use: Consume* atomically deletes on read.
type OAuthStore interface {
	// PutRequest stores a pushed authorization request
	PutRequest(ctx context.Context, req *domain.AuthorizationRequest) error

	// ConsumeRequest atomically deletes and returns an unexpired request
	ConsumeRequest(ctx context.Context, requestURI string) (*domain.AuthorizationRequest, error)

	// PutCode stores an authorization code
	PutCode(ctx context.Context, code *domain.AuthorizationCode) error

	// ConsumeCode atomically deletes and returns an unexpired code
	ConsumeCode(ctx context.Context, code string) (*domain.AuthorizationCode, error)

	// DeleteExpired removes expired requests and codes
	DeleteExpired(ctx context.Context) error
}

// Store aggregates all storage interfaces
type Store interface {
	Credentials() CredentialStore
	Challenges() ChallengeStore
	Sessions() SessionStore
	Audit() AuditStore
	Grants() GrantStore
	OAuth() OAuthStore

	// Close closes the storage connection
	Close() error

	// Ping checks if the storage is alive
	Ping(ctx context.Context) error
}
