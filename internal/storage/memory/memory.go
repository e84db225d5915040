package memory

import (
	"context"
	"sync"
	"time"

	"github.com/openquill/go-auth-backend/internal/domain"
	"github.com/openquill/go-auth-backend/internal/storage"
)

// Store implements an in-memory storage
type Store struct {
	credentials *CredentialStore
	challenges  *ChallengeStore
	sessions    *SessionStore
	audit       *AuditStore
	grants      *GrantStore
	oauth       *OAuthStore
}

// NewStore creates a new in-memory store
func NewStore() *Store {
	return &Store{
		credentials: &CredentialStore{data: make(map[string]*domain.Credential)},
		challenges:  &ChallengeStore{data: make(map[string]*domain.Challenge)},
		sessions: &SessionStore{
			data: make(map[string]*domain.RefreshSession),
			used: make(map[string]*domain.UsedToken),
		},
		audit:  &AuditStore{data: make(map[string][]*domain.AuditEntry)},
		grants: &GrantStore{data: make(map[string]*domain.StepUpGrant)},
		oauth: &OAuthStore{
			requests: make(map[string]*domain.AuthorizationRequest),
			codes:    make(map[string]*domain.AuthorizationCode),
		},
	}
}

func (s *Store) Credentials() storage.CredentialStore { return s.credentials }
func (s *Store) Challenges() storage.ChallengeStore   { return s.challenges }
func (s *Store) Sessions() storage.SessionStore       { return s.sessions }
func (s *Store) Audit() storage.AuditStore            { return s.audit }
func (s *Store) Grants() storage.GrantStore           { return s.grants }
func (s *Store) OAuth() storage.OAuthStore            { return s.oauth }
func (s *Store) Close() error                         { return nil }
func (s *Store) Ping(ctx context.Context) error       { return nil }

// CredentialStore implements in-memory credential storage
type CredentialStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Credential
}

func (s *CredentialStore) Create(ctx context.Context, credential *domain.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[credential.ID]; exists {
		return storage.ErrAlreadyExists
	}

	if credential.CreatedAt.IsZero() {
		credential.CreatedAt = time.Now()
	}
	s.data[credential.ID] = credential
	return nil
}

func (s *CredentialStore) GetByID(ctx context.Context, id string) (*domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	credential, exists := s.data[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return credential, nil
}

func (s *CredentialStore) GetAllByUser(ctx context.Context, userID string) ([]*domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	credentials := make([]*domain.Credential, 0)
	for _, cred := range s.data {
		if cred.UserID == userID {
			credentials = append(credentials, cred)
		}
	}
	return credentials, nil
}

func (s *CredentialStore) UpdateCounter(ctx context.Context, id string, counter uint32, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, exists := s.data[id]
	if !exists {
		return storage.ErrNotFound
	}

	cred.SignatureCount = counter
	cred.LastUsedAt = &usedAt
	return nil
}

func (s *CredentialStore) UpdateLabel(ctx context.Context, id, userID, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, exists := s.data[id]
	if !exists || cred.UserID != userID {
		return storage.ErrNotFound
	}

	cred.Label = label
	return nil
}

func (s *CredentialStore) Delete(ctx context.Context, id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, exists := s.data[id]
	if !exists || cred.UserID != userID {
		return storage.ErrNotFound
	}

	delete(s.data, id)
	return nil
}

// ChallengeStore implements in-memory challenge storage
type ChallengeStore struct {
	mu   sync.Mutex
	data map[string]*domain.Challenge // key: "ownerKey|purpose"
}

func challengeKey(ownerKey, purpose string) string {
	return ownerKey + "|" + purpose
}

func (s *ChallengeStore) Put(ctx context.Context, challenge *domain.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// At most one live challenge per (owner, purpose): overwrite
	s.data[challengeKey(challenge.OwnerKey, challenge.Purpose)] = challenge
	return nil
}

func (s *ChallengeStore) Consume(ctx context.Context, ownerKey, purpose, value string) (*domain.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := challengeKey(ownerKey, purpose)
	challenge, exists := s.data[key]
	if !exists {
		return nil, storage.ErrNotFound
	}

	if challenge.Value != value {
		return nil, storage.ErrConflict
	}

	delete(s.data, key)
	return challenge, nil
}

func (s *ChallengeStore) DeleteExpired(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, challenge := range s.data {
		if now.After(challenge.ExpiresAt) {
			delete(s.data, key)
		}
	}
	return nil
}

// SessionStore implements in-memory refresh session storage
type SessionStore struct {
	mu   sync.Mutex
	data map[string]*domain.RefreshSession
	used map[string]*domain.UsedToken
}

func (s *SessionStore) Create(ctx context.Context, session *domain.RefreshSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[session.ID]; exists {
		return storage.ErrAlreadyExists
	}

	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	s.data[session.ID] = session
	return nil
}

func (s *SessionStore) GetByID(ctx context.Context, id string) (*domain.RefreshSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.data[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	copied := *session
	return &copied, nil
}

func (s *SessionStore) Rotate(ctx context.Context, sessionID, currentTokenID, newTokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.data[sessionID]
	if !exists {
		return storage.ErrNotFound
	}

	if session.Revoked || session.IsExpired() || session.CurrentTokenID != currentTokenID {
		return storage.ErrConflict
	}

	session.RotatedFrom = session.CurrentTokenID
	session.CurrentTokenID = newTokenID
	return nil
}

func (s *SessionStore) Revoke(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.data[sessionID]
	if !exists {
		return storage.ErrNotFound
	}

	session.Revoked = true
	return nil
}

func (s *SessionStore) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var revoked int64
	for _, session := range s.data {
		if session.UserID == userID && !session.Revoked {
			session.Revoked = true
			revoked++
		}
	}
	return revoked, nil
}

func (s *SessionStore) MarkTokenUsed(ctx context.Context, used *domain.UsedToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.used[used.TokenID] = used
	return nil
}

func (s *SessionStore) GetUsedToken(ctx context.Context, tokenID string) (*domain.UsedToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	used, exists := s.used[tokenID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	if time.Now().After(used.ExpiresAt) {
		delete(s.used, tokenID)
		return nil, storage.ErrNotFound
	}
	return used, nil
}

func (s *SessionStore) DeleteExpiredUsedTokens(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, used := range s.used {
		if now.After(used.ExpiresAt) {
			delete(s.used, id)
		}
	}
	return nil
}

// AuditStore implements in-memory append-only audit storage
type AuditStore struct {
	mu     sync.RWMutex
	data   map[string][]*domain.AuditEntry
	nextID int64
}

func (s *AuditStore) Append(ctx context.Context, entry *domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	entry.ID = s.nextID
	s.data[entry.UserID] = append(s.data[entry.UserID], entry)
	return nil
}

func (s *AuditStore) GetTail(ctx context.Context, userID string) (*domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.data[userID]
	if len(entries) == 0 {
		return nil, storage.ErrNotFound
	}
	return entries[len(entries)-1], nil
}

func (s *AuditStore) GetAllByUser(ctx context.Context, userID string) ([]*domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]*domain.AuditEntry, len(s.data[userID]))
	copy(entries, s.data[userID])
	return entries, nil
}

// GrantStore implements in-memory step-up grant storage
type GrantStore struct {
	mu   sync.Mutex
	data map[string]*domain.StepUpGrant // key: "userID|action"
}

func grantKey(userID, action string) string {
	return userID + "|" + action
}

func (s *GrantStore) Put(ctx context.Context, grant *domain.StepUpGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[grantKey(grant.UserID, grant.Action)] = grant
	return nil
}

func (s *GrantStore) Get(ctx context.Context, userID, action string) (*domain.StepUpGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	grant, exists := s.data[grantKey(userID, action)]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return grant, nil
}

func (s *GrantStore) DeleteAllForUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, grant := range s.data {
		if grant.UserID == userID {
			delete(s.data, key)
		}
	}
	return nil
}

func (s *GrantStore) DeleteExpired(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, grant := range s.data {
		if now.After(grant.ExpiresAt) {
			delete(s.data, key)
		}
	}
	return nil
}

// OAuthStore implements in-memory PKCE/PAR state storage
type OAuthStore struct {
	mu       sync.Mutex
	requests map[string]*domain.AuthorizationRequest
	codes    map[string]*domain.AuthorizationCode
}

func (s *OAuthStore) PutRequest(ctx context.Context, req *domain.AuthorizationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests[req.RequestURI] = req
	return nil
}

func (s *OAuthStore) ConsumeRequest(ctx context.Context, requestURI string) (*domain.AuthorizationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, exists := s.requests[requestURI]
	if !exists {
		return nil, storage.ErrNotFound
	}
	delete(s.requests, requestURI)

	if req.IsExpired() {
		return nil, storage.ErrNotFound
	}
	return req, nil
}

func (s *OAuthStore) PutCode(ctx context.Context, code *domain.AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.codes[code.Code] = code
	return nil
}

func (s *OAuthStore) ConsumeCode(ctx context.Context, code string) (*domain.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, exists := s.codes[code]
	if !exists {
		return nil, storage.ErrNotFound
	}
	delete(s.codes, code)

	if c.IsExpired() {
		return nil, storage.ErrNotFound
	}
	return c, nil
}

func (s *OAuthStore) DeleteExpired(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for uri, req := range s.requests {
		if now.After(req.ExpiresAt) {
			delete(s.requests, uri)
		}
	}
	for code, c := range s.codes {
		if now.After(c.ExpiresAt) {
			delete(s.codes, code)
		}
	}
	return nil
}
