package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openquill/go-auth-backend/internal/domain"
	"github.com/openquill/go-auth-backend/internal/storage"
	"github.com/openquill/go-auth-backend/pkg/tokencipher"
)

// refreshAAD binds refresh envelopes to their purpose so a ciphertext minted
// for one token type can never be replayed as another.
var refreshAAD = []byte("refresh-token")

// refreshPayload is the plaintext inside a refresh token envelope
type refreshPayload struct {
	SessionID string `json:"sid"`
	TokenID   string `json:"tid"`
	UserID    string `json:"sub"`
}

// SessionService manages refresh sessions: opaque encrypted refresh tokens,
// one-time rotation, and reuse detection. A presented token that is valid
// ciphertext but carries a superseded token id for its own session is treated
// as proof of theft, not as a stale retry.
type SessionService struct {
	store        storage.Store
	cipher       *tokencipher.Cipher
	sessionTTL   time.Duration
	usedTokenTTL time.Duration
	logger       *zap.Logger
}

// NewSessionService creates a new SessionService
func NewSessionService(store storage.Store, cipher *tokencipher.Cipher, sessionTTL, usedTokenTTL time.Duration, logger *zap.Logger) *SessionService {
	return &SessionService{
		store:        store,
		cipher:       cipher,
		sessionTTL:   sessionTTL,
		usedTokenTTL: usedTokenTTL,
		logger:       logger.Named("session-service"),
	}
}

func (s *SessionService) sealToken(session *domain.RefreshSession) (string, error) {
	payload := refreshPayload{
		SessionID: session.ID,
		TokenID:   session.CurrentTokenID,
		UserID:    session.UserID,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal refresh payload: %w", err)
	}
	return s.cipher.EncryptToString(data, refreshAAD)
}

func (s *SessionService) openToken(token string) (*refreshPayload, error) {
	data, err := s.cipher.DecryptString(token, refreshAAD)
	if err != nil {
		return nil, ErrInvalidToken
	}
	var payload refreshPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, ErrInvalidToken
	}
	if payload.SessionID == "" || payload.TokenID == "" || payload.UserID == "" {
		return nil, ErrInvalidToken
	}
	return &payload, nil
}

// Create opens a new refresh session for a user and returns the session plus
// its first refresh token
func (s *SessionService) Create(ctx context.Context, userID domain.UserID) (*domain.RefreshSession, string, error) {
	now := time.Now()
	session := &domain.RefreshSession{
		ID:             domain.NewSessionID(),
		UserID:         userID.String(),
		CurrentTokenID: domain.NewTokenID(),
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.sessionTTL),
	}

	if err := s.store.Sessions().Create(ctx, session); err != nil {
		s.logger.Error("Failed to create session", zap.Error(err))
		return nil, "", fmt.Errorf("failed to create session: %w", err)
	}

	token, err := s.sealToken(session)
	if err != nil {
		return nil, "", err
	}

	s.logger.Info("Session created",
		zap.String("user_id", userID.String()),
		zap.String("session_id", session.ID),
	)
	return session, token, nil
}

// Rotate exchanges a refresh token for a new one, invalidating the old token
// id in the same step. Exactly one of two concurrent presentations of the
// same token wins; the loser, and any later presentation of a superseded
// token, gets ErrReuseDetected so the caller can trigger mass revocation.
func (s *SessionService) Rotate(ctx context.Context, token string) (*domain.RefreshSession, string, error) {
	payload, err := s.openToken(token)
	if err != nil {
		return nil, "", err
	}

	session, err := s.store.Sessions().GetByID(ctx, payload.SessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, "", ErrSessionNotFound
		}
		return nil, "", fmt.Errorf("failed to load session: %w", err)
	}
	if session.UserID != payload.UserID {
		return nil, "", ErrInvalidToken
	}
	if session.Revoked {
		return nil, "", ErrSessionRevoked
	}
	if session.IsExpired() {
		return nil, "", ErrSessionExpired
	}

	if payload.TokenID != session.CurrentTokenID {
		return session, "", s.classifyStaleToken(ctx, session, payload.TokenID)
	}

	newTokenID := domain.NewTokenID()
	if err := s.store.Sessions().Rotate(ctx, session.ID, payload.TokenID, newTokenID); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return session, "", s.classifyRotateConflict(ctx, session.ID, payload.TokenID)
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil, "", ErrSessionNotFound
		}
		return nil, "", fmt.Errorf("failed to rotate session: %w", err)
	}

	used := &domain.UsedToken{
		TokenID:   payload.TokenID,
		SessionID: session.ID,
		UserID:    session.UserID,
		RotatedAt: time.Now(),
		ExpiresAt: time.Now().Add(s.usedTokenTTL),
	}
	if err := s.store.Sessions().MarkTokenUsed(ctx, used); err != nil {
		s.logger.Error("Failed to index used token", zap.Error(err))
	}

	session.RotatedFrom = payload.TokenID
	session.CurrentTokenID = newTokenID

	newToken, err := s.sealToken(session)
	if err != nil {
		return nil, "", err
	}
	return session, newToken, nil
}

// classifyStaleToken decides what a non-current token id means. A token id
// this session rotated away from, whether recorded on the session itself or
// in the used index, was once legitimately issued: presenting it again is
// reuse. Anything else was never current for this session. The rotated_from
// check comes first because the swap writes it atomically while the used
// index is filled in afterwards.
func (s *SessionService) classifyStaleToken(ctx context.Context, session *domain.RefreshSession, tokenID string) error {
	if session.RotatedFrom == tokenID {
		s.logger.Warn("Refresh token reuse detected",
			zap.String("user_id", session.UserID),
			zap.String("session_id", session.ID),
		)
		return ErrReuseDetected
	}
	used, err := s.store.Sessions().GetUsedToken(ctx, tokenID)
	if err == nil && used.SessionID == session.ID {
		s.logger.Warn("Refresh token reuse detected",
			zap.String("user_id", session.UserID),
			zap.String("session_id", session.ID),
		)
		return ErrReuseDetected
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to check used token: %w", err)
	}
	return ErrTokenMismatch
}

// classifyRotateConflict handles a conditional swap that lost. Re-read the
// session: if it was revoked or expired mid-flight report that; otherwise the
// token was superseded by a concurrent rotation of the very same token, which
// is the attacker-races-victim case and counts as reuse.
func (s *SessionService) classifyRotateConflict(ctx context.Context, sessionID, tokenID string) error {
	session, err := s.store.Sessions().GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("failed to load session: %w", err)
	}
	if session.Revoked {
		return ErrSessionRevoked
	}
	if session.IsExpired() {
		return ErrSessionExpired
	}

	s.logger.Warn("Refresh token reuse detected on rotation race",
		zap.String("user_id", session.UserID),
		zap.String("session_id", session.ID),
	)
	return ErrReuseDetected
}

// Revoke ends the session a refresh token belongs to (logout). The token must
// still be valid ciphertext, but a superseded token id is accepted: logout of
// an already-rotated client should still kill the session.
func (s *SessionService) Revoke(ctx context.Context, token string) (*domain.RefreshSession, error) {
	payload, err := s.openToken(token)
	if err != nil {
		return nil, err
	}

	session, err := s.store.Sessions().GetByID(ctx, payload.SessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session.UserID != payload.UserID {
		return nil, ErrInvalidToken
	}

	if err := s.store.Sessions().Revoke(ctx, session.ID); err != nil {
		return nil, fmt.Errorf("failed to revoke session: %w", err)
	}
	session.Revoked = true

	s.logger.Info("Session revoked",
		zap.String("user_id", session.UserID),
		zap.String("session_id", session.ID),
	)
	return session, nil
}

// RevokeAllForUser revokes every session a user holds and returns how many
// were live. This is the remediation path for reuse detection and counter
// regression.
func (s *SessionService) RevokeAllForUser(ctx context.Context, userID domain.UserID) (int64, error) {
	count, err := s.store.Sessions().RevokeAllForUser(ctx, userID.String())
	if err != nil {
		return 0, fmt.Errorf("failed to revoke sessions: %w", err)
	}
	s.logger.Warn("All sessions revoked",
		zap.String("user_id", userID.String()),
		zap.Int64("count", count),
	)
	return count, nil
}

// DeleteExpiredUsedTokens prunes the used-token index
func (s *SessionService) DeleteExpiredUsedTokens(ctx context.Context) error {
	return s.store.Sessions().DeleteExpiredUsedTokens(ctx)
}
