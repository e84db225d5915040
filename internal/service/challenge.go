package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openquill/go-auth-backend/internal/domain"
	"github.com/openquill/go-auth-backend/internal/storage"
)

const challengeSize = 32

// ChallengeService issues and consumes single-use cryptographic challenges.
// At most one challenge is live per (owner_key, purpose); consuming is an
// atomic check-and-delete, so a challenge can finish at most one ceremony.
type ChallengeService struct {
	store  storage.Store
	ttl    time.Duration
	logger *zap.Logger
}

// NewChallengeService creates a new ChallengeService
func NewChallengeService(store storage.Store, ttl time.Duration, logger *zap.Logger) *ChallengeService {
	return &ChallengeService{
		store:  store,
		ttl:    ttl,
		logger: logger.Named("challenge-service"),
	}
}

// Issue generates a fresh random challenge value for (ownerKey, purpose),
// overwriting any live challenge for the same pair.
func (s *ChallengeService) Issue(ctx context.Context, ownerKey, purpose string) (string, error) {
	raw := make([]byte, challengeSize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	value := base64.RawURLEncoding.EncodeToString(raw)

	if err := s.StoreIssued(ctx, ownerKey, purpose, value); err != nil {
		return "", err
	}
	return value, nil
}

// StoreIssued persists a challenge value generated elsewhere (the WebAuthn
// library mints its own ceremony challenges) under the same single-use
// semantics as Issue.
func (s *ChallengeService) StoreIssued(ctx context.Context, ownerKey, purpose, value string) error {
	now := time.Now()
	challenge := &domain.Challenge{
		OwnerKey:  ownerKey,
		Purpose:   purpose,
		Value:     value,
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
	}

	if err := s.store.Challenges().Put(ctx, challenge); err != nil {
		s.logger.Error("Failed to store challenge", zap.Error(err))
		return fmt.Errorf("failed to store challenge: %w", err)
	}
	return nil
}

// Consume atomically validates and deletes the challenge for
// (ownerKey, purpose). Replay of a consumed or expired challenge fails
// closed.
func (s *ChallengeService) Consume(ctx context.Context, ownerKey, purpose, value string) error {
	challenge, err := s.store.Challenges().Consume(ctx, ownerKey, purpose, value)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return ErrChallengeNotFound
		case errors.Is(err, storage.ErrConflict):
			return ErrChallengeMismatch
		default:
			return fmt.Errorf("failed to consume challenge: %w", err)
		}
	}

	if challenge.IsExpired() {
		return ErrChallengeExpired
	}
	return nil
}

// DeleteExpired sweeps expired challenges
func (s *ChallengeService) DeleteExpired(ctx context.Context) error {
	return s.store.Challenges().DeleteExpired(ctx)
}
