package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"go.uber.org/zap"

	"github.com/openquill/go-auth-backend/internal/domain"
	"github.com/openquill/go-auth-backend/internal/storage"
)

// StepUpService gates sensitive actions behind a fresh assertion. A grant is
// scoped to exactly one action string and a short wall-clock window; holding
// a valid access token is never enough on its own.
type StepUpService struct {
	store       storage.Store
	credentials *CredentialService
	window      time.Duration
	logger      *zap.Logger
}

// NewStepUpService creates a new StepUpService
func NewStepUpService(store storage.Store, credentials *CredentialService, window time.Duration, logger *zap.Logger) *StepUpService {
	return &StepUpService{
		store:       store,
		credentials: credentials,
		window:      window,
		logger:      logger.Named("stepup-service"),
	}
}

// Begin starts a step-up ceremony for an already-authenticated user and a
// named action. The challenge purpose carries the action so an assertion
// minted for one action cannot confirm another.
func (s *StepUpService) Begin(ctx context.Context, userID domain.UserID, action string) (*protocol.CredentialAssertion, error) {
	if action == "" {
		return nil, ErrInvalidRequest
	}
	return s.credentials.BeginAuthentication(ctx, userID.String(), domain.StepUpPurpose(action))
}

// Finish verifies the assertion and, on success, stores a grant for the
// action valid for the configured window
func (s *StepUpService) Finish(ctx context.Context, userID domain.UserID, action string, response json.RawMessage) (*domain.StepUpGrant, error) {
	if action == "" {
		return nil, ErrInvalidRequest
	}

	assertedUser, _, err := s.credentials.FinishAuthentication(ctx, userID.String(), domain.StepUpPurpose(action), response)
	if err != nil {
		return nil, err
	}
	// The discoverable assertion carries its own user handle; it must be the
	// session's user, not merely any registered passkey.
	if assertedUser != userID {
		return nil, ErrVerificationFailed
	}

	now := time.Now()
	grant := &domain.StepUpGrant{
		UserID:    userID.String(),
		Action:    action,
		GrantedAt: now,
		ExpiresAt: now.Add(s.window),
	}
	if err := s.store.Grants().Put(ctx, grant); err != nil {
		s.logger.Error("Failed to store step-up grant", zap.Error(err))
		return nil, fmt.Errorf("failed to store grant: %w", err)
	}

	s.logger.Info("Step-up granted",
		zap.String("user_id", userID.String()),
		zap.String("action", action),
	)
	return grant, nil
}

// Authorize reports whether the user holds a live grant for exactly this
// action. Expiry is judged by wall clock at call time.
func (s *StepUpService) Authorize(ctx context.Context, userID domain.UserID, action string) (bool, error) {
	grant, err := s.store.Grants().Get(ctx, userID.String(), action)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load grant: %w", err)
	}
	return grant.Covers(action), nil
}

// InvalidateAll drops every grant a user holds. Called alongside mass session
// revocation so a compromised account loses its elevated windows too.
func (s *StepUpService) InvalidateAll(ctx context.Context, userID domain.UserID) error {
	return s.store.Grants().DeleteAllForUser(ctx, userID.String())
}

// DeleteExpired sweeps expired grants
func (s *StepUpService) DeleteExpired(ctx context.Context) error {
	return s.store.Grants().DeleteExpired(ctx)
}
