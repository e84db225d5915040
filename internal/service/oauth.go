package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openquill/go-auth-backend/internal/domain"
	"github.com/openquill/go-auth-backend/internal/storage"
)

// OAuthService implements the PKCE + PAR slice of the authorization-code
// flow. Only the S256 challenge method is accepted; both request URIs and
// authorization codes are single-use with atomic consumption.
type OAuthService struct {
	store         storage.Store
	requestURITTL time.Duration
	codeTTL       time.Duration
	logger        *zap.Logger
}

// NewOAuthService creates a new OAuthService
func NewOAuthService(store storage.Store, requestURITTL, codeTTL time.Duration, logger *zap.Logger) *OAuthService {
	return &OAuthService{
		store:         store,
		requestURITTL: requestURITTL,
		codeTTL:       codeTTL,
		logger:        logger.Named("oauth-service"),
	}
}

// PushRequest accepts a pushed authorization request and returns its
// request_uri reference plus the remaining lifetime in seconds
func (s *OAuthService) PushRequest(ctx context.Context, clientID, redirectURI, codeChallenge, codeChallengeMethod, scope string) (string, int, error) {
	if clientID == "" || redirectURI == "" || codeChallenge == "" {
		return "", 0, ErrInvalidRequest
	}
	if codeChallengeMethod != "S256" {
		return "", 0, ErrInvalidRequest
	}
	// S256 challenges are base64url(sha256), always 43 chars unpadded
	if len(codeChallenge) != 43 {
		return "", 0, ErrInvalidRequest
	}

	now := time.Now()
	req := &domain.AuthorizationRequest{
		RequestURI:          domain.RequestURIPrefix + uuid.New().String(),
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		Scope:               scope,
		ExpiresAt:           now.Add(s.requestURITTL),
		CreatedAt:           now,
	}

	if err := s.store.OAuth().PutRequest(ctx, req); err != nil {
		s.logger.Error("Failed to store pushed request", zap.Error(err))
		return "", 0, fmt.Errorf("failed to store request: %w", err)
	}

	return req.RequestURI, int(s.requestURITTL.Seconds()), nil
}

// Authorize redeems a request_uri on behalf of an authenticated user and
// mints a single-use authorization code bound to the request's PKCE
// challenge. The client id presented at the authorization endpoint must match
// the one that pushed the request.
func (s *OAuthService) Authorize(ctx context.Context, userID domain.UserID, clientID, requestURI string) (*domain.AuthorizationCode, error) {
	if requestURI == "" {
		return nil, ErrInvalidRequest
	}

	req, err := s.store.OAuth().ConsumeRequest(ctx, requestURI)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidRequest
		}
		return nil, fmt.Errorf("failed to consume request: %w", err)
	}
	if req.IsExpired() || req.ClientID != clientID {
		return nil, ErrInvalidRequest
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate code: %w", err)
	}

	now := time.Now()
	code := &domain.AuthorizationCode{
		Code:          base64.RawURLEncoding.EncodeToString(raw),
		ClientID:      req.ClientID,
		UserID:        userID.String(),
		RedirectURI:   req.RedirectURI,
		CodeChallenge: req.CodeChallenge,
		Scope:         req.Scope,
		ExpiresAt:     now.Add(s.codeTTL),
		CreatedAt:     now,
	}

	if err := s.store.OAuth().PutCode(ctx, code); err != nil {
		s.logger.Error("Failed to store authorization code", zap.Error(err))
		return nil, fmt.Errorf("failed to store code: %w", err)
	}

	s.logger.Info("Authorization code issued",
		zap.String("user_id", userID.String()),
		zap.String("client_id", clientID),
	)
	return code, nil
}

// Exchange redeems an authorization code against its PKCE verifier and
// returns the user the code was issued for. The code is consumed before
// verification so a failed exchange still burns it.
func (s *OAuthService) Exchange(ctx context.Context, clientID, code, redirectURI, codeVerifier string) (*domain.AuthorizationCode, error) {
	if code == "" || codeVerifier == "" {
		return nil, ErrInvalidRequest
	}

	stored, err := s.store.OAuth().ConsumeCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidRequest
		}
		return nil, fmt.Errorf("failed to consume code: %w", err)
	}
	if stored.IsExpired() || stored.ClientID != clientID || stored.RedirectURI != redirectURI {
		return nil, ErrInvalidRequest
	}

	if !verifyS256(codeVerifier, stored.CodeChallenge) {
		s.logger.Warn("PKCE verifier mismatch", zap.String("client_id", clientID))
		return nil, ErrInvalidVerifier
	}

	return stored, nil
}

// verifyS256 checks base64url(sha256(verifier)) == challenge in constant time
func verifyS256(verifier, challenge string) bool {
	// RFC 7636 bounds on the verifier length
	if len(verifier) < 43 || len(verifier) > 128 {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// DeleteExpired sweeps expired requests and codes
func (s *OAuthService) DeleteExpired(ctx context.Context) error {
	return s.store.OAuth().DeleteExpired(ctx)
}
