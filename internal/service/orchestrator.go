package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openquill/go-auth-backend/internal/domain"
	"github.com/openquill/go-auth-backend/pkg/config"
)

// SecurityEventPublisher broadcasts operational security alerts to connected
// observers. Publishing must never block an auth flow.
type SecurityEventPublisher interface {
	Publish(eventType, userID string, details map[string]string)
}

// noopPublisher is used when no event hub is wired
type noopPublisher struct{}

func (noopPublisher) Publish(string, string, map[string]string) {}

// TokenPair is the result of a successful authentication or refresh
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// AuthService orchestrates the authentication flows. It owns the
// cross-cutting policy the leaf services do not: every security incident is
// audited on the user's chain, reuse and counter regression trigger mass
// revocation plus grant invalidation, and the incident is published to the
// event stream.
type AuthService struct {
	credentials *CredentialService
	sessions    *SessionService
	stepUp      *StepUpService
	oauth       *OAuthService
	audit       *AuditService
	events      SecurityEventPublisher
	cfg         *config.Config
	logger      *zap.Logger
}

// NewAuthService creates a new AuthService
func NewAuthService(
	credentials *CredentialService,
	sessions *SessionService,
	stepUp *StepUpService,
	oauth *OAuthService,
	audit *AuditService,
	events SecurityEventPublisher,
	cfg *config.Config,
	logger *zap.Logger,
) *AuthService {
	if events == nil {
		events = noopPublisher{}
	}
	return &AuthService{
		credentials: credentials,
		sessions:    sessions,
		stepUp:      stepUp,
		oauth:       oauth,
		audit:       audit,
		events:      events,
		cfg:         cfg,
		logger:      logger.Named("auth-service"),
	}
}

// generateAccessToken creates a short-lived JWT access token
func (s *AuthService) generateAccessToken(userID domain.UserID) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID.String(),
		"iss": s.cfg.JWT.Issuer,
		"iat": now.Unix(),
		"exp": now.Add(time.Duration(s.cfg.JWT.ExpiryMinutes) * time.Minute).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.cfg.JWT.Secret))
}

func (s *AuthService) issueTokens(ctx context.Context, userID domain.UserID) (*TokenPair, error) {
	access, err := s.generateAccessToken(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}
	_, refresh, err := s.sessions.Create(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    s.cfg.JWT.ExpiryMinutes * 60,
	}, nil
}

// recordAudit appends an audit entry, logging but not failing the flow if the
// append itself fails. Remediation must not be rolled back because the audit
// write raced a storage hiccup.
func (s *AuthService) recordAudit(ctx context.Context, userID domain.UserID, eventType string, data map[string]string) {
	if _, err := s.audit.Append(ctx, userID, eventType, data); err != nil {
		s.logger.Error("Failed to record audit entry",
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}

// handleIncident runs the remediation cascade for a confirmed compromise
// signal: revoke every session, drop every step-up grant, chain the incident
// and alert observers.
func (s *AuthService) handleIncident(ctx context.Context, userID domain.UserID, eventType string, details map[string]string) {
	revoked, err := s.sessions.RevokeAllForUser(ctx, userID)
	if err != nil {
		s.logger.Error("Failed to revoke sessions during incident", zap.Error(err))
	}
	if err := s.stepUp.InvalidateAll(ctx, userID); err != nil {
		s.logger.Error("Failed to invalidate grants during incident", zap.Error(err))
	}

	s.recordAudit(ctx, userID, eventType, details)
	s.recordAudit(ctx, userID, domain.AuditSessionsRevoked, map[string]string{
		"cause": eventType,
		"count": fmt.Sprintf("%d", revoked),
	})
	s.events.Publish(eventType, userID.String(), details)
}

// BeginRegistration starts a passkey registration ceremony
func (s *AuthService) BeginRegistration(ctx context.Context, userID domain.UserID, displayName string) (*protocol.CredentialCreation, error) {
	return s.credentials.BeginRegistration(ctx, userID, displayName)
}

// FinishRegistration completes registration, chains the event and signs the
// user in on the new credential
func (s *AuthService) FinishRegistration(ctx context.Context, userID domain.UserID, displayName, label string, response json.RawMessage) (*domain.Credential, *TokenPair, error) {
	cred, err := s.credentials.FinishRegistration(ctx, userID, displayName, label, response)
	if err != nil {
		return nil, nil, err
	}

	s.recordAudit(ctx, userID, domain.AuditCredentialRegistered, map[string]string{
		"credential_id": cred.ID,
		"label":         cred.Label,
	})

	tokens, err := s.issueTokens(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	return cred, tokens, nil
}

// BeginLogin starts an anonymous discoverable login ceremony. The returned
// ceremony id scopes the challenge; the client echoes it back at finish.
func (s *AuthService) BeginLogin(ctx context.Context) (string, *protocol.CredentialAssertion, error) {
	ceremonyID := uuid.New().String()
	assertion, err := s.credentials.BeginAuthentication(ctx, ceremonyID, domain.PurposeAuthentication)
	if err != nil {
		return "", nil, err
	}
	return ceremonyID, assertion, nil
}

// FinishLogin verifies the assertion and issues tokens. A counter regression
// is treated as credential compromise: the remediation cascade runs and the
// caller gets a generic verification failure.
func (s *AuthService) FinishLogin(ctx context.Context, ceremonyID string, response json.RawMessage) (domain.UserID, *TokenPair, error) {
	userID, cred, err := s.credentials.FinishAuthentication(ctx, ceremonyID, domain.PurposeAuthentication, response)
	if err != nil {
		if errors.Is(err, ErrCounterRegression) {
			s.handleIncident(ctx, userID, domain.AuditCounterRegression, map[string]string{
				"credential_id": cred.ID,
			})
			return domain.UserID{}, nil, ErrVerificationFailed
		}
		if !userID.IsZero() {
			s.recordAudit(ctx, userID, domain.AuditLoginFailed, nil)
		}
		return domain.UserID{}, nil, err
	}

	s.recordAudit(ctx, userID, domain.AuditLogin, map[string]string{
		"credential_id": cred.ID,
	})

	tokens, err := s.issueTokens(ctx, userID)
	if err != nil {
		return domain.UserID{}, nil, err
	}
	return userID, tokens, nil
}

// Refresh rotates a refresh token. Reuse of a superseded token runs the
// remediation cascade before the error is surfaced.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	session, newToken, err := s.sessions.Rotate(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, ErrReuseDetected) && session != nil {
			s.handleIncident(ctx, domain.UserIDFromString(session.UserID), domain.AuditTokenReuse, map[string]string{
				"session_id": session.ID,
			})
		}
		return nil, err
	}

	userID := domain.UserIDFromString(session.UserID)
	s.recordAudit(ctx, userID, domain.AuditTokenRefresh, map[string]string{
		"session_id": session.ID,
	})

	access, err := s.generateAccessToken(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: newToken,
		TokenType:    "Bearer",
		ExpiresIn:    s.cfg.JWT.ExpiryMinutes * 60,
	}, nil
}

// Logout revokes the session the refresh token belongs to
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	session, err := s.sessions.Revoke(ctx, refreshToken)
	if err != nil {
		return err
	}
	s.recordAudit(ctx, domain.UserIDFromString(session.UserID), domain.AuditLogout, map[string]string{
		"session_id": session.ID,
	})
	return nil
}

// BeginStepUp starts a step-up ceremony for a sensitive action
func (s *AuthService) BeginStepUp(ctx context.Context, userID domain.UserID, action string) (*protocol.CredentialAssertion, error) {
	return s.stepUp.Begin(ctx, userID, action)
}

// FinishStepUp completes a step-up ceremony and chains the outcome
func (s *AuthService) FinishStepUp(ctx context.Context, userID domain.UserID, action string, response json.RawMessage) (*domain.StepUpGrant, error) {
	grant, err := s.stepUp.Finish(ctx, userID, action, response)
	if err != nil {
		if errors.Is(err, ErrCounterRegression) {
			s.handleIncident(ctx, userID, domain.AuditCounterRegression, map[string]string{
				"action": action,
			})
			return nil, ErrVerificationFailed
		}
		s.recordAudit(ctx, userID, domain.AuditStepUpFailed, map[string]string{
			"action": action,
		})
		return nil, err
	}

	s.recordAudit(ctx, userID, domain.AuditStepUpGranted, map[string]string{
		"action": action,
	})
	return grant, nil
}

// AuthorizeStepUp reports whether the user may perform the action right now
func (s *AuthService) AuthorizeStepUp(ctx context.Context, userID domain.UserID, action string) (bool, error) {
	return s.stepUp.Authorize(ctx, userID, action)
}

// ExchangeCode completes the PKCE code exchange and issues tokens for the
// user the code was bound to
func (s *AuthService) ExchangeCode(ctx context.Context, clientID, code, redirectURI, codeVerifier string) (*TokenPair, error) {
	stored, err := s.oauth.Exchange(ctx, clientID, code, redirectURI, codeVerifier)
	if err != nil {
		return nil, err
	}

	userID := domain.UserIDFromString(stored.UserID)
	s.recordAudit(ctx, userID, domain.AuditCodeExchanged, map[string]string{
		"client_id": clientID,
	})

	return s.issueTokens(ctx, userID)
}

// RevokeCredential deletes a credential and chains the revocation
func (s *AuthService) RevokeCredential(ctx context.Context, userID domain.UserID, credentialID string) error {
	if err := s.credentials.RevokeCredential(ctx, userID, credentialID); err != nil {
		return err
	}
	s.recordAudit(ctx, userID, domain.AuditCredentialRevoked, map[string]string{
		"credential_id": credentialID,
	})
	return nil
}
