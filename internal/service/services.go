package service

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openquill/go-auth-backend/internal/storage"
	"github.com/openquill/go-auth-backend/pkg/config"
	"github.com/openquill/go-auth-backend/pkg/tokencipher"
)

// Services aggregates all service instances
type Services struct {
	Challenges  *ChallengeService
	Credentials *CredentialService
	Sessions    *SessionService
	StepUp      *StepUpService
	OAuth       *OAuthService
	Audit       *AuditService
	Auth        *AuthService
	Cipher      *tokencipher.Cipher
	Cleanup     *CleanupService
}

// NewServices wires the full service graph from configuration
func NewServices(store storage.Store, cfg *config.Config, events SecurityEventPublisher, logger *zap.Logger) (*Services, error) {
	cipher, err := buildCipher(&cfg.Cipher)
	if err != nil {
		return nil, err
	}

	challenges := NewChallengeService(store,
		time.Duration(cfg.Auth.ChallengeTTLSeconds)*time.Second, logger)

	credentials, err := NewCredentialService(store, cfg, challenges, logger)
	if err != nil {
		return nil, err
	}

	sessions := NewSessionService(store, cipher,
		time.Duration(cfg.Auth.SessionTTLDays)*24*time.Hour,
		time.Duration(cfg.Auth.UsedTokenTTLHours)*time.Hour,
		logger)

	stepUp := NewStepUpService(store, credentials,
		time.Duration(cfg.Auth.StepUpWindowSeconds)*time.Second, logger)

	oauth := NewOAuthService(store,
		time.Duration(cfg.OAuth.RequestURITTLSeconds)*time.Second,
		time.Duration(cfg.OAuth.CodeTTLSeconds)*time.Second,
		logger)

	audit := NewAuditService(store, logger)

	auth := NewAuthService(credentials, sessions, stepUp, oauth, audit, events, cfg, logger)

	cleanup := NewCleanupService(challenges, sessions, stepUp, oauth,
		time.Duration(cfg.Auth.SweepIntervalSeconds)*time.Second, logger)

	return &Services{
		Challenges:  challenges,
		Credentials: credentials,
		Sessions:    sessions,
		StepUp:      stepUp,
		OAuth:       oauth,
		Audit:       audit,
		Auth:        auth,
		Cipher:      cipher,
		Cleanup:     cleanup,
	}, nil
}

// buildCipher assembles the token cipher from validated configuration
func buildCipher(cfg *config.CipherConfig) (*tokencipher.Cipher, error) {
	keys := make([]tokencipher.Key, 0, len(cfg.Keys))
	for _, kc := range cfg.Keys {
		material, err := kc.DecodedMaterial()
		if err != nil {
			return nil, fmt.Errorf("cipher key %q: %w", kc.ID, err)
		}
		keys = append(keys, tokencipher.Key{
			ID:        kc.ID,
			Material:  material,
			Algorithm: kc.Algorithm,
		})
	}
	return tokencipher.New(keys, cfg.ActiveKeyID)
}
