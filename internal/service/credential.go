package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"go.uber.org/zap"

	"github.com/openquill/go-auth-backend/internal/domain"
	"github.com/openquill/go-auth-backend/internal/storage"
	"github.com/openquill/go-auth-backend/pkg/config"
)

// CredentialService is the WebAuthn credential registry. Registration
// requires discoverable credentials and user verification; authentication
// enforces the signature-counter policy: the reported counter must be
// strictly greater than the stored one, except for authenticators that
// always report zero, where both must be zero. A lower counter is a hard
// failure signaling a possible cloned authenticator.
type CredentialService struct {
	store      storage.Store
	cfg        *config.Config
	logger     *zap.Logger
	webauthn   *webauthn.WebAuthn
	challenges *ChallengeService
}

// NewCredentialService creates a new CredentialService
func NewCredentialService(store storage.Store, cfg *config.Config, challenges *ChallengeService, logger *zap.Logger) (*CredentialService, error) {
	wconfig := &webauthn.Config{
		RPDisplayName: cfg.Server.RPName,
		RPID:          cfg.Server.RPID,
		RPOrigins:     []string{cfg.Server.RPOrigin},
	}

	wa, err := webauthn.New(wconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create webauthn: %w", err)
	}

	return &CredentialService{
		store:      store,
		cfg:        cfg,
		logger:     logger.Named("credential-service"),
		webauthn:   wa,
		challenges: challenges,
	}, nil
}

// webAuthnUser adapts a user id plus its stored credentials to the
// webauthn.User interface
type webAuthnUser struct {
	id          domain.UserID
	displayName string
	credentials []*domain.Credential
}

func (u *webAuthnUser) WebAuthnID() []byte {
	return u.id.AsUserHandle()
}

func (u *webAuthnUser) WebAuthnName() string {
	if u.displayName != "" {
		return u.displayName
	}
	return u.id.String()
}

func (u *webAuthnUser) WebAuthnDisplayName() string {
	return u.WebAuthnName()
}

func (u *webAuthnUser) WebAuthnCredentials() []webauthn.Credential {
	creds := make([]webauthn.Credential, 0, len(u.credentials))
	for _, c := range u.credentials {
		id, err := base64.RawURLEncoding.DecodeString(c.ID)
		if err != nil {
			continue
		}
		creds = append(creds, webauthn.Credential{
			ID:              id,
			PublicKey:       c.PublicKey,
			AttestationType: c.AttestationType,
			Transport:       parseTransports(c.Transports),
			Flags: webauthn.CredentialFlags{
				UserPresent:    c.Flags&domain.FlagUserPresent != 0,
				UserVerified:   c.Flags&domain.FlagUserVerified != 0,
				BackupEligible: c.Flags&domain.FlagBackupEligible != 0,
				BackupState:    c.Flags&domain.FlagBackupState != 0,
			},
			Authenticator: webauthn.Authenticator{
				AAGUID:    c.AAGUID,
				SignCount: c.SignatureCount,
			},
		})
	}
	return creds
}

func parseTransports(transports []string) []protocol.AuthenticatorTransport {
	result := make([]protocol.AuthenticatorTransport, 0, len(transports))
	for _, t := range transports {
		result = append(result, protocol.AuthenticatorTransport(t))
	}
	return result
}

func encodeFlags(flags webauthn.CredentialFlags) uint8 {
	var result uint8
	if flags.UserPresent {
		result |= domain.FlagUserPresent
	}
	if flags.UserVerified {
		result |= domain.FlagUserVerified
	}
	if flags.BackupEligible {
		result |= domain.FlagBackupEligible
	}
	if flags.BackupState {
		result |= domain.FlagBackupState
	}
	return result
}

func (s *CredentialService) loadUser(ctx context.Context, userID domain.UserID, displayName string) (*webAuthnUser, error) {
	creds, err := s.store.Credentials().GetAllByUser(ctx, userID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	return &webAuthnUser{id: userID, displayName: displayName, credentials: creds}, nil
}

// BeginRegistration starts a registration ceremony for a user. Credential
// ids already on file are excluded so the same authenticator cannot be
// registered twice.
func (s *CredentialService) BeginRegistration(ctx context.Context, userID domain.UserID, displayName string) (*protocol.CredentialCreation, error) {
	waUser, err := s.loadUser(ctx, userID, displayName)
	if err != nil {
		return nil, err
	}

	exclusions := make([]protocol.CredentialDescriptor, 0, len(waUser.credentials))
	for _, c := range waUser.credentials {
		id, err := base64.RawURLEncoding.DecodeString(c.ID)
		if err != nil {
			continue
		}
		exclusions = append(exclusions, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: id,
			Transport:    parseTransports(c.Transports),
		})
	}

	creation, session, err := s.webauthn.BeginRegistration(waUser,
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			ResidentKey:      protocol.ResidentKeyRequirementRequired,
			UserVerification: protocol.VerificationRequired,
		}),
		webauthn.WithExclusions(exclusions),
	)
	if err != nil {
		s.logger.Error("Failed to begin registration", zap.Error(err))
		return nil, fmt.Errorf("failed to begin registration: %w", err)
	}

	// session.Challenge is already base64url encoded
	if err := s.challenges.StoreIssued(ctx, userID.String(), domain.PurposeRegistration, session.Challenge); err != nil {
		return nil, err
	}

	s.logger.Info("Started registration", zap.String("user_id", userID.String()))
	return creation, nil
}

// FinishRegistration completes a registration ceremony and stores the new
// credential. The challenge echoed in the client data must match the single
// live registration challenge for the user; consuming it is atomic, so the
// ceremony is single-shot.
func (s *CredentialService) FinishRegistration(ctx context.Context, userID domain.UserID, displayName, label string, response json.RawMessage) (*domain.Credential, error) {
	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(response))
	if err != nil {
		s.logger.Error("Failed to parse registration response", zap.Error(err))
		return nil, ErrVerificationFailed
	}

	echoed := parsed.Response.CollectedClientData.Challenge
	if err := s.challenges.Consume(ctx, userID.String(), domain.PurposeRegistration, echoed); err != nil {
		return nil, err
	}

	waUser, err := s.loadUser(ctx, userID, displayName)
	if err != nil {
		return nil, err
	}

	sessionData := webauthn.SessionData{
		Challenge:        echoed,
		UserID:           userID.AsUserHandle(),
		UserVerification: protocol.VerificationRequired,
	}

	credential, err := s.webauthn.CreateCredential(waUser, sessionData, parsed)
	if err != nil {
		s.logger.Error("Failed to verify registration", zap.Error(err))
		return nil, ErrVerificationFailed
	}

	transports := make([]string, 0, len(credential.Transport))
	for _, t := range credential.Transport {
		transports = append(transports, string(t))
	}

	cred := &domain.Credential{
		ID:              base64.RawURLEncoding.EncodeToString(credential.ID),
		UserID:          userID.String(),
		PublicKey:       credential.PublicKey,
		AttestationType: credential.AttestationType,
		SignatureCount:  credential.Authenticator.SignCount,
		Transports:      transports,
		Flags:           encodeFlags(credential.Flags),
		AAGUID:          credential.Authenticator.AAGUID,
		Label:           label,
		CreatedAt:       time.Now(),
	}

	if err := s.store.Credentials().Create(ctx, cred); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, ErrVerificationFailed
		}
		s.logger.Error("Failed to store credential", zap.Error(err))
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}

	s.logger.Info("Credential registered",
		zap.String("user_id", userID.String()),
		zap.String("credential_id", cred.ID),
	)
	return cred, nil
}

// BeginAuthentication starts an assertion ceremony scoped to ownerKey and
// purpose. For anonymous discoverable login the caller supplies a fresh
// ceremony id as ownerKey and echoes it back at finish; for step-up the
// ownerKey is the user id and the purpose carries the action.
func (s *CredentialService) BeginAuthentication(ctx context.Context, ownerKey, purpose string) (*protocol.CredentialAssertion, error) {
	assertion, session, err := s.webauthn.BeginDiscoverableLogin(
		webauthn.WithUserVerification(protocol.VerificationRequired),
	)
	if err != nil {
		s.logger.Error("Failed to begin authentication", zap.Error(err))
		return nil, fmt.Errorf("failed to begin authentication: %w", err)
	}

	if err := s.challenges.StoreIssued(ctx, ownerKey, purpose, session.Challenge); err != nil {
		return nil, err
	}

	return assertion, nil
}

// FinishAuthentication verifies an assertion against the stored public key.
// Challenge freshness is validated first (atomic consume), then the
// signature, then the counter policy; stored state is updated only after
// full verification succeeds.
func (s *CredentialService) FinishAuthentication(ctx context.Context, ownerKey, purpose string, response json.RawMessage) (domain.UserID, *domain.Credential, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(response))
	if err != nil {
		s.logger.Error("Failed to parse assertion response", zap.Error(err))
		return domain.UserID{}, nil, ErrVerificationFailed
	}

	echoed := parsed.Response.CollectedClientData.Challenge
	if err := s.challenges.Consume(ctx, ownerKey, purpose, echoed); err != nil {
		return domain.UserID{}, nil, err
	}

	if len(parsed.Response.UserHandle) == 0 {
		return domain.UserID{}, nil, ErrVerificationFailed
	}
	userID := domain.UserIDFromUserHandle(parsed.Response.UserHandle)

	credID := base64.RawURLEncoding.EncodeToString(parsed.RawID)
	stored, err := s.store.Credentials().GetByID(ctx, credID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.UserID{}, nil, ErrCredentialNotFound
		}
		return domain.UserID{}, nil, fmt.Errorf("failed to load credential: %w", err)
	}
	if stored.UserID != userID.String() {
		return domain.UserID{}, nil, ErrVerificationFailed
	}

	sessionData := webauthn.SessionData{
		Challenge:        echoed,
		UserID:           userID.AsUserHandle(),
		UserVerification: protocol.VerificationRequired,
	}

	validated, err := s.webauthn.ValidateDiscoverableLogin(
		func(rawID, userHandle []byte) (webauthn.User, error) {
			uid := domain.UserIDFromUserHandle(userHandle)
			return s.loadUser(ctx, uid, "")
		},
		sessionData,
		parsed,
	)
	if err != nil {
		s.logger.Error("Failed to verify assertion", zap.Error(err))
		return domain.UserID{}, nil, ErrVerificationFailed
	}

	// The library only flags a clone warning on a bad counter; we fail hard
	// and leave the stored credential untouched.
	newCount := validated.Authenticator.SignCount
	oldCount := stored.SignatureCount
	if !counterAdvanced(oldCount, newCount) {
		s.logger.Warn("Signature counter regression",
			zap.String("user_id", userID.String()),
			zap.String("credential_id", credID),
			zap.Uint32("stored", oldCount),
			zap.Uint32("reported", newCount),
		)
		return userID, stored, ErrCounterRegression
	}

	now := time.Now()
	if err := s.store.Credentials().UpdateCounter(ctx, credID, newCount, now); err != nil {
		s.logger.Error("Failed to update signature counter", zap.Error(err))
		return domain.UserID{}, nil, fmt.Errorf("failed to update counter: %w", err)
	}
	stored.SignatureCount = newCount
	stored.LastUsedAt = &now

	return userID, stored, nil
}

// counterAdvanced decides whether a reported signature counter is acceptable
// against the stored one: strictly greater, or both zero for authenticators
// that do not implement counters. An equal non-zero value or any decrease is
// a regression.
func counterAdvanced(stored, reported uint32) bool {
	return reported > stored || (reported == 0 && stored == 0)
}

// ListCredentials returns all credentials a user has on file
func (s *CredentialService) ListCredentials(ctx context.Context, userID domain.UserID) ([]*domain.Credential, error) {
	return s.store.Credentials().GetAllByUser(ctx, userID.String())
}

// RenameCredential changes a credential's user-chosen label
func (s *CredentialService) RenameCredential(ctx context.Context, userID domain.UserID, credentialID, label string) error {
	err := s.store.Credentials().UpdateLabel(ctx, credentialID, userID.String(), label)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrCredentialNotFound
	}
	return err
}

// RevokeCredential deletes a credential on explicit user request
func (s *CredentialService) RevokeCredential(ctx context.Context, userID domain.UserID, credentialID string) error {
	err := s.store.Credentials().Delete(ctx, credentialID, userID.String())
	if errors.Is(err, storage.ErrNotFound) {
		return ErrCredentialNotFound
	}
	return err
}
