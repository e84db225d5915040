// Package api provides the HTTP handlers for the authentication backend.
package api

import (
	"encoding/json"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openquill/go-auth-backend/internal/domain"
	"github.com/openquill/go-auth-backend/internal/service"
	"github.com/openquill/go-auth-backend/pkg/config"
	"github.com/openquill/go-auth-backend/pkg/middleware"
)

// StepUpRevokeCredential is the step-up action gating credential removal
const StepUpRevokeCredential = "revoke_credential"

// Handlers aggregates all HTTP handlers
type Handlers struct {
	services  *service.Services
	cfg       *config.Config
	logger    *zap.Logger
	rateLimit *middleware.AuthRateLimiter
}

// NewHandlers creates a new Handlers instance
func NewHandlers(services *service.Services, cfg *config.Config, rateLimit *middleware.AuthRateLimiter, logger *zap.Logger) *Handlers {
	return &Handlers{
		services:  services,
		cfg:       cfg,
		logger:    logger.Named("handlers"),
		rateLimit: rateLimit,
	}
}

// Status handles the /status endpoint
func (h *Handlers) Status(c *gin.Context) {
	c.JSON(200, gin.H{
		"status":  "ok",
		"service": "auth-backend",
	})
}

// currentUser reads the user id set by the auth middleware
func currentUser(c *gin.Context) domain.UserID {
	return domain.UserIDFromString(c.GetString("user_id"))
}

// authFailed writes the generic authentication failure. Callers that hit a
// security incident (reuse, counter regression) get the exact same response
// as a bad signature so the error channel leaks nothing to an attacker.
func (h *Handlers) authFailed(c *gin.Context) {
	c.JSON(401, gin.H{"error": "Authentication failed"})
}

// handleCeremonyError maps ceremony errors to responses. Challenge lifecycle
// errors keep distinct statuses; everything security-relevant collapses into
// the generic failure.
func (h *Handlers) handleCeremonyError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrChallengeNotFound):
		c.JSON(404, gin.H{"error": "Challenge not found"})
	case errors.Is(err, service.ErrChallengeExpired):
		c.JSON(410, gin.H{"error": "Challenge expired"})
	case errors.Is(err, service.ErrInvalidRequest):
		c.JSON(400, gin.H{"error": "Invalid request"})
	case errors.Is(err, service.ErrChallengeMismatch),
		errors.Is(err, service.ErrCredentialNotFound),
		errors.Is(err, service.ErrVerificationFailed):
		h.authFailed(c)
	default:
		h.logger.Error("Ceremony failed", zap.Error(err))
		c.JSON(500, gin.H{"error": "Internal error"})
	}
}

// Registration

// StartRegistrationRequest is the request to begin passkey registration
type StartRegistrationRequest struct {
	UserID      string `json:"user_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// StartRegistration begins a passkey registration ceremony. A missing user id
// means a brand-new account; one is minted here.
func (h *Handlers) StartRegistration(c *gin.Context) {
	var req StartRegistrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		// Allow empty body - all fields are optional
		req = StartRegistrationRequest{}
	}

	if req.UserID == "" {
		req.UserID = uuid.New().String()
	}
	userID := domain.UserIDFromString(req.UserID)

	creation, err := h.services.Auth.BeginRegistration(c.Request.Context(), userID, req.DisplayName)
	if err != nil {
		h.logger.Error("Failed to start registration", zap.Error(err))
		c.JSON(500, gin.H{"error": "Failed to start registration"})
		return
	}

	c.JSON(200, gin.H{
		"user_id": req.UserID,
		"options": creation,
	})
}

// FinishRegistrationRequest is the request to complete passkey registration
type FinishRegistrationRequest struct {
	UserID      string          `json:"user_id" binding:"required"`
	DisplayName string          `json:"display_name,omitempty"`
	Label       string          `json:"label,omitempty"`
	Credential  json.RawMessage `json:"credential" binding:"required"`
}

// FinishRegistration completes a passkey registration ceremony
func (h *Handlers) FinishRegistration(c *gin.Context) {
	var req FinishRegistrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	userID := domain.UserIDFromString(req.UserID)
	cred, tokens, err := h.services.Auth.FinishRegistration(c.Request.Context(), userID, req.DisplayName, req.Label, req.Credential)
	if err != nil {
		h.rateLimit.RecordFailure(req.UserID)
		h.handleCeremonyError(c, err)
		return
	}

	c.JSON(200, gin.H{
		"user_id": req.UserID,
		"credential": gin.H{
			"id":         cred.ID,
			"label":      cred.Label,
			"created_at": cred.CreatedAt,
		},
		"tokens": tokens,
	})
}

// Login

// StartLogin begins an anonymous discoverable login ceremony
func (h *Handlers) StartLogin(c *gin.Context) {
	ceremonyID, assertion, err := h.services.Auth.BeginLogin(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to start login", zap.Error(err))
		c.JSON(500, gin.H{"error": "Failed to start login"})
		return
	}

	c.JSON(200, gin.H{
		"ceremony_id": ceremonyID,
		"options":     assertion,
	})
}

// FinishLoginRequest is the request to complete a login ceremony
type FinishLoginRequest struct {
	CeremonyID string          `json:"ceremony_id" binding:"required"`
	Credential json.RawMessage `json:"credential" binding:"required"`
}

// FinishLogin completes a login ceremony and issues tokens
func (h *Handlers) FinishLogin(c *gin.Context) {
	var req FinishLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	userID, tokens, err := h.services.Auth.FinishLogin(c.Request.Context(), req.CeremonyID, req.Credential)
	if err != nil {
		h.rateLimit.RecordFailure(c.ClientIP())
		h.handleCeremonyError(c, err)
		return
	}

	c.JSON(200, gin.H{
		"user_id": userID.String(),
		"tokens":  tokens,
	})
}

// Tokens

// RefreshRequest carries the refresh token to rotate
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// Refresh rotates a refresh token and returns a fresh token pair
func (h *Handlers) Refresh(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	tokens, err := h.services.Auth.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidToken),
			errors.Is(err, service.ErrSessionNotFound),
			errors.Is(err, service.ErrSessionRevoked),
			errors.Is(err, service.ErrSessionExpired),
			errors.Is(err, service.ErrTokenMismatch),
			errors.Is(err, service.ErrReuseDetected):
			h.rateLimit.RecordFailure(c.ClientIP())
			h.authFailed(c)
		default:
			h.logger.Error("Failed to refresh", zap.Error(err))
			c.JSON(500, gin.H{"error": "Internal error"})
		}
		return
	}

	c.JSON(200, tokens)
}

// Logout revokes the session the refresh token belongs to
func (h *Handlers) Logout(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	if err := h.services.Auth.Logout(c.Request.Context(), req.RefreshToken); err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidToken), errors.Is(err, service.ErrSessionNotFound):
			h.authFailed(c)
		default:
			h.logger.Error("Failed to logout", zap.Error(err))
			c.JSON(500, gin.H{"error": "Internal error"})
		}
		return
	}

	c.Status(204)
}

// Credentials

// ListCredentials returns the caller's registered passkeys
func (h *Handlers) ListCredentials(c *gin.Context) {
	creds, err := h.services.Credentials.ListCredentials(c.Request.Context(), currentUser(c))
	if err != nil {
		h.logger.Error("Failed to list credentials", zap.Error(err))
		c.JSON(500, gin.H{"error": "Internal error"})
		return
	}

	out := make([]gin.H, 0, len(creds))
	for _, cred := range creds {
		out = append(out, gin.H{
			"id":           cred.ID,
			"label":        cred.Label,
			"transports":   cred.Transports,
			"created_at":   cred.CreatedAt,
			"last_used_at": cred.LastUsedAt,
		})
	}
	c.JSON(200, gin.H{"credentials": out})
}

// RenameCredentialRequest is the request to relabel a passkey
type RenameCredentialRequest struct {
	Label string `json:"label" binding:"required"`
}

// RenameCredential changes a passkey's label
func (h *Handlers) RenameCredential(c *gin.Context) {
	var req RenameCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	err := h.services.Credentials.RenameCredential(c.Request.Context(), currentUser(c), c.Param("id"), req.Label)
	if err != nil {
		if errors.Is(err, service.ErrCredentialNotFound) {
			c.JSON(404, gin.H{"error": "Credential not found"})
			return
		}
		h.logger.Error("Failed to rename credential", zap.Error(err))
		c.JSON(500, gin.H{"error": "Internal error"})
		return
	}
	c.Status(204)
}

// RevokeCredential removes a passkey. The caller must hold a live step-up
// grant for the revoke action.
func (h *Handlers) RevokeCredential(c *gin.Context) {
	userID := currentUser(c)

	allowed, err := h.services.Auth.AuthorizeStepUp(c.Request.Context(), userID, StepUpRevokeCredential)
	if err != nil {
		h.logger.Error("Failed to check step-up grant", zap.Error(err))
		c.JSON(500, gin.H{"error": "Internal error"})
		return
	}
	if !allowed {
		c.JSON(403, gin.H{
			"error":  "step_up_required",
			"action": StepUpRevokeCredential,
		})
		return
	}

	if err := h.services.Auth.RevokeCredential(c.Request.Context(), userID, c.Param("id")); err != nil {
		if errors.Is(err, service.ErrCredentialNotFound) {
			c.JSON(404, gin.H{"error": "Credential not found"})
			return
		}
		h.logger.Error("Failed to revoke credential", zap.Error(err))
		c.JSON(500, gin.H{"error": "Internal error"})
		return
	}
	c.Status(204)
}

// Step-up

// StepUpRequest names the action to elevate for
type StepUpRequest struct {
	Action string `json:"action" binding:"required"`
}

// StartStepUp begins a step-up ceremony for a sensitive action. A caller
// already holding a live grant for the action is told so instead of being put
// through a pointless ceremony.
func (h *Handlers) StartStepUp(c *gin.Context) {
	var req StepUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}
	userID := currentUser(c)

	allowed, err := h.services.Auth.AuthorizeStepUp(c.Request.Context(), userID, req.Action)
	if err != nil {
		h.logger.Error("Failed to check step-up grant", zap.Error(err))
		c.JSON(500, gin.H{"error": "Internal error"})
		return
	}
	if allowed {
		c.JSON(200, gin.H{
			"required": false,
			"action":   req.Action,
		})
		return
	}

	assertion, err := h.services.Auth.BeginStepUp(c.Request.Context(), userID, req.Action)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRequest) {
			c.JSON(400, gin.H{"error": "Invalid request"})
			return
		}
		h.logger.Error("Failed to start step-up", zap.Error(err))
		c.JSON(500, gin.H{"error": "Failed to start step-up"})
		return
	}

	c.JSON(200, gin.H{
		"required": true,
		"options":  assertion,
	})
}

// FinishStepUpRequest completes a step-up ceremony
type FinishStepUpRequest struct {
	Action     string          `json:"action" binding:"required"`
	Credential json.RawMessage `json:"credential" binding:"required"`
}

// FinishStepUp verifies the assertion and grants the elevation window
func (h *Handlers) FinishStepUp(c *gin.Context) {
	var req FinishStepUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	userID := currentUser(c)
	grant, err := h.services.Auth.FinishStepUp(c.Request.Context(), userID, req.Action, req.Credential)
	if err != nil {
		h.rateLimit.RecordFailure(userID.String())
		h.handleCeremonyError(c, err)
		return
	}

	c.JSON(200, gin.H{
		"action":     grant.Action,
		"granted_at": grant.GrantedAt,
		"expires_at": grant.ExpiresAt,
	})
}

// Audit

// GetAuditLog returns the caller's audit chain
func (h *Handlers) GetAuditLog(c *gin.Context) {
	entries, err := h.services.Audit.GetAllByUser(c.Request.Context(), currentUser(c))
	if err != nil {
		h.logger.Error("Failed to load audit log", zap.Error(err))
		c.JSON(500, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(200, gin.H{"entries": entries})
}

// VerifyAuditLog verifies the caller's audit chain end to end
func (h *Handlers) VerifyAuditLog(c *gin.Context) {
	report, err := h.services.Audit.VerifyChain(c.Request.Context(), currentUser(c))
	if err != nil {
		h.logger.Error("Failed to verify audit log", zap.Error(err))
		c.JSON(500, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(200, report)
}
