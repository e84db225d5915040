package api

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openquill/go-auth-backend/internal/service"
)

// OAuth endpoints speak the form encoding the RFCs prescribe, unlike the
// JSON-first passkey API.

// PushAuthorizationRequest handles POST /oauth/par
func (h *Handlers) PushAuthorizationRequest(c *gin.Context) {
	clientID := c.PostForm("client_id")
	redirectURI := c.PostForm("redirect_uri")
	codeChallenge := c.PostForm("code_challenge")
	codeChallengeMethod := c.PostForm("code_challenge_method")
	scope := c.PostForm("scope")

	requestURI, expiresIn, err := h.services.OAuth.PushRequest(c.Request.Context(),
		clientID, redirectURI, codeChallenge, codeChallengeMethod, scope)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRequest) {
			c.JSON(400, gin.H{"error": "invalid_request"})
			return
		}
		h.logger.Error("Failed to push authorization request", zap.Error(err))
		c.JSON(500, gin.H{"error": "server_error"})
		return
	}

	c.JSON(201, gin.H{
		"request_uri": requestURI,
		"expires_in":  expiresIn,
	})
}

// Authorize handles POST /oauth/authorize. The user must already be signed
// in; redeeming the request_uri mints a single-use authorization code.
func (h *Handlers) Authorize(c *gin.Context) {
	clientID := c.PostForm("client_id")
	requestURI := c.PostForm("request_uri")

	code, err := h.services.OAuth.Authorize(c.Request.Context(), currentUser(c), clientID, requestURI)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRequest) {
			c.JSON(400, gin.H{"error": "invalid_request"})
			return
		}
		h.logger.Error("Failed to authorize", zap.Error(err))
		c.JSON(500, gin.H{"error": "server_error"})
		return
	}

	c.JSON(200, gin.H{
		"code":  code.Code,
		"state": c.PostForm("state"),
	})
}

// Token handles POST /oauth/token for the authorization_code grant
func (h *Handlers) Token(c *gin.Context) {
	if c.PostForm("grant_type") != "authorization_code" {
		c.JSON(400, gin.H{"error": "unsupported_grant_type"})
		return
	}

	tokens, err := h.services.Auth.ExchangeCode(c.Request.Context(),
		c.PostForm("client_id"),
		c.PostForm("code"),
		c.PostForm("redirect_uri"),
		c.PostForm("code_verifier"),
	)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, service.ErrInvalidVerifier):
			h.rateLimit.RecordFailure(c.PostForm("client_id"))
			c.JSON(400, gin.H{"error": "invalid_grant"})
		default:
			h.logger.Error("Failed to exchange code", zap.Error(err))
			c.JSON(500, gin.H{"error": "server_error"})
		}
		return
	}

	c.JSON(200, tokens)
}
