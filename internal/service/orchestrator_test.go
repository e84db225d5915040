package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/openquill/go-auth-backend/internal/domain"
	"github.com/openquill/go-auth-backend/internal/storage/memory"
)

type capturedEvent struct {
	eventType string
	userID    string
	details   map[string]string
}

// capturePublisher records published security events for assertions
type capturePublisher struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (p *capturePublisher) Publish(eventType, userID string, details map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, capturedEvent{eventType, userID, details})
}

func (p *capturePublisher) byType(eventType string) []capturedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []capturedEvent
	for _, e := range p.events {
		if e.eventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func setupAuthService(t *testing.T) (*AuthService, *memory.Store, *capturePublisher) {
	t.Helper()
	store := memory.NewStore()
	cfg := testConfig()
	logger := zap.NewNop()

	challenges := NewChallengeService(store, 5*time.Minute, logger)
	credentials, err := NewCredentialService(store, cfg, challenges, logger)
	if err != nil {
		t.Fatalf("Failed to create credential service: %v", err)
	}
	sessions := NewSessionService(store, testCipher(t), time.Hour, time.Hour, logger)
	stepUp := NewStepUpService(store, credentials, 5*time.Minute, logger)
	oauth := NewOAuthService(store, 90*time.Second, time.Minute, logger)
	audit := NewAuditService(store, logger)

	events := &capturePublisher{}
	auth := NewAuthService(credentials, sessions, stepUp, oauth, audit, events, cfg, logger)
	return auth, store, events
}

func auditEventTypes(t *testing.T, store *memory.Store, userID domain.UserID) []string {
	t.Helper()
	entries, err := store.Audit().GetAllByUser(context.Background(), userID.String())
	if err != nil {
		t.Fatalf("GetAllByUser failed: %v", err)
	}
	types := make([]string, len(entries))
	for i, e := range entries {
		types[i] = e.EventType
	}
	return types
}

func containsEvent(types []string, want string) bool {
	for _, et := range types {
		if et == want {
			return true
		}
	}
	return false
}

func TestAuthService_RefreshRotation(t *testing.T) {
	auth, store, _ := setupAuthService(t)
	ctx := context.Background()
	userID := domain.NewUserID()

	pair, err := auth.issueTokens(ctx, userID)
	if err != nil {
		t.Fatalf("issueTokens failed: %v", err)
	}
	if pair.TokenType != "Bearer" {
		t.Errorf("Unexpected token type %q", pair.TokenType)
	}

	rotated, err := auth.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if rotated.RefreshToken == pair.RefreshToken {
		t.Error("Refresh returned the same refresh token")
	}
	if rotated.AccessToken == "" {
		t.Error("Expected a fresh access token")
	}

	// Access tokens carry the user as subject
	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(rotated.AccessToken, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(testConfig().JWT.Secret), nil
	})
	if err != nil {
		t.Fatalf("Failed to parse access token: %v", err)
	}
	if claims["sub"] != userID.String() {
		t.Errorf("Access token subject %v, want %s", claims["sub"], userID)
	}

	if !containsEvent(auditEventTypes(t, store, userID), domain.AuditTokenRefresh) {
		t.Error("Expected a token refresh audit entry")
	}
}

func TestAuthService_RefreshReuseCascade(t *testing.T) {
	auth, store, events := setupAuthService(t)
	ctx := context.Background()
	userID := domain.NewUserID()

	pair, err := auth.issueTokens(ctx, userID)
	if err != nil {
		t.Fatalf("issueTokens failed: %v", err)
	}
	second, err := auth.issueTokens(ctx, userID)
	if err != nil {
		t.Fatalf("issueTokens failed: %v", err)
	}

	rotated, err := auth.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	// Replaying the superseded token is treated as theft
	if _, err := auth.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrReuseDetected) {
		t.Fatalf("Expected ErrReuseDetected, got %v", err)
	}

	t.Run("every session is revoked", func(t *testing.T) {
		for _, token := range []string{rotated.RefreshToken, second.RefreshToken} {
			if _, err := auth.Refresh(ctx, token); !errors.Is(err, ErrSessionRevoked) {
				t.Errorf("Expected ErrSessionRevoked after cascade, got %v", err)
			}
		}
	})

	t.Run("incident is chained", func(t *testing.T) {
		types := auditEventTypes(t, store, userID)
		if !containsEvent(types, domain.AuditTokenReuse) {
			t.Error("Expected a token reuse audit entry")
		}
		if !containsEvent(types, domain.AuditSessionsRevoked) {
			t.Error("Expected a sessions revoked audit entry")
		}
	})

	t.Run("observers are alerted", func(t *testing.T) {
		published := events.byType(domain.AuditTokenReuse)
		if len(published) != 1 {
			t.Fatalf("Expected 1 reuse event published, got %d", len(published))
		}
		if published[0].userID != userID.String() {
			t.Errorf("Event published for %q, want %q", published[0].userID, userID)
		}
	})
}

func TestAuthService_Logout(t *testing.T) {
	auth, store, _ := setupAuthService(t)
	ctx := context.Background()
	userID := domain.NewUserID()

	pair, err := auth.issueTokens(ctx, userID)
	if err != nil {
		t.Fatalf("issueTokens failed: %v", err)
	}

	if err := auth.Logout(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}

	if _, err := auth.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrSessionRevoked) {
		t.Errorf("Expected ErrSessionRevoked after logout, got %v", err)
	}
	if !containsEvent(auditEventTypes(t, store, userID), domain.AuditLogout) {
		t.Error("Expected a logout audit entry")
	}
}

func TestAuthService_ExchangeCode(t *testing.T) {
	auth, store, _ := setupAuthService(t)
	ctx := context.Background()
	userID := domain.NewUserID()

	requestURI, _, err := auth.oauth.PushRequest(ctx, "journal-web", "https://app.example/cb", s256Challenge(testVerifier), "S256", "journal.read")
	if err != nil {
		t.Fatalf("PushRequest failed: %v", err)
	}
	code, err := auth.oauth.Authorize(ctx, userID, "journal-web", requestURI)
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}

	pair, err := auth.ExchangeCode(ctx, "journal-web", code.Code, "https://app.example/cb", testVerifier)
	if err != nil {
		t.Fatalf("ExchangeCode failed: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Error("Expected a full token pair from code exchange")
	}

	// The refresh token belongs to the code's user
	if _, err := auth.Refresh(ctx, pair.RefreshToken); err != nil {
		t.Errorf("Refresh on exchanged token failed: %v", err)
	}
	if !containsEvent(auditEventTypes(t, store, userID), domain.AuditCodeExchanged) {
		t.Error("Expected a code exchange audit entry")
	}

	t.Run("bad verifier surfaces unchanged", func(t *testing.T) {
		requestURI, _, _ := auth.oauth.PushRequest(ctx, "journal-web", "https://app.example/cb", s256Challenge(testVerifier), "S256", "")
		code, _ := auth.oauth.Authorize(ctx, userID, "journal-web", requestURI)

		wrong := "0000000000000000000000000000000000000000000"
		if _, err := auth.ExchangeCode(ctx, "journal-web", code.Code, "https://app.example/cb", wrong); !errors.Is(err, ErrInvalidVerifier) {
			t.Errorf("Expected ErrInvalidVerifier, got %v", err)
		}
	})
}

func TestAuthService_BeginLogin(t *testing.T) {
	auth, _, _ := setupAuthService(t)
	ctx := context.Background()

	ceremonyID, assertion, err := auth.BeginLogin(ctx)
	if err != nil {
		t.Fatalf("BeginLogin failed: %v", err)
	}
	if ceremonyID == "" {
		t.Error("Expected a ceremony id")
	}
	if assertion == nil || assertion.Response.Challenge.String() == "" {
		t.Error("Expected assertion options with a challenge")
	}

	// Two concurrent ceremonies get distinct scopes
	otherID, _, err := auth.BeginLogin(ctx)
	if err != nil {
		t.Fatalf("BeginLogin failed: %v", err)
	}
	if otherID == ceremonyID {
		t.Error("Ceremony ids must be unique")
	}
}
