package websocket

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/openquill/go-auth-backend/pkg/config"
)

func testManager() *Manager {
	cfg := &config.Config{
		Server: config.ServerConfig{RPOrigin: "http://localhost:8080"},
		JWT:    config.JWTConfig{Secret: "test-secret"},
	}
	return NewManager(cfg, zap.NewNop())
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return token
}

func TestManager_ValidateToken(t *testing.T) {
	m := testManager()

	t.Run("valid token", func(t *testing.T) {
		token := signToken(t, "test-secret", jwt.MapClaims{
			"sub": "user-1",
			"exp": time.Now().Add(time.Minute).Unix(),
		})
		userID, err := m.validateToken(token)
		if err != nil {
			t.Fatalf("validateToken failed: %v", err)
		}
		if userID != "user-1" {
			t.Errorf("Got user %q", userID)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		token := signToken(t, "other-secret", jwt.MapClaims{"sub": "user-1"})
		if _, err := m.validateToken(token); err == nil {
			t.Error("Expected error for wrong secret")
		}
	})

	t.Run("missing subject", func(t *testing.T) {
		token := signToken(t, "test-secret", jwt.MapClaims{
			"exp": time.Now().Add(time.Minute).Unix(),
		})
		if _, err := m.validateToken(token); err == nil {
			t.Error("Expected error for missing subject")
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, err := m.validateToken("not-a-jwt"); err == nil {
			t.Error("Expected error for garbage token")
		}
	})
}

func TestManager_PublishWithoutClients(t *testing.T) {
	m := testManager()

	// Publishing into an empty hub must not block or panic
	m.Publish("token_reuse", "user-1", map[string]string{"session_id": "s1"})

	if m.IsConnected("user-1") {
		t.Error("Expected no connected devices")
	}
}
