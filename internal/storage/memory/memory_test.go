package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openquill/go-auth-backend/internal/domain"
	"github.com/openquill/go-auth-backend/internal/storage"
)

func TestChallengeStore_Consume(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	put := func(owner, purpose, value string) {
		t.Helper()
		err := store.Challenges().Put(ctx, &domain.Challenge{
			OwnerKey:  owner,
			Purpose:   purpose,
			Value:     value,
			ExpiresAt: time.Now().Add(time.Minute),
			CreatedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	t.Run("consume then replay", func(t *testing.T) {
		put("user1", "registration", "challenge-a")

		challenge, err := store.Challenges().Consume(ctx, "user1", "registration", "challenge-a")
		if err != nil {
			t.Fatalf("Consume failed: %v", err)
		}
		if challenge.Value != "challenge-a" {
			t.Errorf("Unexpected challenge value %q", challenge.Value)
		}

		// Second consume of the same challenge must fail
		if _, err := store.Challenges().Consume(ctx, "user1", "registration", "challenge-a"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("Expected ErrNotFound on replay, got %v", err)
		}
	})

	t.Run("value mismatch leaves challenge live", func(t *testing.T) {
		put("user2", "authentication", "right")

		if _, err := store.Challenges().Consume(ctx, "user2", "authentication", "wrong"); !errors.Is(err, storage.ErrConflict) {
			t.Errorf("Expected ErrConflict, got %v", err)
		}

		// The original can still be consumed
		if _, err := store.Challenges().Consume(ctx, "user2", "authentication", "right"); err != nil {
			t.Errorf("Expected consume to succeed after mismatch, got %v", err)
		}
	})

	t.Run("put overwrites live challenge", func(t *testing.T) {
		put("user3", "registration", "first")
		put("user3", "registration", "second")

		if _, err := store.Challenges().Consume(ctx, "user3", "registration", "first"); !errors.Is(err, storage.ErrConflict) {
			t.Errorf("Expected first challenge to be superseded, got %v", err)
		}
		if _, err := store.Challenges().Consume(ctx, "user3", "registration", "second"); err != nil {
			t.Errorf("Expected second challenge to consume, got %v", err)
		}
	})

	t.Run("purposes are isolated", func(t *testing.T) {
		put("user4", "registration", "reg")
		put("user4", "authentication", "auth")

		if _, err := store.Challenges().Consume(ctx, "user4", "registration", "auth"); !errors.Is(err, storage.ErrConflict) {
			t.Errorf("Expected ErrConflict across purposes, got %v", err)
		}
	})

	t.Run("concurrent consumers get one winner", func(t *testing.T) {
		put("user5", "authentication", "raced")

		var wg sync.WaitGroup
		var successes int32
		var mu sync.Mutex
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := store.Challenges().Consume(ctx, "user5", "authentication", "raced"); err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if successes != 1 {
			t.Errorf("Expected exactly 1 successful consume, got %d", successes)
		}
	})
}

func TestChallengeStore_DeleteExpired(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	_ = store.Challenges().Put(ctx, &domain.Challenge{
		OwnerKey: "u", Purpose: "registration", Value: "x",
		ExpiresAt: time.Now().Add(-time.Minute),
	})
	_ = store.Challenges().Put(ctx, &domain.Challenge{
		OwnerKey: "u", Purpose: "authentication", Value: "y",
		ExpiresAt: time.Now().Add(time.Minute),
	})

	if err := store.Challenges().DeleteExpired(ctx); err != nil {
		t.Fatalf("DeleteExpired failed: %v", err)
	}

	if _, err := store.Challenges().Consume(ctx, "u", "registration", "x"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected expired challenge swept, got %v", err)
	}
	if _, err := store.Challenges().Consume(ctx, "u", "authentication", "y"); err != nil {
		t.Errorf("Expected live challenge kept, got %v", err)
	}
}

func newSession(userID string) *domain.RefreshSession {
	return &domain.RefreshSession{
		ID:             domain.NewSessionID(),
		UserID:         userID,
		CurrentTokenID: domain.NewTokenID(),
		CreatedAt:      time.Now(),
		ExpiresAt:      time.Now().Add(time.Hour),
	}
}

func TestSessionStore_Rotate(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	t.Run("happy path", func(t *testing.T) {
		session := newSession("user1")
		oldToken := session.CurrentTokenID
		if err := store.Sessions().Create(ctx, session); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		newToken := domain.NewTokenID()
		if err := store.Sessions().Rotate(ctx, session.ID, oldToken, newToken); err != nil {
			t.Fatalf("Rotate failed: %v", err)
		}

		got, err := store.Sessions().GetByID(ctx, session.ID)
		if err != nil {
			t.Fatalf("GetByID failed: %v", err)
		}
		if got.CurrentTokenID != newToken {
			t.Errorf("Expected current token %q, got %q", newToken, got.CurrentTokenID)
		}
		if got.RotatedFrom != oldToken {
			t.Errorf("Expected rotated_from %q, got %q", oldToken, got.RotatedFrom)
		}
	})

	t.Run("stale token conflicts", func(t *testing.T) {
		session := newSession("user2")
		oldToken := session.CurrentTokenID
		_ = store.Sessions().Create(ctx, session)
		_ = store.Sessions().Rotate(ctx, session.ID, oldToken, domain.NewTokenID())

		if err := store.Sessions().Rotate(ctx, session.ID, oldToken, domain.NewTokenID()); !errors.Is(err, storage.ErrConflict) {
			t.Errorf("Expected ErrConflict, got %v", err)
		}
	})

	t.Run("revoked session conflicts", func(t *testing.T) {
		session := newSession("user3")
		_ = store.Sessions().Create(ctx, session)
		_ = store.Sessions().Revoke(ctx, session.ID)

		if err := store.Sessions().Rotate(ctx, session.ID, session.CurrentTokenID, domain.NewTokenID()); !errors.Is(err, storage.ErrConflict) {
			t.Errorf("Expected ErrConflict, got %v", err)
		}
	})

	t.Run("expired session conflicts", func(t *testing.T) {
		session := newSession("user4")
		session.ExpiresAt = time.Now().Add(-time.Minute)
		_ = store.Sessions().Create(ctx, session)

		if err := store.Sessions().Rotate(ctx, session.ID, session.CurrentTokenID, domain.NewTokenID()); !errors.Is(err, storage.ErrConflict) {
			t.Errorf("Expected ErrConflict, got %v", err)
		}
	})

	t.Run("unknown session not found", func(t *testing.T) {
		if err := store.Sessions().Rotate(ctx, "missing", "a", "b"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("concurrent rotations of one token get one winner", func(t *testing.T) {
		session := newSession("user5")
		oldToken := session.CurrentTokenID
		_ = store.Sessions().Create(ctx, session)

		var wg sync.WaitGroup
		var successes int32
		var mu sync.Mutex
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := store.Sessions().Rotate(ctx, session.ID, oldToken, domain.NewTokenID()); err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if successes != 1 {
			t.Errorf("Expected exactly 1 winner, got %d", successes)
		}
	})
}

func TestSessionStore_RevokeAllForUser(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = store.Sessions().Create(ctx, newSession("victim"))
	}
	other := newSession("bystander")
	_ = store.Sessions().Create(ctx, other)

	count, err := store.Sessions().RevokeAllForUser(ctx, "victim")
	if err != nil {
		t.Fatalf("RevokeAllForUser failed: %v", err)
	}
	if count != 3 {
		t.Errorf("Expected 3 revoked, got %d", count)
	}

	// Revoking again revokes nothing new
	count, _ = store.Sessions().RevokeAllForUser(ctx, "victim")
	if count != 0 {
		t.Errorf("Expected 0 on second pass, got %d", count)
	}

	got, _ := store.Sessions().GetByID(ctx, other.ID)
	if got.Revoked {
		t.Error("Bystander session should not be revoked")
	}
}

func TestSessionStore_UsedTokens(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	used := &domain.UsedToken{
		TokenID:   "tok1",
		SessionID: "sess1",
		UserID:    "user1",
		RotatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := store.Sessions().MarkTokenUsed(ctx, used); err != nil {
		t.Fatalf("MarkTokenUsed failed: %v", err)
	}

	got, err := store.Sessions().GetUsedToken(ctx, "tok1")
	if err != nil {
		t.Fatalf("GetUsedToken failed: %v", err)
	}
	if got.SessionID != "sess1" {
		t.Errorf("Unexpected session id %q", got.SessionID)
	}

	if _, err := store.Sessions().GetUsedToken(ctx, "unknown"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	// Expired rows behave as absent
	_ = store.Sessions().MarkTokenUsed(ctx, &domain.UsedToken{
		TokenID:   "tok2",
		SessionID: "sess1",
		ExpiresAt: time.Now().Add(-time.Minute),
	})
	if _, err := store.Sessions().GetUsedToken(ctx, "tok2"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for expired row, got %v", err)
	}
}

func TestAuditStore_AppendOrder(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	for _, event := range []string{"user.login", "token.refresh", "user.logout"} {
		err := store.Audit().Append(ctx, &domain.AuditEntry{
			UserID:    "user1",
			EventType: event,
			CreatedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	entries, err := store.Audit().GetAllByUser(ctx, "user1")
	if err != nil {
		t.Fatalf("GetAllByUser failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].ID <= entries[i-1].ID {
			t.Errorf("IDs not increasing: %d then %d", entries[i-1].ID, entries[i].ID)
		}
	}

	tail, err := store.Audit().GetTail(ctx, "user1")
	if err != nil {
		t.Fatalf("GetTail failed: %v", err)
	}
	if tail.EventType != "user.logout" {
		t.Errorf("Expected tail user.logout, got %q", tail.EventType)
	}

	if _, err := store.Audit().GetTail(ctx, "nobody"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for empty chain, got %v", err)
	}
}

func TestGrantStore(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	grant := &domain.StepUpGrant{
		UserID:    "user1",
		Action:    "export_journal",
		GrantedAt: time.Now(),
		ExpiresAt: time.Now().Add(5 * time.Minute),
	}
	if err := store.Grants().Put(ctx, grant); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := store.Grants().Get(ctx, "user1", "export_journal")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Action != "export_journal" {
		t.Errorf("Unexpected action %q", got.Action)
	}

	if _, err := store.Grants().Get(ctx, "user1", "delete_account"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for other action, got %v", err)
	}

	if err := store.Grants().DeleteAllForUser(ctx, "user1"); err != nil {
		t.Fatalf("DeleteAllForUser failed: %v", err)
	}
	if _, err := store.Grants().Get(ctx, "user1", "export_journal"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected grant deleted, got %v", err)
	}
}

func TestOAuthStore_SingleUse(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	req := &domain.AuthorizationRequest{
		RequestURI:          domain.RequestURIPrefix + "abc",
		ClientID:            "client1",
		RedirectURI:         "https://app.example/cb",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		ExpiresAt:           time.Now().Add(time.Minute),
	}
	if err := store.OAuth().PutRequest(ctx, req); err != nil {
		t.Fatalf("PutRequest failed: %v", err)
	}

	if _, err := store.OAuth().ConsumeRequest(ctx, req.RequestURI); err != nil {
		t.Fatalf("ConsumeRequest failed: %v", err)
	}
	if _, err := store.OAuth().ConsumeRequest(ctx, req.RequestURI); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second consume, got %v", err)
	}

	code := &domain.AuthorizationCode{
		Code:      "code-1",
		ClientID:  "client1",
		UserID:    "user1",
		ExpiresAt: time.Now().Add(time.Minute),
	}
	if err := store.OAuth().PutCode(ctx, code); err != nil {
		t.Fatalf("PutCode failed: %v", err)
	}
	if _, err := store.OAuth().ConsumeCode(ctx, "code-1"); err != nil {
		t.Fatalf("ConsumeCode failed: %v", err)
	}
	if _, err := store.OAuth().ConsumeCode(ctx, "code-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second consume, got %v", err)
	}
}
