package service

import (
	"context"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/openquill/go-auth-backend/internal/domain"
	"github.com/openquill/go-auth-backend/internal/storage/memory"
)

func TestAuditService_ChainLinks(t *testing.T) {
	store := memory.NewStore()
	svc := NewAuditService(store, zap.NewNop())
	ctx := context.Background()
	userID := domain.NewUserID()

	first, err := svc.Append(ctx, userID, domain.AuditLogin, map[string]string{"credential_id": "c1"})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if first.PrevHash != domain.GenesisHash {
		t.Errorf("First entry should link to genesis, got %q", first.PrevHash)
	}
	if first.EntryHash != first.Hash() {
		t.Error("Recorded hash does not match recomputation")
	}

	second, err := svc.Append(ctx, userID, domain.AuditTokenRefresh, nil)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if second.PrevHash != first.EntryHash {
		t.Errorf("Second entry links to %q, want %q", second.PrevHash, first.EntryHash)
	}
}

func TestAuditService_VerifyChain(t *testing.T) {
	store := memory.NewStore()
	svc := NewAuditService(store, zap.NewNop())
	ctx := context.Background()
	userID := domain.NewUserID()

	t.Run("empty chain is valid", func(t *testing.T) {
		report, err := svc.VerifyChain(ctx, userID)
		if err != nil {
			t.Fatalf("VerifyChain failed: %v", err)
		}
		if !report.Valid || report.Entries != 0 {
			t.Errorf("Expected valid empty chain, got %+v", report)
		}
	})

	events := []string{domain.AuditLogin, domain.AuditTokenRefresh, domain.AuditStepUpGranted, domain.AuditLogout}
	for _, event := range events {
		if _, err := svc.Append(ctx, userID, event, nil); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	t.Run("intact chain verifies", func(t *testing.T) {
		report, err := svc.VerifyChain(ctx, userID)
		if err != nil {
			t.Fatalf("VerifyChain failed: %v", err)
		}
		if !report.Valid {
			t.Errorf("Expected valid chain, got %+v", report)
		}
		if report.Entries != len(events) {
			t.Errorf("Expected %d entries, got %d", len(events), report.Entries)
		}
	})

	t.Run("tampered entry pinpointed", func(t *testing.T) {
		entries, err := store.Audit().GetAllByUser(ctx, userID.String())
		if err != nil {
			t.Fatalf("GetAllByUser failed: %v", err)
		}

		// Rewrite the payload of the third entry behind the chain's back
		tampered := entries[2]
		tampered.EventData = []byte(`{"forged":true}`)

		report, err := svc.VerifyChain(ctx, userID)
		if err != nil {
			t.Fatalf("VerifyChain failed: %v", err)
		}
		if report.Valid {
			t.Fatal("Expected verification failure")
		}
		if report.BrokenAtID != tampered.ID {
			t.Errorf("Expected break at entry %d, got %d", tampered.ID, report.BrokenAtID)
		}
	})
}

func TestAuditService_ConcurrentAppends(t *testing.T) {
	store := memory.NewStore()
	svc := NewAuditService(store, zap.NewNop())
	ctx := context.Background()
	userID := domain.NewUserID()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Append(ctx, userID, domain.AuditTokenRefresh, nil); err != nil {
				t.Errorf("Append failed: %v", err)
			}
		}()
	}
	wg.Wait()

	// Serialized appends must still form a perfectly linked chain
	report, err := svc.VerifyChain(ctx, userID)
	if err != nil {
		t.Fatalf("VerifyChain failed: %v", err)
	}
	if !report.Valid {
		t.Errorf("Expected valid chain after concurrent appends, got %+v", report)
	}
	if report.Entries != 20 {
		t.Errorf("Expected 20 entries, got %d", report.Entries)
	}
}

func TestAuditService_ChainsAreIsolated(t *testing.T) {
	store := memory.NewStore()
	svc := NewAuditService(store, zap.NewNop())
	ctx := context.Background()

	alice := domain.NewUserID()
	bob := domain.NewUserID()

	aliceEntry, _ := svc.Append(ctx, alice, domain.AuditLogin, nil)
	bobEntry, _ := svc.Append(ctx, bob, domain.AuditLogin, nil)

	// Both chains start from genesis independently
	if aliceEntry.PrevHash != domain.GenesisHash || bobEntry.PrevHash != domain.GenesisHash {
		t.Error("Per-user chains should each start at genesis")
	}
}
