package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/openquill/go-auth-backend/internal/domain"
	"github.com/openquill/go-auth-backend/internal/storage/memory"
)

func TestChallengeService_IssueConsume(t *testing.T) {
	store := memory.NewStore()
	svc := NewChallengeService(store, 5*time.Minute, zap.NewNop())
	ctx := context.Background()

	value, err := svc.Issue(ctx, "user1", domain.PurposeAuthentication)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if len(value) < 43 {
		t.Errorf("Challenge too short: %d chars", len(value))
	}

	if err := svc.Consume(ctx, "user1", domain.PurposeAuthentication, value); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}

	// Replay fails closed
	if err := svc.Consume(ctx, "user1", domain.PurposeAuthentication, value); !errors.Is(err, ErrChallengeNotFound) {
		t.Errorf("Expected ErrChallengeNotFound on replay, got %v", err)
	}
}

func TestChallengeService_Mismatch(t *testing.T) {
	store := memory.NewStore()
	svc := NewChallengeService(store, 5*time.Minute, zap.NewNop())
	ctx := context.Background()

	value, err := svc.Issue(ctx, "user1", domain.PurposeRegistration)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if err := svc.Consume(ctx, "user1", domain.PurposeRegistration, "forged"); !errors.Is(err, ErrChallengeMismatch) {
		t.Errorf("Expected ErrChallengeMismatch, got %v", err)
	}

	// The real challenge survives a mismatched attempt
	if err := svc.Consume(ctx, "user1", domain.PurposeRegistration, value); err != nil {
		t.Errorf("Expected real challenge to consume, got %v", err)
	}
}

func TestChallengeService_Expired(t *testing.T) {
	store := memory.NewStore()
	svc := NewChallengeService(store, -time.Second, zap.NewNop())
	ctx := context.Background()

	value, err := svc.Issue(ctx, "user1", domain.PurposeAuthentication)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if err := svc.Consume(ctx, "user1", domain.PurposeAuthentication, value); !errors.Is(err, ErrChallengeExpired) {
		t.Errorf("Expected ErrChallengeExpired, got %v", err)
	}

	// The expired challenge was still consumed: no second chance
	if err := svc.Consume(ctx, "user1", domain.PurposeAuthentication, value); !errors.Is(err, ErrChallengeNotFound) {
		t.Errorf("Expected ErrChallengeNotFound after expiry consume, got %v", err)
	}
}

func TestChallengeService_StoreIssued(t *testing.T) {
	store := memory.NewStore()
	svc := NewChallengeService(store, 5*time.Minute, zap.NewNop())
	ctx := context.Background()

	// A library-minted value goes through the same single-use lifecycle
	if err := svc.StoreIssued(ctx, "ceremony-1", domain.PurposeAuthentication, "library-value"); err != nil {
		t.Fatalf("StoreIssued failed: %v", err)
	}
	if err := svc.Consume(ctx, "ceremony-1", domain.PurposeAuthentication, "library-value"); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
}
