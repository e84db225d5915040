package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openquill/go-auth-backend/internal/domain"
	"github.com/openquill/go-auth-backend/internal/storage"
)

// AuditService maintains one hash chain of security events per user. Appends
// to the same user's chain are serialized so the prev-hash link is never
// computed against a stale tail; different users append concurrently. The
// serialization is an in-process mutex: running several server instances
// against one shared database can interleave appends and fork a user's chain,
// so multi-instance deployments must pin each user's writes to one instance.
type AuditService struct {
	store  storage.Store
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewAuditService creates a new AuditService
func NewAuditService(store storage.Store, logger *zap.Logger) *AuditService {
	return &AuditService{
		store:  store,
		logger: logger.Named("audit-service"),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *AuditService) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[userID] = lock
	}
	return lock
}

// Append records a security event on the user's chain. The entry hash covers
// the previous entry's hash, so the chain detects any later modification,
// deletion or reordering.
func (s *AuditService) Append(ctx context.Context, userID domain.UserID, eventType string, eventData interface{}) (*domain.AuditEntry, error) {
	data, err := json.Marshal(eventData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}

	lock := s.userLock(userID.String())
	lock.Lock()
	defer lock.Unlock()

	prevHash := domain.GenesisHash
	tail, err := s.store.Audit().GetTail(ctx, userID.String())
	switch {
	case err == nil:
		prevHash = tail.EntryHash
	case errors.Is(err, storage.ErrNotFound):
		// first entry for this user
	default:
		return nil, fmt.Errorf("failed to read chain tail: %w", err)
	}

	now := time.Now()
	entry := &domain.AuditEntry{
		UserID:    userID.String(),
		EventType: eventType,
		EventData: data,
		PrevHash:  prevHash,
		CreatedAt: now,
	}
	entry.EntryHash = entry.Hash()

	if err := s.store.Audit().Append(ctx, entry); err != nil {
		s.logger.Error("Failed to append audit entry", zap.Error(err))
		return nil, fmt.Errorf("failed to append audit entry: %w", err)
	}
	return entry, nil
}

// ChainReport is the result of verifying one user's chain
type ChainReport struct {
	Valid      bool   `json:"valid"`
	Entries    int    `json:"entries"`
	BrokenAtID int64  `json:"broken_at_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// VerifyChain walks a user's chain from genesis and reports the first entry
// whose recomputed hash or prev-hash link does not hold. An empty chain is
// valid.
func (s *AuditService) VerifyChain(ctx context.Context, userID domain.UserID) (*ChainReport, error) {
	entries, err := s.store.Audit().GetAllByUser(ctx, userID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to load chain: %w", err)
	}

	prevHash := domain.GenesisHash
	for _, entry := range entries {
		if entry.PrevHash != prevHash {
			return &ChainReport{
				Entries:    len(entries),
				BrokenAtID: entry.ID,
				Reason:     fmt.Sprintf("entry %d: prev hash link broken", entry.ID),
			}, nil
		}
		if entry.Hash() != entry.EntryHash {
			return &ChainReport{
				Entries:    len(entries),
				BrokenAtID: entry.ID,
				Reason:     fmt.Sprintf("entry %d: recorded hash does not match contents", entry.ID),
			}, nil
		}
		prevHash = entry.EntryHash
	}

	return &ChainReport{Valid: true, Entries: len(entries)}, nil
}

// GetAllByUser returns a user's full chain in append order
func (s *AuditService) GetAllByUser(ctx context.Context, userID domain.UserID) ([]*domain.AuditEntry, error) {
	return s.store.Audit().GetAllByUser(ctx, userID.String())
}
