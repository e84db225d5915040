package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/openquill/go-auth-backend/internal/domain"
	"github.com/openquill/go-auth-backend/internal/storage"
)

// GrantStore implements MongoDB step-up grant storage
type GrantStore struct {
	collection *mongo.Collection
}

func (s *GrantStore) Put(ctx context.Context, grant *domain.StepUpGrant) error {
	_, err := s.collection.ReplaceOne(ctx,
		bson.M{"user_id": grant.UserID, "action": grant.Action},
		grant,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to store grant: %w", err)
	}
	return nil
}

func (s *GrantStore) Get(ctx context.Context, userID, action string) (*domain.StepUpGrant, error) {
	var grant domain.StepUpGrant
	err := s.collection.FindOne(ctx, bson.M{"user_id": userID, "action": action}).Decode(&grant)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}
	return &grant, nil
}

func (s *GrantStore) DeleteAllForUser(ctx context.Context, userID string) error {
	_, err := s.collection.DeleteMany(ctx, bson.M{"user_id": userID})
	if err != nil {
		return fmt.Errorf("failed to delete grants: %w", err)
	}
	return nil
}

func (s *GrantStore) DeleteExpired(ctx context.Context) error {
	_, err := s.collection.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lt": time.Now()}})
	if err != nil {
		return fmt.Errorf("failed to delete expired grants: %w", err)
	}
	return nil
}
