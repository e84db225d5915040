package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/openquill/go-auth-backend/internal/domain"
	"github.com/openquill/go-auth-backend/internal/storage"
)

// CredentialStore implements MongoDB credential storage
type CredentialStore struct {
	collection *mongo.Collection
}

func (s *CredentialStore) Create(ctx context.Context, credential *domain.Credential) error {
	_, err := s.collection.InsertOne(ctx, credential)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create credential: %w", err)
	}
	return nil
}

func (s *CredentialStore) GetByID(ctx context.Context, id string) (*domain.Credential, error) {
	var credential domain.Credential
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&credential)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return &credential, nil
}

func (s *CredentialStore) GetAllByUser(ctx context.Context, userID string) ([]*domain.Credential, error) {
	cursor, err := s.collection.Find(ctx, bson.M{"user_id": userID})
	if err != nil {
		return nil, fmt.Errorf("failed to get credentials: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var credentials []*domain.Credential
	if err := cursor.All(ctx, &credentials); err != nil {
		return nil, fmt.Errorf("failed to decode credentials: %w", err)
	}
	return credentials, nil
}

func (s *CredentialStore) UpdateCounter(ctx context.Context, id string, counter uint32, usedAt time.Time) error {
	result, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{
			"signature_count": counter,
			"last_used_at":    usedAt,
		}},
	)
	if err != nil {
		return fmt.Errorf("failed to update counter: %w", err)
	}
	if result.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *CredentialStore) UpdateLabel(ctx context.Context, id, userID, label string) error {
	result, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": id, "user_id": userID},
		bson.M{"$set": bson.M{"label": label}},
	)
	if err != nil {
		return fmt.Errorf("failed to update label: %w", err)
	}
	if result.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *CredentialStore) Delete(ctx context.Context, id, userID string) error {
	result, err := s.collection.DeleteOne(ctx, bson.M{"_id": id, "user_id": userID})
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	if result.DeletedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}
