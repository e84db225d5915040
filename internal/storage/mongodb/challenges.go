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

// ChallengeStore implements MongoDB challenge storage
type ChallengeStore struct {
	collection *mongo.Collection
}

func (s *ChallengeStore) Put(ctx context.Context, challenge *domain.Challenge) error {
	_, err := s.collection.ReplaceOne(ctx,
		bson.M{"owner_key": challenge.OwnerKey, "purpose": challenge.Purpose},
		challenge,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to store challenge: %w", err)
	}
	return nil
}

// Consume is atomic via FindOneAndDelete: of two concurrent consumers of the
// same challenge exactly one gets the document, the other gets ErrNotFound.
func (s *ChallengeStore) Consume(ctx context.Context, ownerKey, purpose, value string) (*domain.Challenge, error) {
	var challenge domain.Challenge
	err := s.collection.FindOneAndDelete(ctx, bson.M{
		"owner_key": ownerKey,
		"purpose":   purpose,
		"value":     value,
	}).Decode(&challenge)
	if err == nil {
		return &challenge, nil
	}
	if err != mongo.ErrNoDocuments {
		return nil, fmt.Errorf("failed to consume challenge: %w", err)
	}

	// Distinguish "no challenge" from "wrong value"; the mismatched
	// challenge stays live.
	count, err := s.collection.CountDocuments(ctx,
		bson.M{"owner_key": ownerKey, "purpose": purpose})
	if err != nil {
		return nil, fmt.Errorf("failed to check challenge: %w", err)
	}
	if count > 0 {
		return nil, storage.ErrConflict
	}
	return nil, storage.ErrNotFound
}

func (s *ChallengeStore) DeleteExpired(ctx context.Context) error {
	_, err := s.collection.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lt": time.Now()}})
	if err != nil {
		return fmt.Errorf("failed to delete expired challenges: %w", err)
	}
	return nil
}
