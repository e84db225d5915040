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

// SessionStore implements MongoDB refresh session storage
type SessionStore struct {
	collection *mongo.Collection
	usedTokens *mongo.Collection
}

func (s *SessionStore) Create(ctx context.Context, session *domain.RefreshSession) error {
	_, err := s.collection.InsertOne(ctx, session)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *SessionStore) GetByID(ctx context.Context, id string) (*domain.RefreshSession, error) {
	var session domain.RefreshSession
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&session)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &session, nil
}

// Rotate relies on FindOneAndUpdate with the full precondition in the filter:
// the swap happens only on an unrevoked, unexpired session whose current
// token id still matches, so concurrent rotations of the same token resolve
// to exactly one winner server-side.
func (s *SessionStore) Rotate(ctx context.Context, sessionID, currentTokenID, newTokenID string) error {
	err := s.collection.FindOneAndUpdate(ctx,
		bson.M{
			"_id":              sessionID,
			"current_token_id": currentTokenID,
			"revoked":          false,
			"expires_at":       bson.M{"$gt": time.Now()},
		},
		bson.M{"$set": bson.M{
			"current_token_id": newTokenID,
			"rotated_from":     currentTokenID,
		}},
	).Err()
	if err == nil {
		return nil
	}
	if err != mongo.ErrNoDocuments {
		return fmt.Errorf("failed to rotate session: %w", err)
	}

	count, err := s.collection.CountDocuments(ctx, bson.M{"_id": sessionID})
	if err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	if count == 0 {
		return storage.ErrNotFound
	}
	return storage.ErrConflict
}

func (s *SessionStore) Revoke(ctx context.Context, sessionID string) error {
	result, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": sessionID},
		bson.M{"$set": bson.M{"revoked": true}},
	)
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	if result.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *SessionStore) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	result, err := s.collection.UpdateMany(ctx,
		bson.M{"user_id": userID, "revoked": false},
		bson.M{"$set": bson.M{"revoked": true}},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke sessions: %w", err)
	}
	return result.ModifiedCount, nil
}

func (s *SessionStore) MarkTokenUsed(ctx context.Context, used *domain.UsedToken) error {
	_, err := s.usedTokens.ReplaceOne(ctx,
		bson.M{"_id": used.TokenID},
		used,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to mark token used: %w", err)
	}
	return nil
}

func (s *SessionStore) GetUsedToken(ctx context.Context, tokenID string) (*domain.UsedToken, error) {
	var used domain.UsedToken
	err := s.usedTokens.FindOne(ctx, bson.M{"_id": tokenID}).Decode(&used)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get used token: %w", err)
	}
	return &used, nil
}

func (s *SessionStore) DeleteExpiredUsedTokens(ctx context.Context) error {
	_, err := s.usedTokens.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lt": time.Now()}})
	if err != nil {
		return fmt.Errorf("failed to delete expired used tokens: %w", err)
	}
	return nil
}
