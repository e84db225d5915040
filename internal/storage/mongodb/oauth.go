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

// OAuthStore implements MongoDB storage for pushed authorization requests
// and authorization codes. Both are single-use; consumption is a
// FindOneAndDelete so double-redemption loses the race server-side.
type OAuthStore struct {
	requests *mongo.Collection
	codes    *mongo.Collection
}

func (s *OAuthStore) PutRequest(ctx context.Context, req *domain.AuthorizationRequest) error {
	_, err := s.requests.InsertOne(ctx, req)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("failed to store request: %w", err)
	}
	return nil
}

func (s *OAuthStore) ConsumeRequest(ctx context.Context, requestURI string) (*domain.AuthorizationRequest, error) {
	var req domain.AuthorizationRequest
	err := s.requests.FindOneAndDelete(ctx, bson.M{"_id": requestURI}).Decode(&req)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to consume request: %w", err)
	}
	return &req, nil
}

func (s *OAuthStore) PutCode(ctx context.Context, code *domain.AuthorizationCode) error {
	_, err := s.codes.InsertOne(ctx, code)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("failed to store code: %w", err)
	}
	return nil
}

func (s *OAuthStore) ConsumeCode(ctx context.Context, code string) (*domain.AuthorizationCode, error) {
	var stored domain.AuthorizationCode
	err := s.codes.FindOneAndDelete(ctx, bson.M{"_id": code}).Decode(&stored)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to consume code: %w", err)
	}
	return &stored, nil
}

func (s *OAuthStore) DeleteExpired(ctx context.Context) error {
	now := time.Now()
	if _, err := s.requests.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lt": now}}); err != nil {
		return fmt.Errorf("failed to delete expired requests: %w", err)
	}
	if _, err := s.codes.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lt": now}}); err != nil {
		return fmt.Errorf("failed to delete expired codes: %w", err)
	}
	return nil
}
