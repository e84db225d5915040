package mongodb

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/openquill/go-auth-backend/internal/domain"
	"github.com/openquill/go-auth-backend/internal/storage"
)

// AuditStore implements MongoDB audit storage. Entries only ever get
// inserted; there is no update or delete path.
type AuditStore struct {
	collection *mongo.Collection
	counter    *mongo.Collection // For auto-increment IDs
}

func (s *AuditStore) getNextID(ctx context.Context) (int64, error) {
	result := s.counter.FindOneAndUpdate(
		ctx,
		bson.M{"_id": "audit_entry_id"},
		bson.M{"$inc": bson.M{"value": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	)

	var doc struct {
		Value int64 `bson:"value"`
	}
	if err := result.Decode(&doc); err != nil {
		return 0, err
	}
	return doc.Value, nil
}

func (s *AuditStore) Append(ctx context.Context, entry *domain.AuditEntry) error {
	id, err := s.getNextID(ctx)
	if err != nil {
		return fmt.Errorf("failed to get next ID: %w", err)
	}
	entry.ID = id

	_, err = s.collection.InsertOne(ctx, entry)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *AuditStore) GetTail(ctx context.Context, userID string) (*domain.AuditEntry, error) {
	var entry domain.AuditEntry
	err := s.collection.FindOne(ctx,
		bson.M{"user_id": userID},
		options.FindOne().SetSort(bson.D{{Key: "_id", Value: -1}}),
	).Decode(&entry)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get chain tail: %w", err)
	}
	return &entry, nil
}

func (s *AuditStore) GetAllByUser(ctx context.Context, userID string) ([]*domain.AuditEntry, error) {
	cursor, err := s.collection.Find(ctx,
		bson.M{"user_id": userID},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit entries: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var entries []*domain.AuditEntry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode audit entries: %w", err)
	}
	return entries, nil
}
