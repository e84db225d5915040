package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/openquill/go-auth-backend/internal/storage"
	"github.com/openquill/go-auth-backend/pkg/config"
)

// Store implements MongoDB storage
type Store struct {
	client   *mongo.Client
	database *mongo.Database
	cfg      *config.MongoDBConfig

	credentials *CredentialStore
	challenges  *ChallengeStore
	sessions    *SessionStore
	audit       *AuditStore
	grants      *GrantStore
	oauth       *OAuthStore
}

// NewStore creates a new MongoDB store
func NewStore(ctx context.Context, cfg *config.MongoDBConfig) (*Store, error) {
	clientOptions := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(time.Duration(cfg.Timeout) * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Ping the database to verify connection
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	database := client.Database(cfg.Database)
	counters := database.Collection("counters")

	s := &Store{
		client:   client,
		database: database,
		cfg:      cfg,
	}

	// Initialize sub-stores
	s.credentials = &CredentialStore{collection: database.Collection("credentials")}
	s.challenges = &ChallengeStore{collection: database.Collection("challenges")}
	s.sessions = &SessionStore{
		collection: database.Collection("sessions"),
		usedTokens: database.Collection("used_tokens"),
	}
	s.audit = &AuditStore{collection: database.Collection("audit_entries"), counter: counters}
	s.grants = &GrantStore{collection: database.Collection("stepup_grants")}
	s.oauth = &OAuthStore{
		requests: database.Collection("oauth_requests"),
		codes:    database.Collection("oauth_codes"),
	}

	// Create indexes
	if err := s.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	return s, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	// Credentials collection indexes
	_, err := s.credentials.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create credential indexes: %w", err)
	}

	// Challenges: one live challenge per (owner_key, purpose). No TTL index;
	// the sweep deletes expired rows so a just-expired challenge is still
	// present for the consume path to classify.
	_, err = s.challenges.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "owner_key", Value: 1}, {Key: "purpose", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create challenge indexes: %w", err)
	}

	// Sessions are kept after revocation, so no TTL index either
	_, err = s.sessions.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create session indexes: %w", err)
	}

	// Used-token index rows expire on their own
	_, err = s.sessions.usedTokens.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("failed to create used-token indexes: %w", err)
	}

	// Audit entries are read back per user in append order
	_, err = s.audit.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "_id", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create audit indexes: %w", err)
	}

	// Step-up grants: one grant per (user_id, action)
	_, err = s.grants.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "action", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create grant indexes: %w", err)
	}

	// OAuth state indexes
	for _, coll := range []*mongo.Collection{s.oauth.requests, s.oauth.codes} {
		_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		})
		if err != nil {
			return fmt.Errorf("failed to create oauth indexes: %w", err)
		}
	}

	return nil
}

func (s *Store) Credentials() storage.CredentialStore { return s.credentials }
func (s *Store) Challenges() storage.ChallengeStore   { return s.challenges }
func (s *Store) Sessions() storage.SessionStore       { return s.sessions }
func (s *Store) Audit() storage.AuditStore            { return s.audit }
func (s *Store) Grants() storage.GrantStore           { return s.grants }
func (s *Store) OAuth() storage.OAuthStore            { return s.oauth }

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}
