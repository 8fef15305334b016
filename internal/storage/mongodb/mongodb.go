package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sessiond/internal/domain/models"
	"sessiond/internal/storage"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type Storage struct {
	client   *mongo.Client
	database *mongo.Database
	users    *mongo.Collection
	tokens   *mongo.Collection
}

type userDoc struct {
	Username    string    `bson:"_id"`
	Email       string    `bson:"email"`
	PassHash    []byte    `bson:"pass_hash"`
	TokenSecret string    `bson:"token_secret"`
	CreatedAt   time.Time `bson:"created_at"`
}

type tokenDoc struct {
	Secret    string    `bson:"_id"`
	Expiry    time.Time `bson:"expiry"`
	Owner     string    `bson:"owner"`
	CreatedAt time.Time `bson:"created_at"`
}

// New creates a new MongoDB storage instance and sets up indexes.
func New(ctx context.Context, uri, database string) (*Storage, error) {
	const op = "storage.mongodb.New"

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%s: connect: %w", op, err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	db := client.Database(database)
	s := &Storage{
		client:   client,
		database: db,
		users:    db.Collection("users"),
		tokens:   db.Collection("tokens"),
	}

	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("%s: indexes: %w", op, err)
	}

	return s, nil
}

func (s *Storage) ensureIndexes(ctx context.Context) error {
	// tokens.owner, for reverse lookups and owner-scoped cleanup
	_, err := s.tokens.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "owner", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("tokens.owner index: %w", err)
	}

	return nil
}

// Close disconnects from MongoDB.
func (s *Storage) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// SaveUser inserts a new user keyed by username with no token linked yet.
func (s *Storage) SaveUser(ctx context.Context, username, email string, passHash []byte) error {
	const op = "storage.mongodb.SaveUser"

	doc := userDoc{
		Username:  username,
		Email:     email,
		PassHash:  passHash,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.users.InsertOne(ctx, doc)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%s: %w", op, storage.ErrUserAlreadyExists)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// User retrieves a user by username with its current token attached.
func (s *Storage) User(ctx context.Context, username string) (*models.User, error) {
	const op = "storage.mongodb.User"

	var doc userDoc
	err := s.users.FindOne(ctx, bson.D{{Key: "_id", Value: username}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	user := &models.User{
		Username:    doc.Username,
		Email:       doc.Email,
		PassHash:    doc.PassHash,
		TokenSecret: doc.TokenSecret,
		CreatedAt:   doc.CreatedAt,
	}

	if doc.TokenSecret != "" {
		token, err := s.TokenBySecret(ctx, doc.TokenSecret)
		if err != nil && !errors.Is(err, storage.ErrTokenNotFound) {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		user.Token = token
	}

	return user, nil
}

// SetUserToken repoints the user's token reference, conditionally on the
// current reference still being oldSecret. A mismatch means a concurrent
// rotation won and is reported as storage.ErrTokenConflict.
func (s *Storage) SetUserToken(ctx context.Context, username, oldSecret, newSecret string) error {
	const op = "storage.mongodb.SetUserToken"

	filter := bson.D{
		{Key: "_id", Value: username},
		{Key: "token_secret", Value: oldSecret},
	}
	update := bson.D{
		{Key: "$set", Value: bson.D{{Key: "token_secret", Value: newSecret}}},
	}

	res, err := s.users.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.MatchedCount == 0 {
		err := s.users.FindOne(ctx, bson.D{{Key: "_id", Value: username}}).Err()
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return fmt.Errorf("%s: %w", op, storage.ErrTokenConflict)
	}

	return nil
}

// SaveToken stores a new token record keyed by its secret.
func (s *Storage) SaveToken(ctx context.Context, token models.Token) error {
	const op = "storage.mongodb.SaveToken"

	doc := tokenDoc{
		Secret:    token.Secret,
		Expiry:    token.Expiry,
		Owner:     token.Owner,
		CreatedAt: token.CreatedAt,
	}

	_, err := s.tokens.InsertOne(ctx, doc)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// TokenBySecret retrieves a token record by its secret.
func (s *Storage) TokenBySecret(ctx context.Context, secret string) (*models.Token, error) {
	const op = "storage.mongodb.TokenBySecret"

	var doc tokenDoc
	err := s.tokens.FindOne(ctx, bson.D{{Key: "_id", Value: secret}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &models.Token{
		Secret:    doc.Secret,
		Expiry:    doc.Expiry.UTC(),
		Owner:     doc.Owner,
		CreatedAt: doc.CreatedAt.UTC(),
	}, nil
}

// ExtendTokenExpiry advances a token's expiry. The update is conditional on
// the new expiry being later than the stored one, so a refresh can only ever
// extend a token's lifetime.
func (s *Storage) ExtendTokenExpiry(ctx context.Context, secret string, expiry time.Time) error {
	const op = "storage.mongodb.ExtendTokenExpiry"

	filter := bson.D{
		{Key: "_id", Value: secret},
		{Key: "expiry", Value: bson.D{{Key: "$lt", Value: expiry}}},
	}
	update := bson.D{
		{Key: "$set", Value: bson.D{{Key: "expiry", Value: expiry}}},
	}

	res, err := s.tokens.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.MatchedCount == 0 {
		// Either the token is gone or a concurrent refresh advanced it
		// further already; only the former is an error.
		err := s.tokens.FindOne(ctx, bson.D{{Key: "_id", Value: secret}}).Err()
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	return nil
}

// DeleteToken removes a token record so the secret no longer resolves.
// Deleting an already-absent secret is not an error.
func (s *Storage) DeleteToken(ctx context.Context, secret string) error {
	const op = "storage.mongodb.DeleteToken"

	_, err := s.tokens.DeleteOne(ctx, bson.D{{Key: "_id", Value: secret}})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// ForceExpireToken rewinds a token's expiry into the past (for dev/test).
func (s *Storage) ForceExpireToken(ctx context.Context, secret string) error {
	const op = "storage.mongodb.ForceExpireToken"

	res, err := s.tokens.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: secret}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "expiry", Value: time.Now().UTC().Add(-time.Hour)}}}},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
	}

	return nil
}

// isDuplicateKeyError checks if the error is a MongoDB duplicate key error (code 11000).
func isDuplicateKeyError(err error) bool {
	var we mongo.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			if e.Code == 11000 {
				return true
			}
		}
	}
	return false
}
